package meta

import (
	"encoding/binary"
	"time"

	"github.com/gftdcojp/playback-loader/internal/types"
)

// Bucket names in BoltDB.
var (
	bucketSystem      = []byte("system")
	bucketSources     = []byte("sources")
	keySchemaVersion  = []byte("schema_version")
	subBucketProblems = []byte("problems")
	subBucketSession  = []byte("session")
	keySession        = []byte("state")

	// Schema v2: problems ordered by last-seen time for retention
	subBucketProblemTime = []byte("problem_time")
)

const currentSchemaVersion = 2

// ProblemEntry is a problem recorded against a source under a stable id.
type ProblemEntry struct {
	Source    string
	ID        string
	Problem   types.Problem
	FirstSeen time.Time
	LastSeen  time.Time
}

// Session is the playback state restored when a source is reopened.
type Session struct {
	Topics    []string
	LastSeek  types.Time
	UpdatedAt time.Time
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func sourceBucketName(source string) []byte {
	return []byte(source)
}

// problemTimeKey orders by last-seen time, then id.
func problemTimeKey(lastSeen time.Time, id string) []byte {
	return append(int64ToBytes(lastSeen.UnixNano()), id...)
}
