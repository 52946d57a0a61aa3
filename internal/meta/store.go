package meta

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"time"

	"github.com/gftdcojp/playback-loader/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Store provides durable problem tracking and session state per source.
type Store interface {
	RecordProblem(ctx context.Context, source, id string, p types.Problem) error
	ClearProblem(ctx context.Context, source, id string) error
	ListProblems(ctx context.Context, source string) ([]ProblemEntry, error)
	PruneProblems(ctx context.Context, source string, before time.Time) (int, error)

	GetSession(ctx context.Context, source string) (*Session, error)
	SetSession(ctx context.Context, source string, s Session) error

	Ping() error
	Close() error
}

// BoltStore implements Store using bbolt (BoltDB).
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens or creates a BoltDB metadata store.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &BoltStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// SetNoSync trades durability of the last writes for speed.
func (s *BoltStore) SetNoSync(noSync bool) {
	s.db.NoSync = noSync
}

func (s *BoltStore) initSchema() error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		v := sys.Get(keySchemaVersion)
		if v == nil {
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	}); err != nil {
		return err
	}
	return s.Migrate()
}

func (s *BoltStore) ensureSourceBuckets(tx *bbolt.Tx, source string) (*bbolt.Bucket, error) {
	sources, err := tx.CreateBucketIfNotExists(bucketSources)
	if err != nil {
		return nil, err
	}
	sb, err := sources.CreateBucketIfNotExists(sourceBucketName(source))
	if err != nil {
		return nil, err
	}
	for _, name := range [][]byte{
		subBucketProblems,
		subBucketProblemTime,
		subBucketSession,
	} {
		if _, err := sb.CreateBucketIfNotExists(name); err != nil {
			return nil, err
		}
	}
	return sb, nil
}

func (s *BoltStore) getSourceBucket(tx *bbolt.Tx, source string) *bbolt.Bucket {
	sources := tx.Bucket(bucketSources)
	if sources == nil {
		return nil
	}
	return sources.Bucket(sourceBucketName(source))
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeProblemEntry(data []byte) (*ProblemEntry, error) {
	var entry ProblemEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// RecordProblem inserts or refreshes a problem. FirstSeen survives updates.
func (s *BoltStore) RecordProblem(_ context.Context, source, id string, p types.Problem) error {
	now := time.Now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		sb, err := s.ensureSourceBuckets(tx, source)
		if err != nil {
			return err
		}
		problems := sb.Bucket(subBucketProblems)
		timeIdx := sb.Bucket(subBucketProblemTime)

		entry := ProblemEntry{Source: source, ID: id, Problem: p, FirstSeen: now, LastSeen: now}
		if raw := problems.Get([]byte(id)); raw != nil {
			prev, err := decodeProblemEntry(raw)
			if err != nil {
				return err
			}
			entry.FirstSeen = prev.FirstSeen
			if err := timeIdx.Delete(problemTimeKey(prev.LastSeen, id)); err != nil {
				return err
			}
		}

		data, err := encode(&entry)
		if err != nil {
			return err
		}
		if err := problems.Put([]byte(id), data); err != nil {
			return err
		}
		return timeIdx.Put(problemTimeKey(entry.LastSeen, id), []byte(id))
	})
}

func (s *BoltStore) ClearProblem(_ context.Context, source, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sb := s.getSourceBucket(tx, source)
		if sb == nil {
			return nil
		}
		return deleteProblem(sb, id)
	})
}

func deleteProblem(sb *bbolt.Bucket, id string) error {
	problems := sb.Bucket(subBucketProblems)
	raw := problems.Get([]byte(id))
	if raw == nil {
		return nil
	}
	entry, err := decodeProblemEntry(raw)
	if err != nil {
		return err
	}
	if err := problems.Delete([]byte(id)); err != nil {
		return err
	}
	return sb.Bucket(subBucketProblemTime).Delete(problemTimeKey(entry.LastSeen, id))
}

// ListProblems returns problems most recently seen first.
func (s *BoltStore) ListProblems(_ context.Context, source string) ([]ProblemEntry, error) {
	var entries []ProblemEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		sb := s.getSourceBucket(tx, source)
		if sb == nil {
			return nil
		}
		return sb.Bucket(subBucketProblems).ForEach(func(_, v []byte) error {
			entry, err := decodeProblemEntry(v)
			if err != nil {
				return err
			}
			entries = append(entries, *entry)
			return nil
		})
	})
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastSeen.Equal(entries[j].LastSeen) {
			return entries[i].LastSeen.After(entries[j].LastSeen)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, err
}

// PruneProblems deletes problems last seen before the cutoff.
func (s *BoltStore) PruneProblems(_ context.Context, source string, before time.Time) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		sb := s.getSourceBucket(tx, source)
		if sb == nil {
			return nil
		}

		var ids []string
		cutoff := int64ToBytes(before.UnixNano())
		c := sb.Bucket(subBucketProblemTime).Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k[:8], cutoff) < 0; k, v = c.Next() {
			ids = append(ids, string(v))
		}

		for _, id := range ids {
			if err := deleteProblem(sb, id); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if pruned > 0 {
		s.logger.Debug("pruned problems", zap.String("source", source), zap.Int("count", pruned))
	}
	return pruned, err
}

// GetSession returns the saved session, or nil if none was saved.
func (s *BoltStore) GetSession(_ context.Context, source string) (*Session, error) {
	var session *Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		sb := s.getSourceBucket(tx, source)
		if sb == nil {
			return nil
		}
		raw := sb.Bucket(subBucketSession).Get(keySession)
		if raw == nil {
			return nil
		}
		var decoded Session
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&decoded); err != nil {
			return fmt.Errorf("decoding session for %q: %w", source, err)
		}
		session = &decoded
		return nil
	})
	return session, err
}

func (s *BoltStore) SetSession(_ context.Context, source string, session Session) error {
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = time.Now()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		sb, err := s.ensureSourceBuckets(tx, source)
		if err != nil {
			return err
		}
		data, err := encode(&session)
		if err != nil {
			return err
		}
		return sb.Bucket(subBucketSession).Put(keySession, data)
	})
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
