package meta

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/gftdcojp/playback-loader/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

func TestMigrateV1toV2(t *testing.T) {
	// Create a v1 database manually (problems without the time index)
	tmpFile, err := os.CreateTemp("", "pbl-migrate-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	db, err := bbolt.Open(tmpFile.Name(), 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	seen := time.Now().Add(-48 * time.Hour)
	err = db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		if err := sys.Put(keySchemaVersion, uint64ToBytes(1)); err != nil {
			return err
		}

		sources, err := tx.CreateBucketIfNotExists(bucketSources)
		if err != nil {
			return err
		}
		sb, err := sources.CreateBucketIfNotExists([]byte("drive.mcap"))
		if err != nil {
			return err
		}
		if _, err := sb.CreateBucketIfNotExists(subBucketSession); err != nil {
			return err
		}
		problems, err := sb.CreateBucketIfNotExists(subBucketProblems)
		if err != nil {
			return err
		}
		data, err := encode(&ProblemEntry{
			Source:    "drive.mcap",
			ID:        "connid-1",
			Problem:   types.Problem{Severity: types.SeverityWarn, Message: "stale"},
			FirstSeen: seen,
			LastSeen:  seen,
		})
		if err != nil {
			return err
		}
		return problems.Put([]byte("connid-1"), data)
	})
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	// Now open with NewBoltStore which should trigger migration
	store, err := NewBoltStore(tmpFile.Name(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewBoltStore after migration: %v", err)
	}
	defer store.Close()

	var version uint64
	store.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSystem).Get(keySchemaVersion)
		if v != nil {
			version = bytesToUint64(v)
		}
		return nil
	})
	if version != 2 {
		t.Errorf("schema version = %d, want 2", version)
	}

	store.db.View(func(tx *bbolt.Tx) error {
		sb := store.getSourceBucket(tx, "drive.mcap")
		if sb == nil {
			t.Fatal("source bucket not found")
		}
		if sb.Bucket(subBucketProblemTime) == nil {
			t.Error("problem_time sub-bucket not created by migration")
		}
		return nil
	})

	// The migrated index lets retention find the old problem.
	n, err := store.PruneProblems(context.Background(), "drive.mcap", time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneProblems failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d after migration, want 1", n)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	store := newTestStore(t)

	// Running Migrate again on a v2 store should be a no-op
	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("third Migrate failed: %v", err)
	}
}
