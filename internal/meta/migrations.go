package meta

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// Migrate runs any pending schema migrations.
func (s *BoltStore) Migrate() error {
	var version uint64
	s.db.View(func(tx *bbolt.Tx) error {
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return nil
		}
		v := sys.Get(keySchemaVersion)
		if v != nil {
			version = bytesToUint64(v)
		}
		return nil
	})

	if version < 2 {
		if err := s.migrateV1toV2(); err != nil {
			return fmt.Errorf("migration v1→v2: %w", err)
		}
	}

	return nil
}

// migrateV1toV2 builds the problem time index for every existing source.
func (s *BoltStore) migrateV1toV2() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sources := tx.Bucket(bucketSources)
		if sources != nil {
			err := sources.ForEach(func(k, v []byte) error {
				// Skip non-bucket entries (v != nil means it's a key-value, not a nested bucket)
				if v != nil {
					return nil
				}
				sb := sources.Bucket(k)
				if sb == nil {
					return nil
				}
				timeIdx, err := sb.CreateBucketIfNotExists(subBucketProblemTime)
				if err != nil {
					return err
				}
				problems := sb.Bucket(subBucketProblems)
				if problems == nil {
					return nil
				}
				return problems.ForEach(func(id, raw []byte) error {
					entry, err := decodeProblemEntry(raw)
					if err != nil {
						return err
					}
					return timeIdx.Put(problemTimeKey(entry.LastSeen, string(id)), append([]byte(nil), id...))
				})
			})
			if err != nil {
				return err
			}
		}

		// Update schema version
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return fmt.Errorf("system bucket not found")
		}
		return sys.Put(keySchemaVersion, uint64ToBytes(2))
	})
}
