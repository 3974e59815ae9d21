package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goodtune/minutemeter/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketState        = "usage_state"
	bucketActiveUsers  = "active_users"
	bucketPeriods      = "periods"
	bucketSessions     = "sessions"
	bucketIndexes      = "indexes"
	bucketIndexSession = "sessions_by_user"
)

var topLevelBuckets = []string{
	bucketState,
	bucketActiveUsers,
	bucketPeriods,
	bucketSessions,
	bucketIndexes,
}

// Store keeps actor state and reporting rows in a single bbolt file.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create bolt directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err := db.Update(createBuckets); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func createBuckets(tx *bbolt.Tx) error {
	for _, name := range topLevelBuckets {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return fmt.Errorf("create bucket %s: %w", name, err)
		}
	}
	_, err := ensureIndexBucket(tx, bucketIndexSession)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// State returns the actor state store.
func (s *Store) State() storage.StateStore { return &stateStore{db: s.db} }

// Reports returns the reporting store.
func (s *Store) Reports() storage.ReportStore { return &reportStore{db: s.db} }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", value, err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %T: %w", out, err)
	}
	return nil
}

// getJSON decodes the value stored under key, or returns storage.ErrNotFound.
func getJSON[T any](ctx context.Context, db *bbolt.DB, bucket, key string) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out T
	err := db.View(func(tx *bbolt.Tx) error {
		var raw []byte
		if b := tx.Bucket([]byte(bucket)); b != nil {
			raw = b.Get([]byte(key))
		}
		if raw == nil {
			return storage.ErrNotFound
		}
		return unmarshal(raw, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// listPrefix decodes every value in bucket whose key starts with prefix.
func listPrefix[T any](ctx context.Context, db *bbolt.DB, bucket, prefix string) ([]T, error) {
	items := make([]T, 0)
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var item T
			if err := unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	})
	return items, err
}

// ensureIndexBucket walks path below the indexes bucket, creating
// nested buckets as it goes.
func ensureIndexBucket(tx *bbolt.Tx, path ...string) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(bucketIndexes))
	if b == nil {
		return nil, fmt.Errorf("indexes bucket missing")
	}
	for _, part := range path {
		var err error
		if b, err = b.CreateBucketIfNotExists([]byte(part)); err != nil {
			return nil, fmt.Errorf("create index bucket %s: %w", part, err)
		}
	}
	return b, nil
}

// indexBucket is the read-only counterpart of ensureIndexBucket; it
// returns nil when any element of path is absent.
func indexBucket(tx *bbolt.Tx, path ...string) *bbolt.Bucket {
	b := tx.Bucket([]byte(bucketIndexes))
	for i := 0; b != nil && i < len(path); i++ {
		b = b.Bucket([]byte(path[i]))
	}
	return b
}

func periodKey(userID, periodStart string) string {
	return userID + "/" + periodStart
}

// sessionIndexKey sorts sessions by end time within a user's index.
func sessionIndexKey(endedAt time.Time, id string) string {
	return fmt.Sprintf("%020d-%s", endedAt.UnixNano(), id)
}
