package bolt

import (
	"context"
	"fmt"

	"github.com/goodtune/minutemeter/internal/storage"
	"go.etcd.io/bbolt"
)

type stateStore struct {
	db *bbolt.DB
}

func (s *stateStore) LoadState(ctx context.Context, userID string) (*storage.UsageRecord, error) {
	return getJSON[storage.UsageRecord](ctx, s.db, bucketState, userID)
}

func (s *stateStore) SaveState(ctx context.Context, record storage.UsageRecord) error {
	data, err := marshal(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bucket := tx.Bucket([]byte(bucketState))
		if bucket == nil {
			return fmt.Errorf("state bucket missing")
		}

		if existing := bucket.Get([]byte(record.UserID)); existing != nil {
			var current storage.UsageRecord
			if err := unmarshal(existing, &current); err != nil {
				return err
			}
			if current.Version >= record.Version {
				return fmt.Errorf("%w: user %s version %d", storage.ErrStaleVersion, record.UserID, record.Version)
			}
		}

		if err := bucket.Put([]byte(record.UserID), data); err != nil {
			return err
		}

		active := tx.Bucket([]byte(bucketActiveUsers))
		if active == nil {
			return fmt.Errorf("active users bucket missing")
		}
		if record.ActiveSession != nil {
			return active.Put([]byte(record.UserID), []byte{})
		}
		return active.Delete([]byte(record.UserID))
	})
}

func (s *stateStore) ListActiveUsers(ctx context.Context) ([]string, error) {
	users := make([]string, 0)
	return users, s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketActiveUsers))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			users = append(users, string(k))
			return nil
		})
	})
}
