package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/minutemeter/internal/storage"
	"go.etcd.io/bbolt"
)

type reportStore struct {
	db *bbolt.DB
}

func (s *reportStore) UpsertPeriod(ctx context.Context, period storage.PeriodRecord) error {
	return s.writePeriod(ctx, period, false)
}

func (s *reportStore) ArchivePeriod(ctx context.Context, period storage.PeriodRecord) error {
	return s.writePeriod(ctx, period, true)
}

// writePeriod applies last-writer-wins on version. Archived rows only
// accept further archive writes.
func (s *reportStore) writePeriod(ctx context.Context, period storage.PeriodRecord, archive bool) error {
	period.Archived = archive
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bucket := tx.Bucket([]byte(bucketPeriods))
		if bucket == nil {
			return fmt.Errorf("periods bucket missing")
		}

		key := []byte(periodKey(period.UserID, period.PeriodStart))
		next := period
		if existing := bucket.Get(key); existing != nil {
			var current storage.PeriodRecord
			if err := unmarshal(existing, &current); err != nil {
				return err
			}
			switch {
			case current.Archived && !archive:
				return nil
			case current.Version > period.Version:
				if !archive {
					return nil
				}
				current.Archived = true
				next = current
			}
		}

		data, err := marshal(next)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
}

func (s *reportStore) InsertSession(ctx context.Context, session storage.SessionRecord) error {
	data, err := marshal(session)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bucket := tx.Bucket([]byte(bucketSessions))
		if bucket == nil {
			return fmt.Errorf("sessions bucket missing")
		}
		if bucket.Get([]byte(session.ID)) != nil {
			return nil
		}
		if err := bucket.Put([]byte(session.ID), data); err != nil {
			return err
		}

		index, err := ensureIndexBucket(tx, bucketIndexSession, session.UserID)
		if err != nil {
			return err
		}
		return index.Put([]byte(sessionIndexKey(session.EndedAt, session.ID)), []byte(session.ID))
	})
}

func (s *reportStore) ListPeriods(ctx context.Context, userID string) ([]storage.PeriodRecord, error) {
	// Period keys sort by their YYYY-MM-DD start date.
	return listPrefix[storage.PeriodRecord](ctx, s.db, bucketPeriods, userID+"/")
}

func (s *reportStore) ListSessions(ctx context.Context, userID string, limit int) ([]storage.SessionRecord, error) {
	sessions := make([]storage.SessionRecord, 0)
	return sessions, s.db.View(func(tx *bbolt.Tx) error {
		index := indexBucket(tx, bucketIndexSession, userID)
		if index == nil {
			return nil
		}
		bucket := tx.Bucket([]byte(bucketSessions))
		if bucket == nil {
			return fmt.Errorf("sessions bucket missing")
		}

		c := index.Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if limit > 0 && len(sessions) >= limit {
				break
			}
			value := bucket.Get(id)
			if value == nil {
				continue
			}
			var session storage.SessionRecord
			if err := unmarshal(value, &session); err != nil {
				return err
			}
			sessions = append(sessions, session)
		}
		return nil
	})
}

func (s *reportStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	return deleted, s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bucket := tx.Bucket([]byte(bucketSessions))
		if bucket == nil {
			return nil
		}

		var expired []storage.SessionRecord
		if err := bucket.ForEach(func(_, v []byte) error {
			var session storage.SessionRecord
			if err := unmarshal(v, &session); err != nil {
				return err
			}
			if session.EndedAt.Before(cutoff) {
				expired = append(expired, session)
			}
			return nil
		}); err != nil {
			return err
		}

		// Mutating a bucket inside ForEach is unsupported, so delete afterwards.
		for _, session := range expired {
			if index := indexBucket(tx, bucketIndexSession, session.UserID); index != nil {
				if err := index.Delete([]byte(sessionIndexKey(session.EndedAt, session.ID))); err != nil {
					return err
				}
			}
			if err := bucket.Delete([]byte(session.ID)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
}
