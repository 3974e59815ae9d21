package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goodtune/minutemeter/internal/storage"
	"github.com/redis/go-redis/v9"
)

type reportStore struct {
	client        *redis.Client
	upsertPeriod  *redis.Script
	insertSession *redis.Script
}

// UpsertPeriod writes a period row unless a newer or archived row exists
func (s *reportStore) UpsertPeriod(ctx context.Context, period storage.PeriodRecord) error {
	return s.writePeriod(ctx, period, false)
}

// ArchivePeriod writes a period row and freezes it
func (s *reportStore) ArchivePeriod(ctx context.Context, period storage.PeriodRecord) error {
	return s.writePeriod(ctx, period, true)
}

func (s *reportStore) writePeriod(ctx context.Context, period storage.PeriodRecord, archive bool) error {
	archived := "0"
	if archive {
		archived = "1"
	}

	keys := []string{periodKey(period.UserID, period.PeriodStart), periodIndexKey(period.UserID)}
	args := []interface{}{
		period.UserID,
		period.Plan,
		period.MinutesUsed,
		period.MinutesLimit,
		period.PeriodStart,
		period.PeriodEnd,
		period.Version,
		period.SyncedAt.Format(time.RFC3339Nano),
		archived,
	}

	// STALE and ARCHIVED are expected outcomes of last-writer-wins, not failures.
	return s.upsertPeriod.Run(ctx, s.client, keys, args...).Err()
}

// InsertSession records a closed session
func (s *reportStore) InsertSession(ctx context.Context, session storage.SessionRecord) error {
	keys := []string{sessionKey(session.ID), userSessionsKey(session.UserID), endedSessionsKey}
	args := []interface{}{
		session.ID,
		session.UserID,
		session.StartedAt.Format(time.RFC3339Nano),
		session.EndedAt.Format(time.RFC3339Nano),
		session.EndedAt.UnixMilli(),
		session.MinutesUsed,
		session.Topic,
		session.Difficulty,
		string(session.EndReason),
	}

	return s.insertSession.Run(ctx, s.client, keys, args...).Err()
}

// ListPeriods returns all period rows for a user, oldest first
func (s *reportStore) ListPeriods(ctx context.Context, userID string) ([]storage.PeriodRecord, error) {
	starts, err := s.client.SMembers(ctx, periodIndexKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(starts) == 0 {
		return []storage.PeriodRecord{}, nil
	}
	sort.Strings(starts)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(starts))
	for i, start := range starts {
		cmds[i] = pipe.HGetAll(ctx, periodKey(userID, start))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	periods := make([]storage.PeriodRecord, 0, len(starts))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		period, err := parsePeriod(data)
		if err == nil {
			periods = append(periods, *period)
		}
	}

	return periods, nil
}

// ListSessions returns the most recently ended sessions for a user
func (s *reportStore) ListSessions(ctx context.Context, userID string, limit int) ([]storage.SessionRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := s.client.ZRevRange(ctx, userSessionsKey(userID), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []storage.SessionRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	sessions := make([]storage.SessionRecord, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		session, err := parseSession(data)
		if err == nil {
			sessions = append(sessions, *session)
		}
	}

	return sessions, nil
}

// DeleteSessionsBefore deletes session records that ended before the cutoff
func (s *reportStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	maxScore := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)

	ids, err := s.client.ZRangeByScore(ctx, endedSessionsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	// Fetch owners so the per-user indexes can be trimmed as well
	pipe := s.client.Pipeline()
	owners := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		owners[i] = pipe.HGet(ctx, sessionKey(id), "user_id")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, err
	}

	pipe = s.client.TxPipeline()
	keys := make([]string, 0, len(ids))
	for i, id := range ids {
		keys = append(keys, sessionKey(id))
		if userID, err := owners[i].Result(); err == nil {
			pipe.ZRem(ctx, userSessionsKey(userID), id)
		}
		pipe.ZRem(ctx, endedSessionsKey, id)
	}
	deleted := pipe.Del(ctx, keys...)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}

	return int(deleted.Val()), nil
}
