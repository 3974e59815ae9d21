package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goodtune/minutemeter/internal/storage"
	"github.com/redis/go-redis/v9"
)

type stateStore struct {
	client *redis.Client
	save   *redis.Script
}

// LoadState retrieves the usage state for a user
func (s *stateStore) LoadState(ctx context.Context, userID string) (*storage.UsageRecord, error) {
	data, err := s.client.HGet(ctx, stateKey(userID), "data").Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var record storage.UsageRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to decode state for %s: %w", userID, err)
	}
	return &record, nil
}

// SaveState atomically replaces the usage state if the version moved forward
func (s *stateStore) SaveState(ctx context.Context, record storage.UsageRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	active := "0"
	if record.ActiveSession != nil {
		active = "1"
	}

	keys := []string{stateKey(record.UserID), activeUsersKey}
	args := []interface{}{record.UserID, record.Version, string(data), active}

	result, err := s.save.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return err
	}
	if result == "STALE" {
		return fmt.Errorf("%w: user %s version %d", storage.ErrStaleVersion, record.UserID, record.Version)
	}
	return nil
}

// ListActiveUsers returns users with an open session
func (s *stateStore) ListActiveUsers(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, activeUsersKey).Result()
	if err != nil {
		return nil, err
	}
	return users, nil
}
