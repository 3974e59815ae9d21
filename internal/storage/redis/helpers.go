package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/minutemeter/internal/storage"
)

// parsePeriod converts a Redis hash to PeriodRecord
func parsePeriod(data map[string]string) (*storage.PeriodRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	minutesUsed, err := strconv.ParseInt(data["minutes_used"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse minutes_used: %w", err)
	}

	minutesLimit, err := strconv.ParseInt(data["minutes_limit"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse minutes_limit: %w", err)
	}

	version, err := strconv.ParseInt(data["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse version: %w", err)
	}

	syncedAt, err := time.Parse(time.RFC3339Nano, data["synced_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse synced_at: %w", err)
	}

	return &storage.PeriodRecord{
		UserID:       data["user_id"],
		Plan:         data["plan"],
		MinutesUsed:  minutesUsed,
		MinutesLimit: minutesLimit,
		PeriodStart:  data["period_start"],
		PeriodEnd:    data["period_end"],
		Version:      version,
		SyncedAt:     syncedAt,
		Archived:     data["archived"] == "1",
	}, nil
}

// parseSession converts a Redis hash to SessionRecord
func parseSession(data map[string]string) (*storage.SessionRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startedAt, err := time.Parse(time.RFC3339Nano, data["started_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	endedAt, err := time.Parse(time.RFC3339Nano, data["ended_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse ended_at: %w", err)
	}

	minutesUsed, err := strconv.ParseInt(data["minutes_used"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse minutes_used: %w", err)
	}

	return &storage.SessionRecord{
		ID:          data["id"],
		UserID:      data["user_id"],
		StartedAt:   startedAt,
		EndedAt:     endedAt,
		MinutesUsed: minutesUsed,
		Topic:       data["topic"],
		Difficulty:  data["difficulty"],
		EndReason:   storage.EndReason(data["end_reason"]),
	}, nil
}
