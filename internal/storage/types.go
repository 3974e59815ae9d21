package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EndReason records why a session was closed.
type EndReason string

const (
	EndReasonUserEnded    EndReason = "user_ended"
	EndReasonLimitReached EndReason = "limit_reached"
	EndReasonTimeout      EndReason = "timeout"
	EndReasonError        EndReason = "error"
	EndReasonStale        EndReason = "stale"
)

// ParseEndReason validates an end reason, normalizing to lowercase.
func ParseEndReason(s string) (EndReason, error) {
	normalized := EndReason(strings.ToLower(strings.TrimSpace(s)))

	switch normalized {
	case EndReasonUserEnded, EndReasonLimitReached, EndReasonTimeout, EndReasonError, EndReasonStale:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid end reason: %s (must be user_ended, limit_reached, timeout, error or stale)", s)
	}
}

// UnmarshalJSON implements json.Unmarshaler to normalize and validate the reason.
func (r *EndReason) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseEndReason(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ActiveSession is the open session embedded in a usage record.
type ActiveSession struct {
	ID              string    `json:"id"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	Topic           string    `json:"topic,omitempty"`
	Difficulty      string    `json:"difficulty,omitempty"`
}

// UsageRecord is a full snapshot of one user's usage state.
type UsageRecord struct {
	UserID        string         `json:"user_id"`
	Plan          string         `json:"plan"`
	MinutesUsed   int64          `json:"minutes_used"`
	MinutesLimit  int64          `json:"minutes_limit"`
	PeriodStart   string         `json:"period_start"`
	PeriodEnd     string         `json:"period_end"`
	ActiveSession *ActiveSession `json:"active_session,omitempty"`
	Version       int64          `json:"version"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// PeriodRecord is one user's usage over one calendar period.
type PeriodRecord struct {
	UserID       string    `json:"user_id"`
	Plan         string    `json:"plan"`
	MinutesUsed  int64     `json:"minutes_used"`
	MinutesLimit int64     `json:"minutes_limit"`
	PeriodStart  string    `json:"period_start"`
	PeriodEnd    string    `json:"period_end"`
	Version      int64     `json:"version"`
	SyncedAt     time.Time `json:"synced_at"`
	Archived     bool      `json:"archived"`
}

// SessionRecord is a closed voice session.
type SessionRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	MinutesUsed int64     `json:"minutes_used"`
	Topic       string    `json:"topic,omitempty"`
	Difficulty  string    `json:"difficulty,omitempty"`
	EndReason   EndReason `json:"end_reason"`
}

// PeriodFromUsage derives the period row for a usage snapshot.
func PeriodFromUsage(record UsageRecord, syncedAt time.Time) PeriodRecord {
	return PeriodRecord{
		UserID:       record.UserID,
		Plan:         record.Plan,
		MinutesUsed:  record.MinutesUsed,
		MinutesLimit: record.MinutesLimit,
		PeriodStart:  record.PeriodStart,
		PeriodEnd:    record.PeriodEnd,
		Version:      record.Version,
		SyncedAt:     syncedAt,
	}
}
