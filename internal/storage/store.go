package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrStaleVersion is returned when a write carries a version that is not newer
// than the one already stored.
var ErrStaleVersion = errors.New("storage: stale version")

// Store represents the root storage interface.
type Store interface {
	Close() error
	State() StateStore
	Reports() ReportStore
}

// StateStore holds the authoritative per-user usage state owned by the
// metering actors. Only the actor for a user ever writes its record.
type StateStore interface {
	LoadState(ctx context.Context, userID string) (*UsageRecord, error)
	// SaveState replaces the stored record. It returns ErrStaleVersion if the
	// stored record has an equal or newer version.
	SaveState(ctx context.Context, record UsageRecord) error
	// ListActiveUsers returns the ids of users whose stored state holds an
	// open session.
	ListActiveUsers(ctx context.Context) ([]string, error)
}

// ReportStore is the write-mostly reporting replica fed by the syncer.
type ReportStore interface {
	// UpsertPeriod writes the period row, keeping whichever version is newer.
	// Archived rows are never modified by UpsertPeriod.
	UpsertPeriod(ctx context.Context, period PeriodRecord) error
	// ArchivePeriod writes the period row and marks it archived.
	ArchivePeriod(ctx context.Context, period PeriodRecord) error
	// InsertSession records a closed session. Inserting an existing id is a no-op.
	InsertSession(ctx context.Context, session SessionRecord) error
	ListPeriods(ctx context.Context, userID string) ([]PeriodRecord, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]SessionRecord, error)
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error)
}
