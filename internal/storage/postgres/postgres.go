// Package postgres implements the reporting replica on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goodtune/minutemeter/internal/config"
	"github.com/goodtune/minutemeter/internal/storage"
	_ "github.com/lib/pq"
)

const (
	upsertPeriodQuery = `INSERT INTO usage_periods
	(user_id, period_start, period_end, plan, minutes_used, minutes_limit, version, synced_at, archived)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (user_id, period_start) DO UPDATE SET
	period_end = EXCLUDED.period_end,
	plan = EXCLUDED.plan,
	minutes_used = EXCLUDED.minutes_used,
	minutes_limit = EXCLUDED.minutes_limit,
	version = EXCLUDED.version,
	synced_at = EXCLUDED.synced_at,
	archived = EXCLUDED.archived
WHERE usage_periods.version <= EXCLUDED.version`

	// Appended to upsertPeriodQuery for non-archive writes.
	notArchivedClause = ` AND NOT usage_periods.archived`

	freezePeriodQuery = `UPDATE usage_periods SET archived = TRUE WHERE user_id = $1 AND period_start = $2`

	insertSessionQuery = `INSERT INTO voice_sessions
	(id, user_id, started_at, ended_at, minutes_used, topic, difficulty, end_reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`

	listPeriodsQuery = `SELECT user_id, period_start::text, period_end::text, plan, minutes_used, minutes_limit, version, synced_at, archived
FROM usage_periods WHERE user_id = $1 ORDER BY period_start`

	// LIMIT NULL means no limit.
	listSessionsQuery = `SELECT id, user_id, started_at, ended_at, minutes_used, topic, difficulty, end_reason
FROM voice_sessions WHERE user_id = $1 ORDER BY ended_at DESC LIMIT $2`

	deleteSessionsQuery = `DELETE FROM voice_sessions WHERE ended_at < $1`
)

// Store is a storage.ReportStore backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.ReportStore = (*Store)(nil)

// Open connects to PostgreSQL using the reporting configuration.
func Open(cfg config.ReportingConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the connection pool for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertPeriod(ctx context.Context, period storage.PeriodRecord) error {
	_, err := s.db.ExecContext(ctx, upsertPeriodQuery+notArchivedClause, periodArgs(period, false)...)
	if err != nil {
		return fmt.Errorf("upsert period %s/%s: %w", period.UserID, period.PeriodStart, err)
	}
	return nil
}

// ArchivePeriod writes the row when it is at least as new as the stored one,
// then freezes it regardless of which version won.
func (s *Store) ArchivePeriod(ctx context.Context, period storage.PeriodRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, upsertPeriodQuery, periodArgs(period, true)...); err != nil {
		return fmt.Errorf("archive period %s/%s: %w", period.UserID, period.PeriodStart, err)
	}
	if _, err := tx.ExecContext(ctx, freezePeriodQuery, period.UserID, period.PeriodStart); err != nil {
		return fmt.Errorf("freeze period %s/%s: %w", period.UserID, period.PeriodStart, err)
	}

	return tx.Commit()
}

func periodArgs(period storage.PeriodRecord, archived bool) []any {
	return []any{
		period.UserID,
		period.PeriodStart,
		period.PeriodEnd,
		period.Plan,
		period.MinutesUsed,
		period.MinutesLimit,
		period.Version,
		period.SyncedAt.UTC(),
		archived,
	}
}

func (s *Store) InsertSession(ctx context.Context, session storage.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, insertSessionQuery,
		session.ID,
		session.UserID,
		session.StartedAt.UTC(),
		session.EndedAt.UTC(),
		session.MinutesUsed,
		session.Topic,
		session.Difficulty,
		string(session.EndReason),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", session.ID, err)
	}
	return nil
}

func (s *Store) ListPeriods(ctx context.Context, userID string) ([]storage.PeriodRecord, error) {
	rows, err := s.db.QueryContext(ctx, listPeriodsQuery, userID)
	if err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}
	defer func() { _ = rows.Close() }()

	periods := make([]storage.PeriodRecord, 0)
	for rows.Next() {
		var p storage.PeriodRecord
		if err := rows.Scan(&p.UserID, &p.PeriodStart, &p.PeriodEnd, &p.Plan, &p.MinutesUsed,
			&p.MinutesLimit, &p.Version, &p.SyncedAt, &p.Archived); err != nil {
			return nil, fmt.Errorf("scan period: %w", err)
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]storage.SessionRecord, error) {
	var max sql.NullInt64
	if limit > 0 {
		max = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, listSessionsQuery, userID, max)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]storage.SessionRecord, 0)
	for rows.Next() {
		var (
			session storage.SessionRecord
			reason  string
		)
		if err := rows.Scan(&session.ID, &session.UserID, &session.StartedAt, &session.EndedAt,
			&session.MinutesUsed, &session.Topic, &session.Difficulty, &reason); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session.EndReason = storage.EndReason(reason)
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *Store) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, deleteSessionsQuery, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}
