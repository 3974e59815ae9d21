package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/goodtune/minutemeter/internal/storage"
)

func setupMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return New(db), mock
}

func testPeriod() storage.PeriodRecord {
	return storage.PeriodRecord{
		UserID:       "user-1",
		Plan:         "basic",
		MinutesUsed:  42,
		MinutesLimit: 100,
		PeriodStart:  "2025-01-01",
		PeriodEnd:    "2025-01-31",
		Version:      7,
		SyncedAt:     time.Date(2025, 1, 20, 8, 0, 0, 0, time.UTC),
	}
}

func TestUpsertPeriod(t *testing.T) {
	store, mock := setupMockStore(t)
	period := testPeriod()

	mock.ExpectExec(regexp.QuoteMeta(upsertPeriodQuery + notArchivedClause)).
		WithArgs("user-1", "2025-01-01", "2025-01-31", "basic", int64(42), int64(100), int64(7), period.SyncedAt, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.UpsertPeriod(context.Background(), period); err != nil {
		t.Fatalf("UpsertPeriod failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsertPeriodIgnoredRowIsNotAnError(t *testing.T) {
	store, mock := setupMockStore(t)

	// Conflict guard rejected the write: zero rows affected
	mock.ExpectExec(regexp.QuoteMeta(upsertPeriodQuery + notArchivedClause)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.UpsertPeriod(context.Background(), testPeriod()); err != nil {
		t.Fatalf("UpsertPeriod failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestArchivePeriod(t *testing.T) {
	store, mock := setupMockStore(t)
	period := testPeriod()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(upsertPeriodQuery)).
		WithArgs("user-1", "2025-01-01", "2025-01-31", "basic", int64(42), int64(100), int64(7), period.SyncedAt, true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(freezePeriodQuery)).
		WithArgs("user-1", "2025-01-01").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.ArchivePeriod(context.Background(), period); err != nil {
		t.Fatalf("ArchivePeriod failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestArchivePeriodRollsBackOnError(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(upsertPeriodQuery)).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	if err := store.ArchivePeriod(context.Background(), testPeriod()); err == nil {
		t.Fatal("expected error from ArchivePeriod")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestInsertSession(t *testing.T) {
	store, mock := setupMockStore(t)
	started := time.Date(2025, 1, 20, 8, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(insertSessionQuery)).
		WithArgs("s-1", "user-1", started, started.Add(5*time.Minute), int64(5), "travel", "a2", "timeout").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.InsertSession(context.Background(), storage.SessionRecord{
		ID:          "s-1",
		UserID:      "user-1",
		StartedAt:   started,
		EndedAt:     started.Add(5 * time.Minute),
		MinutesUsed: 5,
		Topic:       "travel",
		Difficulty:  "a2",
		EndReason:   storage.EndReasonTimeout,
	})
	if err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestListPeriods(t *testing.T) {
	store, mock := setupMockStore(t)
	synced := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"user_id", "period_start", "period_end", "plan", "minutes_used", "minutes_limit", "version", "synced_at", "archived",
	}).
		AddRow("user-1", "2025-01-01", "2025-01-31", "basic", 88, 100, 30, synced, true).
		AddRow("user-1", "2025-02-01", "2025-02-28", "pro", 3, 500, 31, synced, false)

	mock.ExpectQuery(regexp.QuoteMeta(listPeriodsQuery)).
		WithArgs("user-1").
		WillReturnRows(rows)

	periods, err := store.ListPeriods(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ListPeriods failed: %v", err)
	}
	if len(periods) != 2 {
		t.Fatalf("expected 2 periods, got %d", len(periods))
	}
	if !periods[0].Archived || periods[0].MinutesUsed != 88 {
		t.Errorf("unexpected first period: %+v", periods[0])
	}
	if periods[1].Plan != "pro" || periods[1].MinutesLimit != 500 {
		t.Errorf("unexpected second period: %+v", periods[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestListSessionsLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		arg   sql.NullInt64
	}{
		{"bounded", 5, sql.NullInt64{Int64: 5, Valid: true}},
		{"unbounded", 0, sql.NullInt64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := setupMockStore(t)
			ended := time.Date(2025, 1, 20, 8, 5, 0, 0, time.UTC)

			rows := sqlmock.NewRows([]string{
				"id", "user_id", "started_at", "ended_at", "minutes_used", "topic", "difficulty", "end_reason",
			}).AddRow("s-1", "user-1", ended.Add(-5*time.Minute), ended, 5, "", "", "user_ended")

			mock.ExpectQuery(regexp.QuoteMeta(listSessionsQuery)).
				WithArgs("user-1", tt.arg).
				WillReturnRows(rows)

			sessions, err := store.ListSessions(context.Background(), "user-1", tt.limit)
			if err != nil {
				t.Fatalf("ListSessions failed: %v", err)
			}
			if len(sessions) != 1 || sessions[0].EndReason != storage.EndReasonUserEnded {
				t.Errorf("unexpected sessions: %+v", sessions)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestDeleteSessionsBefore(t *testing.T) {
	store, mock := setupMockStore(t)
	cutoff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(deleteSessionsQuery)).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	deleted, err := store.DeleteSessionsBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteSessionsBefore failed: %v", err)
	}
	if deleted != 12 {
		t.Errorf("expected 12 deleted, got %d", deleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
