package usage

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/minutemeter/internal/storage"
	"github.com/rs/zerolog"
)

// RetentionScheduler deletes old session records once a day. Period rows are
// kept forever.
type RetentionScheduler struct {
	reports       storage.ReportStore
	runTime       time.Time // only hour and minute are used
	retentionDays int
	clock         quartz.Clock
	logger        zerolog.Logger
	stopChan      chan struct{}
	done          chan struct{}
}

// NewRetentionScheduler creates a scheduler that runs daily at runTime
// (HH:MM, UTC).
func NewRetentionScheduler(reports storage.ReportStore, runTime string, retentionDays int, clock quartz.Clock, logger zerolog.Logger) (*RetentionScheduler, error) {
	parsedTime, err := time.Parse("15:04", runTime)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = quartz.NewReal()
	}

	return &RetentionScheduler{
		reports:       reports,
		runTime:       parsedTime,
		retentionDays: retentionDays,
		clock:         clock,
		logger:        logger.With().Str("component", "retention-scheduler").Logger(),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// Start begins the scheduler
func (rs *RetentionScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("run_time", rs.runTime.Format("15:04")).
		Int("retention_days", rs.retentionDays).
		Msg("Session retention scheduler started")
}

// Stop stops the scheduler and waits for an in-progress run
func (rs *RetentionScheduler) Stop() {
	close(rs.stopChan)
	<-rs.done
	rs.logger.Info().Msg("Session retention scheduler stopped")
}

func (rs *RetentionScheduler) run() {
	defer close(rs.done)

	for {
		nextRun := rs.calculateNextRun()
		waitDuration := nextRun.Sub(rs.clock.Now())

		rs.logger.Debug().
			Time("next_run", nextRun).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next retention run")

		timer := rs.clock.NewTimer(waitDuration, "Retention", "wait")
		select {
		case <-timer.C:
			rs.performCleanup()
		case <-rs.stopChan:
			timer.Stop()
			return
		}
	}
}

// calculateNextRun returns the next occurrence of the run time, in UTC
func (rs *RetentionScheduler) calculateNextRun() time.Time {
	now := rs.clock.Now().UTC()

	todayRun := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.runTime.Hour(), rs.runTime.Minute(), 0, 0,
		time.UTC,
	)

	if !now.Before(todayRun) {
		return todayRun.AddDate(0, 0, 1)
	}

	return todayRun
}

func (rs *RetentionScheduler) performCleanup() {
	if rs.retentionDays <= 0 {
		return
	}

	cutoff := rs.clock.Now().UTC().AddDate(0, 0, -rs.retentionDays)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deleted, err := rs.reports.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to clean up old sessions")
		return
	}

	rs.logger.Info().
		Int("sessions_deleted", deleted).
		Time("cutoff", cutoff).
		Msg("Old sessions cleaned up")
}
