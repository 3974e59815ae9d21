// Package syncer replicates actor state into the reporting store.
//
// Writes are queued and applied by a small worker pool so that operations on
// a user's actor never wait on the reporting replica. A full queue drops the
// job; the next sync of the same period supersedes it.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/goodtune/minutemeter/internal/metrics"
	"github.com/goodtune/minutemeter/internal/storage"
	"github.com/rs/zerolog"
)

// Kind identifies a reporting write.
type Kind string

const (
	KindSync    Kind = "sync"
	KindArchive Kind = "archive"
	KindSession Kind = "session"
)

const (
	resultOK      = "ok"
	resultRetry   = "retry"
	resultFailed  = "failed"
	resultDropped = "dropped"
)

// ErrClosed is returned by Close when called more than once.
var ErrClosed = errors.New("syncer: closed")

// Config holds syncer tuning.
type Config struct {
	QueueSize       int
	Workers         int
	MaxAttempts     int
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

type job struct {
	kind    Kind
	period  storage.PeriodRecord
	session storage.SessionRecord
}

func (j job) userID() string {
	if j.kind == KindSession {
		return j.session.UserID
	}
	return j.period.UserID
}

// Syncer is a bounded, retrying writer in front of a storage.ReportStore.
type Syncer struct {
	reports storage.ReportStore
	cfg     Config
	clock   quartz.Clock
	logger  zerolog.Logger

	queue chan job
	wg    sync.WaitGroup

	// ctx is cancelled when Close gives up waiting, aborting retries.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New creates a Syncer and starts its workers.
func New(reports storage.ReportStore, cfg Config, clock quartz.Clock, logger zerolog.Logger) *Syncer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if clock == nil {
		clock = quartz.NewReal()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		reports: reports,
		cfg:     cfg,
		clock:   clock,
		logger:  logger.With().Str("component", "syncer").Logger(),
		queue:   make(chan job, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.logger.Info().
		Int("workers", cfg.Workers).
		Int("queue_size", cfg.QueueSize).
		Msg("Reporting syncer started")

	return s
}

// Sync queues an upsert of the record's current period.
func (s *Syncer) Sync(record storage.UsageRecord) {
	s.enqueue(job{kind: KindSync, period: storage.PeriodFromUsage(record, s.clock.Now())})
}

// Archive queues the final write of a period that has ended.
func (s *Syncer) Archive(record storage.UsageRecord) {
	s.enqueue(job{kind: KindArchive, period: storage.PeriodFromUsage(record, s.clock.Now())})
}

// RecordSession queues the insert of a closed session.
func (s *Syncer) RecordSession(session storage.SessionRecord) {
	s.enqueue(job{kind: KindSession, session: session})
}

func (s *Syncer) enqueue(j job) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		metrics.SyncJobsTotal.WithLabelValues(string(j.kind), resultDropped).Inc()
		s.logger.Warn().
			Str("kind", string(j.kind)).
			Str("user_id", j.userID()).
			Msg("Sync job dropped after shutdown")
		return
	}

	select {
	case s.queue <- j:
		metrics.SyncQueueDepth.Set(float64(len(s.queue)))
	default:
		metrics.SyncJobsTotal.WithLabelValues(string(j.kind), resultDropped).Inc()
		s.logger.Error().
			Str("kind", string(j.kind)).
			Str("user_id", j.userID()).
			Int("queue_size", s.cfg.QueueSize).
			Msg("Sync queue full, dropping job")
	}
}

func (s *Syncer) worker() {
	defer s.wg.Done()

	for j := range s.queue {
		metrics.SyncQueueDepth.Set(float64(len(s.queue)))
		s.process(j)
	}
}

func (s *Syncer) process(j job) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.InitialInterval
	eb.MaxElapsedTime = s.cfg.MaxElapsed
	bkoff := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.cfg.MaxAttempts-1)), s.ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			metrics.SyncJobsTotal.WithLabelValues(string(j.kind), resultRetry).Inc()
		}
		// Each attempt gets its own deadline so one hung write cannot stall the worker.
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		defer cancel()
		return s.apply(ctx, j)
	}, bkoff)

	if err != nil {
		metrics.SyncJobsTotal.WithLabelValues(string(j.kind), resultFailed).Inc()
		s.logger.Error().
			Err(err).
			Str("kind", string(j.kind)).
			Str("user_id", j.userID()).
			Int("attempts", attempt).
			Msg("Sync job failed, giving up")
		return
	}

	metrics.SyncJobsTotal.WithLabelValues(string(j.kind), resultOK).Inc()
}

func (s *Syncer) apply(ctx context.Context, j job) error {
	switch j.kind {
	case KindSync:
		return s.reports.UpsertPeriod(ctx, j.period)
	case KindArchive:
		return s.reports.ArchivePeriod(ctx, j.period)
	case KindSession:
		return s.reports.InsertSession(ctx, j.session)
	default:
		return backoff.Permanent(errors.New("unknown sync job kind " + string(j.kind)))
	}
}

// Close stops accepting jobs and waits for queued ones to drain. If ctx ends
// first, in-flight retries are abandoned and the remaining jobs are lost.
func (s *Syncer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info().Msg("Reporting syncer drained")
		return nil
	case <-ctx.Done():
		pending := len(s.queue)
		s.cancel()
		<-done
		s.logger.Warn().Int("pending", pending).Msg("Reporting syncer stopped before draining")
		return ctx.Err()
	}
}

// Discard is a replicator that drops everything. It is used when reporting is
// disabled.
type Discard struct{}

func (Discard) Sync(storage.UsageRecord) {}

func (Discard) Archive(storage.UsageRecord) {}

func (Discard) RecordSession(storage.SessionRecord) {}
