package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/minutemeter/internal/metrics"
	"github.com/goodtune/minutemeter/internal/plan"
	"github.com/goodtune/minutemeter/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultStaleThreshold is how long a session may go without a heartbeat
	// before the alarm reaps it.
	DefaultStaleThreshold = 10 * time.Minute

	// DefaultMailboxSize bounds the number of queued operations per actor.
	DefaultMailboxSize = 64

	// DefaultOperationTimeout bounds operations the actor starts on its own.
	DefaultOperationTimeout = 5 * time.Second

	// AlarmRetryDelay is how long a failed stale check waits before the
	// next attempt.
	AlarmRetryDelay = time.Minute
)

// Replicator receives state changes destined for the reporting store.
// Implementations must return without waiting on the store.
type Replicator interface {
	Sync(record storage.UsageRecord)
	Archive(record storage.UsageRecord)
	RecordSession(session storage.SessionRecord)
}

// ActorConfig holds the collaborators and tuning shared by all actors.
type ActorConfig struct {
	Store            storage.StateStore
	Replicator       Replicator
	Clock            quartz.Clock
	StaleThreshold   time.Duration
	MailboxSize      int
	OperationTimeout time.Duration
	NewSessionID     func() string
	Logger           zerolog.Logger
}

func (c *ActorConfig) setDefaults() {
	if c.Clock == nil {
		c.Clock = quartz.NewReal()
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.NewSessionID == nil {
		c.NewSessionID = uuid.NewString
	}
}

// Actor owns one user's usage state. All operations run one at a time on the
// actor's goroutine, in arrival order.
type Actor struct {
	userID string
	cfg    ActorConfig
	logger zerolog.Logger

	// Owned by the run goroutine.
	state *State
	alarm *quartz.Timer

	inbox    chan func()
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewActor starts an actor for userID. rec is the persisted state, or nil for
// a user that has not been initialized.
func NewActor(userID string, rec *storage.UsageRecord, cfg ActorConfig) (*Actor, error) {
	if cfg.Store == nil || cfg.Replicator == nil {
		return nil, errors.New("usage: actor requires a state store and a replicator")
	}
	cfg.setDefaults()

	var state *State
	if rec != nil {
		var err error
		if state, err = FromRecord(*rec); err != nil {
			return nil, err
		}
	}

	a := &Actor{
		userID: userID,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "usage-actor").Str("user_id", userID).Logger(),
		state:  state,
		inbox:  make(chan func(), cfg.MailboxSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go a.run()

	return a, nil
}

// UserID returns the user the actor serves.
func (a *Actor) UserID() string {
	return a.userID
}

// Stop asks the actor to finish queued operations and exit.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// Done is closed once the actor has exited.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

func (a *Actor) run() {
	defer close(a.done)

	if a.state != nil && a.state.ActiveSession != nil {
		metrics.ActiveSessions.Inc()
		a.armAlarm(a.cfg.Clock.Now())
	}

	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-a.stopCh:
			for {
				select {
				case fn := <-a.inbox:
					fn()
				default:
					a.shutdown()
					return
				}
			}
		}
	}
}

func (a *Actor) shutdown() {
	if a.alarm != nil {
		a.alarm.Stop()
		a.alarm = nil
	}
	if a.state != nil && a.state.ActiveSession != nil {
		metrics.ActiveSessions.Dec()
	}
	a.logger.Debug().Msg("Actor stopped")
}

// do runs fn on the actor goroutine and waits for it. If ctx ends after fn
// was queued, fn still runs but its outcome is not reported.
func (a *Actor) do(ctx context.Context, fn func()) error {
	select {
	case <-a.stopCh:
		return ErrActorStopped
	default:
	}

	executed := make(chan struct{})
	msg := func() {
		defer close(executed)
		fn()
	}

	select {
	case a.inbox <- msg:
	case <-a.stopCh:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-executed:
		return nil
	case <-a.done:
		// Queued after the final drain.
		select {
		case <-executed:
			return nil
		default:
			return ErrActorStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs an operation on the actor and records its metrics.
func call[T any](ctx context.Context, a *Actor, op string, fn func(now time.Time) (T, error)) (T, error) {
	start := time.Now()

	var (
		result T
		opErr  error
	)
	err := a.do(ctx, func() {
		result, opErr = fn(a.cfg.Clock.Now())
	})
	if err == nil {
		err = opErr
	}

	metrics.OperationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// commit persists next, makes it current and performs its side effects.
// A failed save leaves the current state untouched unless the store shows
// the write landed anyway.
func (a *Actor) commit(ctx context.Context, next *State, now time.Time) error {
	fx := next.takeEffects()
	if !fx.persist {
		return nil
	}

	if err := a.cfg.Store.SaveState(ctx, next.Record()); err != nil {
		a.logger.Error().
			Err(err).
			Int64("version", next.Version).
			Msg("Failed to persist usage state")
		a.reconcile(now)
		return fmt.Errorf("persist state for %s: %w", a.userID, err)
	}

	a.replace(next)

	if fx.archive != nil {
		a.cfg.Replicator.Archive(*fx.archive)
		metrics.PeriodRollovers.Inc()
		a.logger.Info().
			Str("period_start", fx.archive.PeriodStart).
			Int64("minutes", fx.archive.MinutesUsed).
			Msg("Usage period rolled over")
	}
	if fx.ended != nil {
		a.cfg.Replicator.RecordSession(*fx.ended)
		metrics.MinutesCommitted.WithLabelValues(next.Plan.String()).Add(float64(fx.ended.MinutesUsed))
	}
	if fx.sync {
		a.cfg.Replicator.Sync(next.Record())
	}

	a.armAlarm(now)
	return nil
}

// replace makes next the current state.
func (a *Actor) replace(next *State) {
	wasActive := a.state != nil && a.state.ActiveSession != nil
	a.state = next
	switch isActive := next != nil && next.ActiveSession != nil; {
	case isActive && !wasActive:
		metrics.ActiveSessions.Inc()
	case !isActive && wasActive:
		metrics.ActiveSessions.Dec()
	}
}

// reconcile reloads the persisted record after a failed save. The store may
// have applied the write before reporting the error, and the in-memory
// version must follow the stored one or later saves are rejected as stale.
func (a *Actor) reconcile(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.OperationTimeout)
	defer cancel()

	rec, err := a.cfg.Store.LoadState(ctx, a.userID)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to reload usage state after persist failure")
		return
	}
	if a.state != nil && rec.Version <= a.state.Version {
		return
	}

	stored, err := FromRecord(*rec)
	if err != nil {
		a.logger.Error().Err(err).Msg("Persisted usage state is corrupt")
		return
	}
	a.logger.Warn().
		Int64("version", stored.Version).
		Msg("Adopted usage state written by a failed save")
	a.replace(stored)
	a.cfg.Replicator.Sync(stored.Record())
	a.armAlarm(now)
}

// advance rolls the period over if it has ended.
func (a *Actor) advance(ctx context.Context, now time.Time) error {
	if a.state == nil {
		return ErrNotInitialized
	}
	next := a.state.Clone()
	rolled, err := next.Rollover(now)
	if err != nil {
		return err
	}
	if !rolled {
		return nil
	}
	return a.commit(ctx, next, now)
}

// armAlarm schedules the stale check for the active session, replacing any
// earlier one. Without a session the alarm is cancelled.
func (a *Actor) armAlarm(now time.Time) {
	if a.alarm != nil {
		a.alarm.Stop()
		a.alarm = nil
	}
	if a.state == nil {
		return
	}
	at, ok := a.state.AlarmAt(a.cfg.StaleThreshold)
	if !ok {
		return
	}

	wait := at.Sub(now)
	if wait <= 0 {
		go a.fireAlarm()
		return
	}
	a.alarm = a.cfg.Clock.AfterFunc(wait, a.fireAlarm, "Actor", "alarm")
}

// retryAlarm schedules another stale check after a failed one. Nothing else
// re-arms the alarm while the actor is resident.
func (a *Actor) retryAlarm() {
	if a.alarm != nil {
		a.alarm.Stop()
	}
	a.alarm = a.cfg.Clock.AfterFunc(AlarmRetryDelay, a.fireAlarm, "Actor", "alarm")
}

func (a *Actor) fireAlarm() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.OperationTimeout)
	defer cancel()

	if err := a.Alarm(ctx); err != nil && !errors.Is(err, ErrActorStopped) {
		a.logger.Error().Err(err).Msg("Alarm failed")
	}
}

// Initialize creates the user's state on the given plan. On an initialized
// user it changes nothing and returns the current status.
func (a *Actor) Initialize(ctx context.Context, p plan.Type) (Status, error) {
	return call(ctx, a, "initialize", func(now time.Time) (Status, error) {
		if !p.Valid() {
			return Status{}, fmt.Errorf("%w: %q", plan.ErrUnknown, string(p))
		}
		if a.state != nil {
			if err := a.advance(ctx, now); err != nil {
				return Status{}, err
			}
			return a.state.Status(now), nil
		}

		if err := a.commit(ctx, NewState(a.userID, p, now), now); err != nil {
			return Status{}, err
		}
		a.logger.Info().Str("plan", p.String()).Msg("User initialized")
		return a.state.Status(now), nil
	})
}

// Status returns the user's usage snapshot.
func (a *Actor) Status(ctx context.Context) (Status, error) {
	return call(ctx, a, "status", func(now time.Time) (Status, error) {
		if err := a.advance(ctx, now); err != nil {
			return Status{}, err
		}
		return a.state.Status(now), nil
	})
}

// HasCredits reports whether the user has minutes left this period.
func (a *Actor) HasCredits(ctx context.Context) (bool, error) {
	return call(ctx, a, "has_credits", func(now time.Time) (bool, error) {
		if err := a.advance(ctx, now); err != nil {
			return false, err
		}
		return a.state.HasCredits(), nil
	})
}

// StartSession opens a voice session and returns its id.
func (a *Actor) StartSession(ctx context.Context, meta SessionMeta) (string, error) {
	return call(ctx, a, "start_session", func(now time.Time) (string, error) {
		if err := a.advance(ctx, now); err != nil {
			return "", err
		}

		next := a.state.Clone()
		id := a.cfg.NewSessionID()
		if err := next.StartSession(id, meta, now); err != nil {
			return "", err
		}
		if err := a.commit(ctx, next, now); err != nil {
			return "", err
		}

		a.logger.Info().Str("session_id", id).Str("topic", meta.Topic).Msg("Session started")
		return id, nil
	})
}

// Heartbeat records liveness for the active session.
func (a *Actor) Heartbeat(ctx context.Context, sessionID string) (HeartbeatResult, error) {
	return call(ctx, a, "heartbeat", func(now time.Time) (HeartbeatResult, error) {
		if err := a.advance(ctx, now); err != nil {
			return HeartbeatResult{}, err
		}

		next := a.state.Clone()
		result, err := next.Heartbeat(sessionID, now)
		if err != nil {
			return HeartbeatResult{}, err
		}
		if err := a.commit(ctx, next, now); err != nil {
			return HeartbeatResult{}, err
		}
		return result, nil
	})
}

// EndSession closes the active session and commits its minutes. An empty
// reason is recorded as user_ended.
func (a *Actor) EndSession(ctx context.Context, sessionID string, reason storage.EndReason) (EndResult, error) {
	return call(ctx, a, "end_session", func(now time.Time) (EndResult, error) {
		if err := a.advance(ctx, now); err != nil {
			return EndResult{}, err
		}

		next := a.state.Clone()
		result, err := next.EndSession(sessionID, reason, now)
		if err != nil {
			return EndResult{}, err
		}
		if err := a.commit(ctx, next, now); err != nil {
			return EndResult{}, err
		}

		a.logger.Info().
			Str("session_id", sessionID).
			Int64("minutes", result.MinutesUsed).
			Str("reason", string(result.EndReason)).
			Msg("Session ended")
		return result, nil
	})
}

// ChangePlan replaces the user's plan and returns the new status.
func (a *Actor) ChangePlan(ctx context.Context, p plan.Type) (Status, error) {
	return call(ctx, a, "change_plan", func(now time.Time) (Status, error) {
		if err := a.advance(ctx, now); err != nil {
			return Status{}, err
		}

		previous := a.state.Plan
		next := a.state.Clone()
		if err := next.ChangePlan(p, now); err != nil {
			return Status{}, err
		}
		if err := a.commit(ctx, next, now); err != nil {
			return Status{}, err
		}

		if previous != p {
			a.logger.Info().Str("from", previous.String()).Str("plan", p.String()).Msg("Plan changed")
		}
		return a.state.Status(now), nil
	})
}

// UpgradePlan is ChangePlan.
func (a *Actor) UpgradePlan(ctx context.Context, p plan.Type) (Status, error) {
	return a.ChangePlan(ctx, p)
}

// DowngradePlan is ChangePlan.
func (a *Actor) DowngradePlan(ctx context.Context, p plan.Type) (Status, error) {
	return a.ChangePlan(ctx, p)
}

// Alarm re-checks the active session and reaps it if heartbeats have gone
// stale. Firing without a session, or while heartbeats are fresh, changes
// nothing.
func (a *Actor) Alarm(ctx context.Context) error {
	_, err := call(ctx, a, "alarm", func(now time.Time) (struct{}, error) {
		if a.state == nil || a.state.ActiveSession == nil {
			return struct{}{}, nil
		}
		if err := a.advance(ctx, now); err != nil {
			a.retryAlarm()
			return struct{}{}, err
		}

		next := a.state.Clone()
		result, reaped := next.Reap(a.cfg.StaleThreshold, now)
		if !reaped {
			a.armAlarm(now)
			return struct{}{}, nil
		}
		if err := a.commit(ctx, next, now); err != nil {
			if a.state.ActiveSession != nil {
				a.retryAlarm()
			}
			return struct{}{}, err
		}

		metrics.SessionsReaped.Inc()
		a.logger.Info().
			Str("session_id", result.SessionID).
			Int64("minutes", result.MinutesUsed).
			Msg("Stale session reaped")
		return struct{}{}, nil
	})
	return err
}
