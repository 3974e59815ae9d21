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
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxResidentActors bounds the number of actors kept in memory.
	DefaultMaxResidentActors = 10000

	// DefaultOrphanSweepInterval is how often users with open sessions are
	// checked for a resident actor.
	DefaultOrphanSweepInterval = time.Minute
)

// ErrRegistryClosed is returned once the registry has been closed.
var ErrRegistryClosed = errors.New("usage: registry closed")

// RegistryConfig holds registry tuning. Actor is passed to every actor.
type RegistryConfig struct {
	Actor               ActorConfig
	MaxResidentActors   int
	OrphanSweepInterval time.Duration
}

// Registry maps user ids to their actors. At most one actor per user is
// alive at any time, including while an evicted actor drains.
type Registry struct {
	cfg    RegistryConfig
	store  storage.StateStore
	clock  quartz.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	actors   *lru.Cache[string, *Actor]
	retiring map[string]*Actor
	closed   bool

	hydrate singleflight.Group

	sweepCancel context.CancelFunc
	sweeper     quartz.Waiter
}

// NewRegistry creates a registry. Call Start to begin orphan sweeps.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Actor.Store == nil || cfg.Actor.Replicator == nil {
		return nil, errors.New("usage: registry requires a state store and a replicator")
	}
	cfg.Actor.setDefaults()
	if cfg.MaxResidentActors <= 0 {
		cfg.MaxResidentActors = DefaultMaxResidentActors
	}
	if cfg.OrphanSweepInterval <= 0 {
		cfg.OrphanSweepInterval = DefaultOrphanSweepInterval
	}

	r := &Registry{
		cfg:      cfg,
		store:    cfg.Actor.Store,
		clock:    cfg.Actor.Clock,
		logger:   cfg.Actor.Logger.With().Str("component", "usage-registry").Logger(),
		retiring: make(map[string]*Actor),
	}

	actors, err := lru.NewWithEvict[string, *Actor](cfg.MaxResidentActors, r.retire)
	if err != nil {
		return nil, fmt.Errorf("create actor cache: %w", err)
	}
	r.actors = actors

	return r, nil
}

// retire stops an evicted actor. The cache invokes it with r.mu held.
func (r *Registry) retire(userID string, a *Actor) {
	a.Stop()
	r.retiring[userID] = a
	metrics.ResidentActors.Set(float64(r.actors.Len()))

	go func() {
		<-a.Done()
		r.mu.Lock()
		if r.retiring[userID] == a {
			delete(r.retiring, userID)
		}
		r.mu.Unlock()
	}()
}

// Start wakes actors for users with open sessions now and on every sweep
// interval, so their alarms are armed even if no request arrives.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.sweepCancel = cancel

	r.sweep(ctx)
	r.sweeper = r.clock.TickerFunc(ctx, r.cfg.OrphanSweepInterval, func() error {
		r.sweep(ctx)
		return nil
	}, "Registry", "sweep")

	r.logger.Info().
		Dur("interval", r.cfg.OrphanSweepInterval).
		Int("max_resident", r.cfg.MaxResidentActors).
		Msg("Usage registry started")
}

func (r *Registry) sweep(ctx context.Context) {
	users, err := r.store.ListActiveUsers(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("Failed to list users with active sessions")
		}
		return
	}

	woken := 0
	for _, userID := range users {
		if r.resident(userID) {
			continue
		}
		if _, err := r.actor(ctx, userID); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to wake actor with open session")
			continue
		}
		woken++
	}

	if woken > 0 {
		r.logger.Info().Int("woken", woken).Msg("Woke actors with open sessions")
	}
}

func (r *Registry) resident(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actors.Contains(userID)
}

// Resident returns the number of actors in memory.
func (r *Registry) Resident() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actors.Len()
}

// actor returns the resident actor for userID, hydrating it from the state
// store if needed.
func (r *Registry) actor(ctx context.Context, userID string) (*Actor, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if a, ok := r.actors.Get(userID); ok {
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	// Hydration is shared by every caller waiting on this user, so it runs
	// on its own context rather than the caller that happened to start it.
	ch := r.hydrate.DoChan(userID, func() (any, error) {
		hctx, cancel := context.WithTimeout(context.Background(), r.cfg.Actor.OperationTimeout)
		defer cancel()
		return r.load(hctx, userID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Actor), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) load(ctx context.Context, userID string) (*Actor, error) {
	r.mu.Lock()
	if a, ok := r.actors.Get(userID); ok {
		r.mu.Unlock()
		return a, nil
	}
	old := r.retiring[userID]
	r.mu.Unlock()

	// The evicted actor may still be persisting; wait for it so the state
	// loaded below is its final state.
	if old != nil {
		select {
		case <-old.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	rec, err := r.store.LoadState(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		rec = nil
	} else if err != nil {
		return nil, fmt.Errorf("load state for %s: %w", userID, err)
	}

	a, err := NewActor(userID, rec, r.cfg.Actor)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		a.Stop()
		return nil, ErrRegistryClosed
	}
	r.actors.Add(userID, a)
	metrics.ResidentActors.Set(float64(r.actors.Len()))

	return a, nil
}

// with runs fn against the user's actor, retrying once if the actor was
// evicted between lookup and delivery.
func (r *Registry) with(ctx context.Context, userID string, fn func(ctx context.Context, a *Actor) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Actor.OperationTimeout)
		defer cancel()
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var a *Actor
		a, err = r.actor(ctx, userID)
		if err != nil {
			return err
		}
		err = fn(ctx, a)
		if !errors.Is(err, ErrActorStopped) {
			return err
		}
	}
	return err
}

// Initialize creates a user on the given plan; an existing user is unchanged.
func (r *Registry) Initialize(ctx context.Context, userID string, p plan.Type) (Status, error) {
	var st Status
	err := r.with(ctx, userID, func(ctx context.Context, a *Actor) (err error) {
		st, err = a.Initialize(ctx, p)
		return err
	})
	return st, err
}

// Status returns a user's usage snapshot.
func (r *Registry) Status(ctx context.Context, userID string) (Status, error) {
	var st Status
	err := r.with(ctx, userID, func(ctx context.Context, a *Actor) (err error) {
		st, err = a.Status(ctx)
		return err
	})
	return st, err
}

// HasCredits reports whether a user has minutes left.
func (r *Registry) HasCredits(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := r.with(ctx, userID, func(ctx context.Context, a *Actor) (err error) {
		ok, err = a.HasCredits(ctx)
		return err
	})
	return ok, err
}

// StartSession opens a session for a user.
func (r *Registry) StartSession(ctx context.Context, userID string, meta SessionMeta) (string, error) {
	var id string
	err := r.with(ctx, userID, func(ctx context.Context, a *Actor) (err error) {
		id, err = a.StartSession(ctx, meta)
		return err
	})
	return id, err
}

// Heartbeat records liveness for a user's session.
func (r *Registry) Heartbeat(ctx context.Context, userID, sessionID string) (HeartbeatResult, error) {
	var res HeartbeatResult
	err := r.with(ctx, userID, func(ctx context.Context, a *Actor) (err error) {
		res, err = a.Heartbeat(ctx, sessionID)
		return err
	})
	return res, err
}

// EndSession closes a user's session.
func (r *Registry) EndSession(ctx context.Context, userID, sessionID string, reason storage.EndReason) (EndResult, error) {
	var res EndResult
	err := r.with(ctx, userID, func(ctx context.Context, a *Actor) (err error) {
		res, err = a.EndSession(ctx, sessionID, reason)
		return err
	})
	return res, err
}

// ChangePlan replaces a user's plan.
func (r *Registry) ChangePlan(ctx context.Context, userID string, p plan.Type) (Status, error) {
	var st Status
	err := r.with(ctx, userID, func(ctx context.Context, a *Actor) (err error) {
		st, err = a.ChangePlan(ctx, p)
		return err
	})
	return st, err
}

// UpgradePlan is ChangePlan.
func (r *Registry) UpgradePlan(ctx context.Context, userID string, p plan.Type) (Status, error) {
	return r.ChangePlan(ctx, userID, p)
}

// DowngradePlan is ChangePlan.
func (r *Registry) DowngradePlan(ctx context.Context, userID string, p plan.Type) (Status, error) {
	return r.ChangePlan(ctx, userID, p)
}

// Close stops sweeping and every actor, waiting until they have exited or
// ctx ends.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	// Purge retires every resident actor into r.retiring.
	r.actors.Purge()
	stopping := make([]*Actor, 0, len(r.retiring))
	for _, a := range r.retiring {
		stopping = append(stopping, a)
	}
	r.mu.Unlock()

	if r.sweepCancel != nil {
		r.sweepCancel()
		_ = r.sweeper.Wait()
	}

	for _, a := range stopping {
		select {
		case <-a.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for actors to stop: %w", ctx.Err())
		}
	}

	metrics.ResidentActors.Set(0)
	r.logger.Info().Int("stopped", len(stopping)).Msg("Usage registry closed")
	return nil
}
