package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/minutemeter/internal/plan"
	"github.com/goodtune/minutemeter/internal/storage"
	"github.com/rs/zerolog"
)

func newTestRegistry(t *testing.T, maxResident int) (*Registry, *memStore, *recorder, *quartz.Mock) {
	t.Helper()
	store := newMemStore()
	r, replicas, clock := newTestRegistryWithStore(t, store, maxResident)
	return r, store, replicas, clock
}

func newTestRegistryWithStore(t *testing.T, store storage.StateStore, maxResident int) (*Registry, *recorder, *quartz.Mock) {
	t.Helper()

	clock := quartz.NewMock(t)
	clock.Set(t0)
	replicas := &recorder{}

	r, err := NewRegistry(RegistryConfig{
		Actor: ActorConfig{
			Store:          store,
			Replicator:     replicas,
			Clock:          clock,
			StaleThreshold: 10 * time.Minute,
			Logger:         zerolog.Nop(),
		},
		MaxResidentActors:   maxResident,
		OrphanSweepInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	t.Cleanup(func() {
		if err := r.Close(context.Background()); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return r, replicas, clock
}

// gatedStore holds LoadState until release is closed.
type gatedStore struct {
	*memStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) LoadState(ctx context.Context, userID string) (*storage.UsageRecord, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.memStore.LoadState(ctx, userID)
}

func TestRegistrySessionFlow(t *testing.T) {
	ctx := testContext(t)
	r, store, _, clock := newTestRegistry(t, 0)

	if _, err := r.Status(ctx, "alice"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}

	if _, err := r.Initialize(ctx, "alice", plan.Basic); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	id, err := r.StartSession(ctx, "alice", SessionMeta{Topic: "food"})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	clock.Advance(2 * time.Minute).MustWait(ctx)
	if _, err := r.Heartbeat(ctx, "alice", id); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	clock.Advance(90 * time.Second).MustWait(ctx)

	res, err := r.EndSession(ctx, "alice", id, "")
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if res.MinutesUsed != 4 || res.TotalMinutesUsed != 4 || res.MinutesRemaining != 96 {
		t.Fatalf("unexpected end result: %+v", res)
	}

	ok, err := r.HasCredits(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("HasCredits = %v, %v; want true", ok, err)
	}

	st, err := r.DowngradePlan(ctx, "alice", plan.Free)
	if err != nil {
		t.Fatalf("DowngradePlan failed: %v", err)
	}
	if st.MinutesRemaining != 6 {
		t.Errorf("remaining after downgrade = %d, want 6", st.MinutesRemaining)
	}

	rec, ok := store.get("alice")
	if !ok || rec.Plan != "free" || rec.MinutesUsed != 4 {
		t.Fatalf("unexpected persisted record: %+v", rec)
	}
}

func TestRegistryEvictionRehydrates(t *testing.T) {
	ctx := testContext(t)
	r, store, _, _ := newTestRegistry(t, 1)

	if _, err := r.Initialize(ctx, "alice", plan.Pro); err != nil {
		t.Fatalf("Initialize alice failed: %v", err)
	}
	if _, err := r.Initialize(ctx, "bob", plan.Free); err != nil {
		t.Fatalf("Initialize bob failed: %v", err)
	}
	if got := r.Resident(); got != 1 {
		t.Fatalf("resident actors = %d, want 1", got)
	}

	loads := store.loadCount()
	st, err := r.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("Status alice failed: %v", err)
	}
	if st.Plan != plan.Pro || st.MinutesLimit != 500 {
		t.Fatalf("rehydrated state lost: %+v", st)
	}
	if store.loadCount() != loads+1 {
		t.Errorf("expected alice to be reloaded from the store")
	}

	// bob was evicted in turn and keeps his state as well.
	st, err = r.Status(ctx, "bob")
	if err != nil {
		t.Fatalf("Status bob failed: %v", err)
	}
	if st.Plan != plan.Free {
		t.Fatalf("bob rehydrated with plan %s", st.Plan)
	}
}

func TestRegistryHydratesOnce(t *testing.T) {
	ctx := testContext(t)
	r, store, _, _ := newTestRegistry(t, 0)

	store.put(storage.UsageRecord{
		UserID:      "carol",
		Plan:        "basic",
		MinutesUsed: 12,
		PeriodStart: "2025-01-01",
		PeriodEnd:   "2025-01-31",
		Version:     3,
	})

	const callers = 16
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := r.Status(ctx, "carol")
			if err != nil {
				t.Errorf("Status failed: %v", err)
				return
			}
			if st.MinutesUsed != 12 {
				t.Errorf("MinutesUsed = %d, want 12", st.MinutesUsed)
			}
		}()
	}
	wg.Wait()

	if got := store.loadCount(); got != 1 {
		t.Fatalf("state loaded %d times, want 1", got)
	}
	if got := r.Resident(); got != 1 {
		t.Fatalf("resident actors = %d, want 1", got)
	}
}

func TestRegistrySweepReapsOrphanedSessions(t *testing.T) {
	ctx := testContext(t)
	r, store, replicas, _ := newTestRegistry(t, 0)

	store.put(storage.UsageRecord{
		UserID:      "dave",
		Plan:        "basic",
		PeriodStart: "2025-01-01",
		PeriodEnd:   "2025-01-31",
		ActiveSession: &storage.ActiveSession{
			ID:              "orphan",
			StartedAt:       t0.Add(-30 * time.Minute),
			LastHeartbeatAt: t0.Add(-25 * time.Minute),
		},
		Version: 9,
	})

	r.Start(ctx)

	eventually(t, "orphaned session to be reaped", func() bool {
		rec, ok := store.get("dave")
		return ok && rec.ActiveSession == nil
	})

	rec, _ := store.get("dave")
	if rec.MinutesUsed != 30 {
		t.Fatalf("reaped minutes = %d, want 30", rec.MinutesUsed)
	}
	eventually(t, "session record to be replicated", func() bool {
		_, _, sessions := replicas.snapshot()
		return len(sessions) == 1 && sessions[0].EndReason == storage.EndReasonStale
	})
}

func TestRegistrySweepRearmsEvictedSession(t *testing.T) {
	ctx := testContext(t)
	r, store, _, clock := newTestRegistry(t, 1)

	if _, err := r.Initialize(ctx, "erin", plan.Basic); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, err := r.StartSession(ctx, "erin", SessionMeta{}); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	// Evicting erin stops her actor and its alarm.
	if _, err := r.Initialize(ctx, "frank", plan.Free); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	trap := clock.Trap().AfterFunc("Actor", "alarm")
	defer trap.Close()

	r.sweep(ctx)
	trap.MustWait(ctx).MustRelease(ctx)

	clock.Advance(10 * time.Minute).MustWait(ctx)

	rec, ok := store.get("erin")
	if !ok || rec.ActiveSession != nil || rec.MinutesUsed != 10 {
		t.Fatalf("expected erin's session reaped with 10 minutes, got %+v", rec)
	}
}

func TestRegistryClosed(t *testing.T) {
	ctx := testContext(t)
	r, _, _, _ := newTestRegistry(t, 0)

	if _, err := r.Initialize(ctx, "alice", plan.Basic); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	r.Start(ctx)

	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if r.Resident() != 0 {
		t.Errorf("actors still resident after Close")
	}
	if _, err := r.Status(ctx, "alice"); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed, got %v", err)
	}
}

func TestRegistryHydrationOutlivesFirstCaller(t *testing.T) {
	ctx := testContext(t)

	store := &gatedStore{
		memStore: newMemStore(),
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	store.put(storage.UsageRecord{
		UserID:      "alice",
		Plan:        "basic",
		MinutesUsed: 3,
		PeriodStart: "2025-01-01",
		PeriodEnd:   "2025-01-31",
		Version:     1,
	})
	r, _, _ := newTestRegistryWithStore(t, store, 0)

	firstCtx, cancelFirst := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Status(firstCtx, "alice")
		firstErr <- err
	}()
	<-store.entered

	type result struct {
		st  Status
		err error
	}
	second := make(chan result, 1)
	go func() {
		st, err := r.Status(ctx, "alice")
		second <- result{st, err}
	}()
	// Let the second caller join the in-flight hydration.
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller: expected context.Canceled, got %v", err)
	}

	close(store.release)
	res := <-second
	if res.err != nil {
		t.Fatalf("second caller failed: %v", res.err)
	}
	if res.st.MinutesUsed != 3 {
		t.Errorf("MinutesUsed = %d, want 3", res.st.MinutesUsed)
	}
}
