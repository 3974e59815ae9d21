package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/minutemeter/internal/plan"
	"github.com/goodtune/minutemeter/internal/storage"
	"github.com/rs/zerolog"
)

type actorHarness struct {
	actor    *Actor
	store    *memStore
	replicas *recorder
	clock    *quartz.Mock
}

func newActorHarness(t *testing.T, rec *storage.UsageRecord) *actorHarness {
	t.Helper()

	clock := quartz.NewMock(t)
	clock.Set(t0)

	h := &actorHarness{
		store:    newMemStore(),
		replicas: &recorder{},
		clock:    clock,
	}
	if rec != nil {
		h.store.put(*rec)
	}

	var seq atomic.Int64
	actor, err := NewActor("user-1", rec, ActorConfig{
		Store:          h.store,
		Replicator:     h.replicas,
		Clock:          clock,
		StaleThreshold: 10 * time.Minute,
		NewSessionID: func() string {
			return fmt.Sprintf("session-%d", seq.Add(1))
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewActor failed: %v", err)
	}
	h.actor = actor

	t.Cleanup(func() {
		actor.Stop()
		<-actor.Done()
	})
	return h
}

func TestActorLifecycle(t *testing.T) {
	ctx := testContext(t)
	h := newActorHarness(t, nil)
	a := h.actor

	if _, err := a.Initialize(ctx, plan.Basic); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	st, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.MinutesUsed != 0 || st.MinutesRemaining != 100 {
		t.Fatalf("unexpected initial status: %+v", st)
	}

	id, err := a.StartSession(ctx, SessionMeta{Topic: "travel", Difficulty: "a2"})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	h.clock.Advance(5 * time.Minute).MustWait(ctx)

	hb, err := a.Heartbeat(ctx, id)
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if hb.MinutesUsed != 5 || hb.MinutesRemaining != 95 {
		t.Errorf("heartbeat = %+v, want 5 used / 95 remaining", hb)
	}

	end, err := a.EndSession(ctx, id, "")
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if end.MinutesUsed != 5 {
		t.Errorf("ended session minutes = %d, want 5", end.MinutesUsed)
	}

	st, err = a.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.MinutesUsed != 5 || st.MinutesRemaining != 95 || st.HasActiveSession {
		t.Fatalf("unexpected final status: %+v", st)
	}

	stored, ok := h.store.get("user-1")
	if !ok || stored.MinutesUsed != 5 || stored.ActiveSession != nil {
		t.Fatalf("persisted state not updated: %+v", stored)
	}
	if stored.Version != st.Version {
		t.Errorf("persisted version %d, status version %d", stored.Version, st.Version)
	}

	syncs, _, sessions := h.replicas.snapshot()
	if len(sessions) != 1 || sessions[0].ID != id || sessions[0].MinutesUsed != 5 || sessions[0].EndReason != storage.EndReasonUserEnded {
		t.Fatalf("unexpected session records: %+v", sessions)
	}
	if sessions[0].Topic != "travel" || sessions[0].Difficulty != "a2" {
		t.Errorf("session metadata lost: %+v", sessions[0])
	}
	if len(syncs) == 0 || syncs[len(syncs)-1].MinutesUsed != 5 {
		t.Errorf("expected last sync to carry 5 minutes, got %+v", syncs)
	}
}

func TestActorLimitReached(t *testing.T) {
	ctx := testContext(t)
	h := newActorHarness(t, &storage.UsageRecord{
		UserID:      "user-1",
		Plan:        "free",
		MinutesUsed: 10,
		PeriodStart: "2025-01-01",
		PeriodEnd:   "2025-01-31",
		Version:     1,
	})

	id, err := h.actor.StartSession(ctx, SessionMeta{})
	if !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected ErrLimitReached, got %v", err)
	}
	if id != "" {
		t.Errorf("session id returned on failure: %q", id)
	}

	ok, err := h.actor.HasCredits(ctx)
	if err != nil || ok {
		t.Fatalf("HasCredits = %v, %v; want false", ok, err)
	}
}

func TestActorRejectsConcurrentSessions(t *testing.T) {
	ctx := testContext(t)
	h := newActorHarness(t, nil)
	a := h.actor

	if _, err := a.Initialize(ctx, plan.Pro); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	const callers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		started   []string
		contended int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := a.StartSession(ctx, SessionMeta{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started = append(started, id)
			case errors.Is(err, ErrSessionAlreadyActive):
				contended++
			default:
				t.Errorf("unexpected StartSession error: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(started) != 1 || contended != callers-1 {
		t.Fatalf("expected exactly one session, got %d started and %d rejected", len(started), contended)
	}

	if _, err := a.EndSession(ctx, started[0], ""); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	next, err := a.StartSession(ctx, SessionMeta{})
	if err != nil {
		t.Fatalf("StartSession after end failed: %v", err)
	}
	if next == started[0] {
		t.Fatal("new session reused the previous id")
	}
}

func TestActorReapsStaleSession(t *testing.T) {
	ctx := testContext(t)
	h := newActorHarness(t, nil)
	a := h.actor

	if _, err := a.Initialize(ctx, plan.Basic); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	id, err := a.StartSession(ctx, SessionMeta{})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	// The alarm is due exactly one threshold after the last heartbeat.
	h.clock.Advance(10 * time.Minute).MustWait(ctx)

	st, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.HasActiveSession || st.MinutesUsed != 10 {
		t.Fatalf("expected reaped session with 10 minutes, got %+v", st)
	}

	_, _, sessions := h.replicas.snapshot()
	if len(sessions) != 1 || sessions[0].ID != id || sessions[0].EndReason != storage.EndReasonStale {
		t.Fatalf("expected one stale session record, got %+v", sessions)
	}

	if _, err := a.Heartbeat(ctx, id); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("heartbeat on reaped session: expected ErrSessionMismatch, got %v", err)
	}
	if _, err := a.StartSession(ctx, SessionMeta{}); err != nil {
		t.Fatalf("StartSession after reap failed: %v", err)
	}
}

func TestActorReapCountsFromSessionStart(t *testing.T) {
	ctx := testContext(t)
	h := newActorHarness(t, nil)
	a := h.actor

	if _, err := a.Initialize(ctx, plan.Basic); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	id, err := a.StartSession(ctx, SessionMeta{})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	h.clock.Advance(time.Minute).MustWait(ctx)
	if _, err := a.Heartbeat(ctx, id); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	// Silence after the heartbeat: the alarm now fires at minute 11.
	h.clock.Advance(10 * time.Minute).MustWait(ctx)

	st, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.HasActiveSession || st.MinutesUsed != 11 {
		t.Fatalf("expected 11 reaped minutes, got %+v", st)
	}
}

func TestActorAlarmIsIdempotent(t *testing.T) {
	ctx := testContext(t)
	h := newActorHarness(t, nil)
	a := h.actor

	// Uninitialized and session-less alarms do nothing
	if err := a.Alarm(ctx); err != nil {
		t.Fatalf("Alarm on uninitialized user failed: %v", err)
	}
	if _, err := a.Initialize(ctx, plan.Basic); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	before, _ := a.Status(ctx)
	if err := a.Alarm(ctx); err != nil {
		t.Fatalf("Alarm without session failed: %v", err)
	}
	after, _ := a.Status(ctx)
	if after.Version != before.Version {
		t.Fatalf("alarm without session mutated state: %d -> %d", before.Version, after.Version)
	}

	id, err := a.StartSession(ctx, SessionMeta{})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	h.clock.Advance(9 * time.Minute).MustWait(ctx)
	if _, err := a.Heartbeat(ctx, id); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	// The first deadline passes without firing; the heartbeat moved it.
	h.clock.Advance(time.Minute).MustWait(ctx)

	// A spurious alarm while heartbeats are fresh keeps the session
	if err := a.Alarm(ctx); err != nil {
		t.Fatalf("spurious Alarm failed: %v", err)
	}
	st, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !st.HasActiveSession || st.MinutesUsed != 0 {
		t.Fatalf("spurious alarm changed state: %+v", st)
	}

	// Ten minutes after the heartbeat the rescheduled alarm reaps it
	h.clock.Advance(9 * time.Minute).MustWait(ctx)
	st, err = a.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.HasActiveSession || st.MinutesUsed != 19 {
		t.Fatalf("expected reap with 19 minutes, got %+v", st)
	}
}

func TestActorEndSessionCancelsAlarm(t *testing.T) {
	ctx := testContext(t)
	h := newActorHarness(t, nil)
	a := h.actor

	if _, err := a.Initialize(ctx, plan.Basic); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	id, err := a.StartSession(ctx, SessionMeta{})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	h.clock.Advance(3 * time.Minute).MustWait(ctx)
	if _, err := a.EndSession(ctx, id, storage.EndReasonLimitReached); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	// No timer is left; advancing well past the old deadline changes nothing.
	h.clock.Advance(30 * time.Minute).MustWait(ctx)
	st, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.MinutesUsed != 3 {
		t.Fatalf("expected 3 minutes after end, got %d", st.MinutesUsed)
	}

	_, _, sessions := h.replicas.snapshot()
	if len(sessions) != 1 || sessions[0].EndReason != storage.EndReasonLimitReached {
		t.Fatalf("unexpected session records: %+v", sessions)
	}
}

func TestActorRollsOverPeriod(t *testing.T) {
	ctx := testContext(t)
	h := newActorHarness(t, &storage.UsageRecord{
		UserID:      "user-1",
		Plan:        "basic",
		MinutesUsed: 50,
		PeriodStart: "2024-12-01",
		PeriodEnd:   "2024-12-31",
		Version:     7,
	})

	st, err := h.actor.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.MinutesUsed != 0 || st.PeriodStart != "2025-01-01" || st.PeriodEnd != "2025-01-31" {
		t.Fatalf("unexpected status after rollover: %+v", st)
	}
	if st.Version != 8 {
		t.Errorf("rollover version = %d, want 8", st.Version)
	}

	_, archives, _ := h.replicas.snapshot()
	if len(archives) != 1 {
		t.Fatalf("expected one archived period, got %d", len(archives))
	}
	if archives[0].MinutesUsed != 50 || archives[0].PeriodStart != "2024-12-01" || archives[0].Version != 7 {
		t.Errorf("unexpected archived period: %+v", archives[0])
	}

	stored, _ := h.store.get("user-1")
	if stored.PeriodStart != "2025-01-01" || stored.MinutesUsed != 0 {
		t.Errorf("rollover not persisted: %+v", stored)
	}
}

func TestActorChangePlan(t *testing.T) {
	ctx := testContext(t)
	h := newActorHarness(t, nil)
	a := h.actor

	if _, err := a.Initialize(ctx, plan.Free); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	id, err := a.StartSession(ctx, SessionMeta{})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	h.clock.Advance(4 * time.Minute).MustWait(ctx)
	if _, err := a.EndSession(ctx, id, ""); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	st, err := a.UpgradePlan(ctx, plan.Pro)
	if err != nil {
		t.Fatalf("UpgradePlan failed: %v", err)
	}
	if st.Plan != plan.Pro || st.MinutesLimit != 500 || st.MinutesUsed != 4 {
		t.Fatalf("unexpected status after upgrade: %+v", st)
	}

	st, err = a.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Plan != plan.Pro || st.MinutesRemaining != 496 {
		t.Fatalf("upgrade not visible on next read: %+v", st)
	}

	if _, err := a.DowngradePlan(ctx, plan.Type("gold")); !errors.Is(err, plan.ErrUnknown) {
		t.Fatalf("expected plan.ErrUnknown, got %v", err)
	}
}

func TestActorInitializeIsIdempotent(t *testing.T) {
	ctx := testContext(t)
	h := newActorHarness(t, nil)
	a := h.actor

	if _, err := a.Status(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := a.StartSession(ctx, SessionMeta{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}

	first, err := a.Initialize(ctx, plan.Basic)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	second, err := a.Initialize(ctx, plan.Pro)
	if err != nil {
		t.Fatalf("second Initialize failed: %v", err)
	}
	if second.Plan != plan.Basic || second.Version != first.Version {
		t.Fatalf("second Initialize changed state: %+v", second)
	}
}

func TestActorPersistFailureLeavesStateUnchanged(t *testing.T) {
	ctx := testContext(t)
	h := newActorHarness(t, nil)
	a := h.actor

	if _, err := a.Initialize(ctx, plan.Basic); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	syncsBefore, _, _ := h.replicas.snapshot()

	h.store.setFailSave(errBoom)
	if _, err := a.StartSession(ctx, SessionMeta{}); !errors.Is(err, errBoom) {
		t.Fatalf("expected persist error, got %v", err)
	}

	h.store.setFailSave(nil)
	st, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.HasActiveSession {
		t.Fatal("session opened although it was never persisted")
	}
	syncsAfter, _, _ := h.replicas.snapshot()
	if len(syncsAfter) != len(syncsBefore) {
		t.Fatal("failed mutation was replicated")
	}

	if _, err := a.StartSession(ctx, SessionMeta{}); err != nil {
		t.Fatalf("StartSession after recovery failed: %v", err)
	}
}

func TestActorRetriesFailedReap(t *testing.T) {
	ctx := testContext(t)
	h := newActorHarness(t, nil)
	a := h.actor

	if _, err := a.Initialize(ctx, plan.Basic); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, err := a.StartSession(ctx, SessionMeta{}); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	h.store.setFailSave(errBoom)
	h.clock.Advance(10 * time.Minute).MustWait(ctx)

	st, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !st.HasActiveSession || st.MinutesUsed != 0 {
		t.Fatalf("reap should not have committed while the store fails: %+v", st)
	}

	h.store.setFailSave(nil)
	h.clock.Advance(AlarmRetryDelay).MustWait(ctx)

	st, err = a.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.HasActiveSession || st.MinutesUsed != 11 {
		t.Fatalf("expected retried reap with 11 minutes, got %+v", st)
	}
	if _, err := a.StartSession(ctx, SessionMeta{}); err != nil {
		t.Fatalf("StartSession after retried reap failed: %v", err)
	}
}

func TestActorAdoptsSaveThatLandedDespiteError(t *testing.T) {
	ctx := testContext(t)
	h := newActorHarness(t, nil)
	a := h.actor

	if _, err := a.Initialize(ctx, plan.Basic); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	h.store.setLostReply(context.DeadlineExceeded)
	if _, err := a.ChangePlan(ctx, plan.Pro); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	stored, ok := h.store.get("user-1")
	if !ok || stored.Plan != "pro" {
		t.Fatalf("expected the plan change to be stored, got %+v", stored)
	}

	st, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Plan != plan.Pro || st.Version != stored.Version {
		t.Fatalf("actor did not follow stored state: plan=%s version=%d, stored version=%d",
			st.Plan, st.Version, stored.Version)
	}

	syncs, _, _ := h.replicas.snapshot()
	if len(syncs) == 0 || syncs[len(syncs)-1].Plan != "pro" {
		t.Fatalf("adopted state was not replicated: %+v", syncs)
	}

	id, err := a.StartSession(ctx, SessionMeta{})
	if err != nil {
		t.Fatalf("StartSession after lost reply failed: %v", err)
	}
	if _, err := a.Heartbeat(ctx, id); err != nil {
		t.Fatalf("Heartbeat after lost reply failed: %v", err)
	}
}

func TestActorHydratedOverdueSessionIsReaped(t *testing.T) {
	ctx := testContext(t)
	h := newActorHarness(t, &storage.UsageRecord{
		UserID:      "user-1",
		Plan:        "basic",
		MinutesUsed: 5,
		PeriodStart: "2025-01-01",
		PeriodEnd:   "2025-01-31",
		ActiveSession: &storage.ActiveSession{
			ID:              "orphan",
			StartedAt:       t0.Add(-20 * time.Minute),
			LastHeartbeatAt: t0.Add(-15 * time.Minute),
		},
		Version: 4,
	})

	eventually(t, "overdue session to be reaped", func() bool {
		st, err := h.actor.Status(ctx)
		return err == nil && !st.HasActiveSession
	})

	st, err := h.actor.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.MinutesUsed != 25 {
		t.Fatalf("expected 5 + 20 reaped minutes, got %d", st.MinutesUsed)
	}
}

func TestActorHydratedFreshSessionRearmsAlarm(t *testing.T) {
	ctx := testContext(t)

	clock := quartz.NewMock(t)
	clock.Set(t0)
	trap := clock.Trap().AfterFunc("Actor", "alarm")
	defer trap.Close()

	store := newMemStore()
	rec := storage.UsageRecord{
		UserID:      "user-1",
		Plan:        "basic",
		PeriodStart: "2025-01-01",
		PeriodEnd:   "2025-01-31",
		ActiveSession: &storage.ActiveSession{
			ID:              "live",
			StartedAt:       t0.Add(-6 * time.Minute),
			LastHeartbeatAt: t0.Add(-5 * time.Minute),
		},
		Version: 2,
	}
	store.put(rec)

	a, err := NewActor("user-1", &rec, ActorConfig{
		Store:      store,
		Replicator: &recorder{},
		Clock:      clock,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewActor failed: %v", err)
	}
	defer func() {
		a.Stop()
		<-a.Done()
	}()

	armed := trap.MustWait(ctx)
	if armed.Duration != 5*time.Minute {
		t.Errorf("alarm armed for %s, want 5m", armed.Duration)
	}
	armed.MustRelease(ctx)

	clock.Advance(5 * time.Minute).MustWait(ctx)

	st, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.HasActiveSession || st.MinutesUsed != 11 {
		t.Fatalf("expected reap with 11 minutes, got %+v", st)
	}
}

func TestActorStopped(t *testing.T) {
	ctx := testContext(t)
	h := newActorHarness(t, nil)

	if _, err := h.actor.Initialize(ctx, plan.Basic); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	h.actor.Stop()
	<-h.actor.Done()

	if _, err := h.actor.Status(ctx); !errors.Is(err, ErrActorStopped) {
		t.Fatalf("expected ErrActorStopped, got %v", err)
	}
}

func TestNewActorRejectsCorruptRecord(t *testing.T) {
	_, err := NewActor("user-1", &storage.UsageRecord{UserID: "user-1", Plan: "gold"}, ActorConfig{
		Store:      newMemStore(),
		Replicator: &recorder{},
	})
	if err == nil {
		t.Fatal("expected error for corrupt record")
	}
}
