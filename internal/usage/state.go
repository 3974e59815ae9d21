package usage

import (
	"fmt"
	"time"

	"github.com/goodtune/minutemeter/internal/plan"
	"github.com/goodtune/minutemeter/internal/storage"
)

// Session is the open voice session embedded in a user's state.
type Session struct {
	ID              string
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	Topic           string
	Difficulty      string
}

// SessionMeta is caller supplied metadata recorded with a session.
type SessionMeta struct {
	Topic      string `json:"topic,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
}

// State is one user's usage state. Only the owning actor touches it, so it
// carries no locks. Every method takes the current time explicitly.
type State struct {
	UserID        string
	Plan          plan.Type
	MinutesUsed   int64
	PeriodStart   string
	PeriodEnd     string
	ActiveSession *Session
	Version       int64
	UpdatedAt     time.Time

	fx effects
}

// effects are the side effects a transition asks the actor to perform once
// the new state has been persisted.
type effects struct {
	persist bool
	sync    bool
	archive *storage.UsageRecord
	ended   *storage.SessionRecord
	rolled  bool
}

// Status is a read-only snapshot of a user's usage.
type Status struct {
	UserID               string    `json:"user_id"`
	Plan                 plan.Type `json:"plan"`
	MinutesUsed          int64     `json:"minutes_used"`
	MinutesRemaining     int64     `json:"minutes_remaining"`
	MinutesLimit         int64     `json:"minutes_limit"`
	HasActiveSession     bool      `json:"has_active_session"`
	ActiveSessionID      string    `json:"active_session_id,omitempty"`
	ActiveSessionMinutes int64     `json:"active_session_minutes"`
	PercentUsed          int       `json:"percent_used"`
	PeriodStart          string    `json:"period_start"`
	PeriodEnd            string    `json:"period_end"`
	Version              int64     `json:"version"`
}

// HeartbeatResult carries live, uncommitted session figures.
type HeartbeatResult struct {
	SessionID        string `json:"session_id"`
	MinutesUsed      int64  `json:"minutes_used"`
	MinutesRemaining int64  `json:"minutes_remaining"`
}

// EndResult carries the committed totals of a closed session.
type EndResult struct {
	SessionID        string            `json:"session_id"`
	MinutesUsed      int64             `json:"minutes_used"`
	TotalMinutesUsed int64             `json:"total_minutes_used"`
	MinutesRemaining int64             `json:"minutes_remaining"`
	EndReason        storage.EndReason `json:"end_reason"`
}

// NewState creates the state of a freshly initialized user.
func NewState(userID string, p plan.Type, now time.Time) *State {
	start, end := monthBounds(now)
	s := &State{
		UserID:      userID,
		Plan:        p,
		PeriodStart: start,
		PeriodEnd:   end,
	}
	s.touch(now, true)
	return s
}

// FromRecord rebuilds a State from its persisted form. Records that break an
// invariant are rejected rather than repaired.
func FromRecord(rec storage.UsageRecord) (*State, error) {
	p, err := plan.Parse(rec.Plan)
	if err != nil {
		return nil, fmt.Errorf("corrupt state for %s: %w", rec.UserID, err)
	}
	if rec.MinutesUsed < 0 {
		return nil, fmt.Errorf("corrupt state for %s: negative minutes used %d", rec.UserID, rec.MinutesUsed)
	}
	if _, err := time.Parse(dateLayout, rec.PeriodStart); err != nil {
		return nil, fmt.Errorf("corrupt state for %s: invalid period start %q", rec.UserID, rec.PeriodStart)
	}
	if _, err := time.Parse(dateLayout, rec.PeriodEnd); err != nil {
		return nil, fmt.Errorf("corrupt state for %s: invalid period end %q", rec.UserID, rec.PeriodEnd)
	}
	if rec.PeriodEnd < rec.PeriodStart {
		return nil, fmt.Errorf("corrupt state for %s: period end %s before start %s", rec.UserID, rec.PeriodEnd, rec.PeriodStart)
	}

	s := &State{
		UserID:      rec.UserID,
		Plan:        p,
		MinutesUsed: rec.MinutesUsed,
		PeriodStart: rec.PeriodStart,
		PeriodEnd:   rec.PeriodEnd,
		Version:     rec.Version,
		UpdatedAt:   rec.UpdatedAt,
	}
	if as := rec.ActiveSession; as != nil {
		if as.ID == "" {
			return nil, fmt.Errorf("corrupt state for %s: active session without id", rec.UserID)
		}
		s.ActiveSession = &Session{
			ID:              as.ID,
			StartedAt:       as.StartedAt,
			LastHeartbeatAt: as.LastHeartbeatAt,
			Topic:           as.Topic,
			Difficulty:      as.Difficulty,
		}
	}
	return s, nil
}

// Record returns the persisted form of the state.
func (s *State) Record() storage.UsageRecord {
	rec := storage.UsageRecord{
		UserID:       s.UserID,
		Plan:         s.Plan.String(),
		MinutesUsed:  s.MinutesUsed,
		MinutesLimit: s.Plan.MinutesLimit(),
		PeriodStart:  s.PeriodStart,
		PeriodEnd:    s.PeriodEnd,
		Version:      s.Version,
		UpdatedAt:    s.UpdatedAt,
	}
	if as := s.ActiveSession; as != nil {
		rec.ActiveSession = &storage.ActiveSession{
			ID:              as.ID,
			StartedAt:       as.StartedAt,
			LastHeartbeatAt: as.LastHeartbeatAt,
			Topic:           as.Topic,
			Difficulty:      as.Difficulty,
		}
	}
	return rec
}

// Clone returns a deep copy with no pending effects.
func (s *State) Clone() *State {
	c := *s
	c.fx = effects{}
	if s.ActiveSession != nil {
		as := *s.ActiveSession
		c.ActiveSession = &as
	}
	return &c
}

// touch records a mutation. Replicated mutations are also synced to reporting.
func (s *State) touch(now time.Time, replicate bool) {
	s.Version++
	s.UpdatedAt = now
	s.fx.persist = true
	if replicate {
		s.fx.sync = true
	}
}

func (s *State) takeEffects() effects {
	fx := s.fx
	s.fx = effects{}
	return fx
}

// Rollover resets the period once now is past its end. The closed period is
// queued for archiving. An open session is carried into the new period.
func (s *State) Rollover(now time.Time) (bool, error) {
	ended, err := periodEnded(s.PeriodEnd, now)
	if err != nil {
		return false, err
	}
	if !ended {
		return false, nil
	}

	closed := s.Record()
	s.fx.archive = &closed
	s.fx.rolled = true

	s.MinutesUsed = 0
	s.PeriodStart, s.PeriodEnd = monthBounds(now)
	s.touch(now, true)
	return true, nil
}

// remaining is minutes left after extra uncommitted minutes, clamped at zero.
func (s *State) remaining(extra int64) int64 {
	left := s.Plan.MinutesLimit() - s.MinutesUsed - extra
	if left < 0 {
		return 0
	}
	return left
}

// Status returns the current snapshot.
func (s *State) Status(now time.Time) Status {
	limit := s.Plan.MinutesLimit()
	st := Status{
		UserID:           s.UserID,
		Plan:             s.Plan,
		MinutesUsed:      s.MinutesUsed,
		MinutesRemaining: s.remaining(0),
		MinutesLimit:     limit,
		PeriodStart:      s.PeriodStart,
		PeriodEnd:        s.PeriodEnd,
		Version:          s.Version,
	}
	if limit > 0 {
		pct := s.MinutesUsed * 100 / limit
		if pct > 100 {
			pct = 100
		}
		st.PercentUsed = int(pct)
	}
	if as := s.ActiveSession; as != nil {
		st.HasActiveSession = true
		st.ActiveSessionID = as.ID
		st.ActiveSessionMinutes = elapsedMinutes(as.StartedAt, now)
	}
	return st
}

// HasCredits reports whether any minutes remain.
func (s *State) HasCredits() bool {
	return s.remaining(0) > 0
}

// StartSession opens a session with the given id.
func (s *State) StartSession(id string, meta SessionMeta, now time.Time) error {
	if s.ActiveSession != nil {
		return ErrSessionAlreadyActive
	}
	if s.remaining(0) <= 0 {
		return ErrLimitReached
	}

	s.ActiveSession = &Session{
		ID:              id,
		StartedAt:       now,
		LastHeartbeatAt: now,
		Topic:           meta.Topic,
		Difficulty:      meta.Difficulty,
	}
	s.touch(now, true)
	return nil
}

func (s *State) requireSession(id string) error {
	if s.ActiveSession == nil {
		return fmt.Errorf("%w: no active session", ErrSessionMismatch)
	}
	if s.ActiveSession.ID != id {
		return fmt.Errorf("%w: %s is not the active session", ErrSessionMismatch, id)
	}
	return nil
}

// Heartbeat records liveness and reports live figures. Elapsed minutes are
// not committed to MinutesUsed.
func (s *State) Heartbeat(id string, now time.Time) (HeartbeatResult, error) {
	if err := s.requireSession(id); err != nil {
		return HeartbeatResult{}, err
	}

	elapsed := elapsedMinutes(s.ActiveSession.StartedAt, now)
	s.ActiveSession.LastHeartbeatAt = now
	// Liveness is persisted but not replicated.
	s.touch(now, false)

	return HeartbeatResult{
		SessionID:        id,
		MinutesUsed:      elapsed,
		MinutesRemaining: s.remaining(elapsed),
	}, nil
}

// EndSession commits the session's minutes and clears it.
func (s *State) EndSession(id string, reason storage.EndReason, now time.Time) (EndResult, error) {
	if err := s.requireSession(id); err != nil {
		return EndResult{}, err
	}
	if reason == "" {
		reason = storage.EndReasonUserEnded
	}
	return s.closeSession(reason, now), nil
}

func (s *State) closeSession(reason storage.EndReason, now time.Time) EndResult {
	as := s.ActiveSession
	minutes := elapsedMinutes(as.StartedAt, now)

	s.MinutesUsed += minutes
	s.ActiveSession = nil
	s.touch(now, true)

	s.fx.ended = &storage.SessionRecord{
		ID:          as.ID,
		UserID:      s.UserID,
		StartedAt:   as.StartedAt,
		EndedAt:     now,
		MinutesUsed: minutes,
		Topic:       as.Topic,
		Difficulty:  as.Difficulty,
		EndReason:   reason,
	}

	return EndResult{
		SessionID:        as.ID,
		MinutesUsed:      minutes,
		TotalMinutesUsed: s.MinutesUsed,
		MinutesRemaining: s.remaining(0),
		EndReason:        reason,
	}
}

// Reap closes the active session if its last heartbeat is at least threshold
// old. It is a no-op without a session or while heartbeats are fresh.
func (s *State) Reap(threshold time.Duration, now time.Time) (*EndResult, bool) {
	as := s.ActiveSession
	if as == nil || now.Sub(as.LastHeartbeatAt) < threshold {
		return nil, false
	}
	result := s.closeSession(storage.EndReasonStale, now)
	return &result, true
}

// AlarmAt returns when the stale check for the active session is due.
func (s *State) AlarmAt(threshold time.Duration) (time.Time, bool) {
	if s.ActiveSession == nil {
		return time.Time{}, false
	}
	return s.ActiveSession.LastHeartbeatAt.Add(threshold), true
}

// ChangePlan replaces the plan, leaving minutes and any session untouched.
func (s *State) ChangePlan(p plan.Type, now time.Time) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %q", plan.ErrUnknown, string(p))
	}
	if p == s.Plan {
		return nil
	}
	s.Plan = p
	s.touch(now, true)
	return nil
}
