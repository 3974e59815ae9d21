package usage

import "errors"

// Caller-visible outcomes. Each is returned as-is (or wrapped) so callers can
// branch with errors.Is.
var (
	// ErrSessionAlreadyActive is returned by StartSession while a session is open.
	ErrSessionAlreadyActive = errors.New("usage: session already active")

	// ErrLimitReached is returned by StartSession when no minutes remain.
	ErrLimitReached = errors.New("usage: minute limit reached")

	// ErrSessionMismatch is returned when a heartbeat or end names a session
	// that is not the active one.
	ErrSessionMismatch = errors.New("usage: session mismatch")

	// ErrNotInitialized is returned for users that were never initialized.
	ErrNotInitialized = errors.New("usage: user not initialized")

	// ErrActorStopped is returned when an operation reaches an actor that is
	// shutting down.
	ErrActorStopped = errors.New("usage: actor stopped")
)

// resultLabel maps an operation error to a metrics label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSessionAlreadyActive):
		return "session_already_active"
	case errors.Is(err, ErrLimitReached):
		return "limit_reached"
	case errors.Is(err, ErrSessionMismatch):
		return "session_mismatch"
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrActorStopped):
		return "stopped"
	default:
		return "error"
	}
}
