package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/goodtune/minutemeter/internal/plan"
	"github.com/goodtune/minutemeter/internal/storage"
	"github.com/goodtune/minutemeter/internal/usage"
	"github.com/gorilla/mux"
)

// Billing events understood by the webhook.
const (
	EventSubscriptionCreated  = "subscription.created"
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionCanceled = "subscription.canceled"
)

// decodeBody decodes an optional JSON body. An empty body leaves dst as is.
func decodeBody(r *http.Request, dst interface{}) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// writeMeterError maps a usage error onto a status and code.
func (s *Server) writeMeterError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, usage.ErrNotInitialized):
		writeError(w, http.StatusNotFound, "not_initialized", "User has not been initialized")
	case errors.Is(err, usage.ErrSessionAlreadyActive):
		writeError(w, http.StatusConflict, "session_already_active", "A session is already active")
	case errors.Is(err, usage.ErrLimitReached):
		writeError(w, http.StatusPaymentRequired, "limit_reached", "No minutes remaining this period")
	case errors.Is(err, usage.ErrSessionMismatch):
		writeError(w, http.StatusConflict, "session_mismatch", "Session is not the active session")
	case errors.Is(err, plan.ErrUnknown):
		writeError(w, http.StatusBadRequest, "unknown_plan", err.Error())
	case errors.Is(err, usage.ErrRegistryClosed), errors.Is(err, usage.ErrActorStopped):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "Service is shutting down")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "Operation timed out")
	default:
		s.logger.Error().
			Err(err).
			Str("path", r.URL.Path).
			Msg("Usage operation failed")
		writeError(w, http.StatusInternalServerError, "internal", "Operation failed")
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	var req InitializeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	p, err := plan.Parse(req.Plan)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_plan", err.Error())
		return
	}

	status, err := s.meter.Initialize(r.Context(), userID, p)
	if err != nil {
		s.writeMeterError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	status, err := s.meter.Status(r.Context(), userID)
	if err != nil {
		s.writeMeterError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	ok, err := s.meter.HasCredits(r.Context(), userID)
	if err != nil {
		s.writeMeterError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CreditsResponse{UserID: userID, HasCredits: ok})
}

func (s *Server) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	var req PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	p, err := plan.Parse(req.Plan)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_plan", err.Error())
		return
	}

	status, err := s.meter.ChangePlan(r.Context(), userID, p)
	if err != nil {
		s.writeMeterError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	var req StartSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}

	id, err := s.meter.StartSession(r.Context(), userID, usage.SessionMeta{
		Topic:      req.Topic,
		Difficulty: req.Difficulty,
	})
	if err != nil {
		s.writeMeterError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, StartSessionResponse{SessionID: id})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	result, err := s.meter.Heartbeat(r.Context(), vars["userID"], vars["sessionID"])
	if err != nil {
		s.writeMeterError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req EndSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}

	var reason storage.EndReason
	if req.Reason != "" {
		parsed, err := storage.ParseEndReason(req.Reason)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_reason", err.Error())
			return
		}
		reason = parsed
	}

	result, err := s.meter.EndSession(r.Context(), vars["userID"], vars["sessionID"], reason)
	if err != nil {
		s.writeMeterError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleVoiceToken gates voice-provider credentials: a grant needs an open
// session and minutes left.
func (s *Server) handleVoiceToken(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	var req VoiceTokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}

	status, err := s.meter.Status(r.Context(), userID)
	if err != nil {
		s.writeMeterError(w, r, err)
		return
	}

	switch {
	case !status.HasActiveSession:
		writeError(w, http.StatusForbidden, "no_active_session", "No active session")
		return
	case req.SessionID != "" && req.SessionID != status.ActiveSessionID:
		writeError(w, http.StatusForbidden, "session_mismatch", "Session is not the active session")
		return
	case status.MinutesRemaining <= 0:
		writeError(w, http.StatusForbidden, "limit_reached", "No minutes remaining this period")
		return
	}

	writeJSON(w, http.StatusOK, VoiceTokenGrant{
		UserID:           userID,
		SessionID:        status.ActiveSessionID,
		MinutesRemaining: status.MinutesRemaining,
	})
}

// handleBillingWebhook applies a subscription event as a plan change. The
// first event for an unknown user initializes it.
func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	var event BillingEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	if event.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "user_id is required")
		return
	}

	var target plan.Type
	switch event.Event {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		p, err := plan.Parse(event.Plan)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown_plan", err.Error())
			return
		}
		target = p
	case EventSubscriptionCanceled:
		target = plan.Free
	default:
		s.logger.Debug().Str("event", event.Event).Msg("Ignoring billing event")
		writeJSON(w, http.StatusOK, BillingEventResponse{Event: event.Event, Result: "ignored"})
		return
	}

	ctx := r.Context()
	result := "plan_changed"
	status, err := s.meter.ChangePlan(ctx, event.UserID, target)
	if errors.Is(err, usage.ErrNotInitialized) {
		result = "initialized"
		status, err = s.meter.Initialize(ctx, event.UserID, target)
		// Lost a race with another initializer that chose a different plan.
		if err == nil && status.Plan != target {
			result = "plan_changed"
			status, err = s.meter.ChangePlan(ctx, event.UserID, target)
		}
	}
	if err != nil {
		s.writeMeterError(w, r, err)
		return
	}

	s.logger.Info().
		Str("event", event.Event).
		Str("user_id", event.UserID).
		Str("plan", target.String()).
		Str("result", result).
		Msg("Billing event applied")
	writeJSON(w, http.StatusOK, BillingEventResponse{Event: event.Event, Result: result, Status: &status})
}
