package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/goodtune/minutemeter/internal/usage"
)

// ErrorResponse represents an API error response. Code is stable and meant
// for programmatic branching; Message is for humans.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code"`
}

// InitializeRequest creates a user on a plan.
type InitializeRequest struct {
	Plan string `json:"plan"`
}

// PlanRequest replaces a user's plan.
type PlanRequest struct {
	Plan string `json:"plan"`
}

// StartSessionRequest carries optional session metadata.
type StartSessionRequest struct {
	Topic      string `json:"topic,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
}

// StartSessionResponse is returned when a session opens.
type StartSessionResponse struct {
	SessionID string `json:"session_id"`
}

// EndSessionRequest optionally names why the session ended.
type EndSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CreditsResponse answers the credit check.
type CreditsResponse struct {
	UserID     string `json:"user_id"`
	HasCredits bool   `json:"has_credits"`
}

// VoiceTokenRequest optionally pins the grant to a session.
type VoiceTokenRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// VoiceTokenGrant authorizes the caller to mint a voice-provider credential.
type VoiceTokenGrant struct {
	UserID           string `json:"user_id"`
	SessionID        string `json:"session_id"`
	MinutesRemaining int64  `json:"minutes_remaining"`
}

// BillingEvent is a subscription lifecycle notification.
type BillingEvent struct {
	Event  string `json:"event"`
	UserID string `json:"user_id"`
	Plan   string `json:"plan,omitempty"`
}

// BillingEventResponse reports what a billing event did.
type BillingEventResponse struct {
	Event  string        `json:"event"`
	Result string        `json:"result"`
	Status *usage.Status `json:"status,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response","code":"internal"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    code,
	})
}
