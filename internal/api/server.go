package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/minutemeter/internal/plan"
	"github.com/goodtune/minutemeter/internal/storage"
	"github.com/goodtune/minutemeter/internal/usage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Meter is the set of usage operations the API exposes. *usage.Registry
// implements it.
type Meter interface {
	Initialize(ctx context.Context, userID string, p plan.Type) (usage.Status, error)
	Status(ctx context.Context, userID string) (usage.Status, error)
	HasCredits(ctx context.Context, userID string) (bool, error)
	StartSession(ctx context.Context, userID string, meta usage.SessionMeta) (string, error)
	Heartbeat(ctx context.Context, userID, sessionID string) (usage.HeartbeatResult, error)
	EndSession(ctx context.Context, userID, sessionID string, reason storage.EndReason) (usage.EndResult, error)
	ChangePlan(ctx context.Context, userID string, p plan.Type) (usage.Status, error)
}

// Config holds the API server configuration.
type Config struct {
	ListenAddr   string
	WebhookToken string
}

// Server is the HTTP caller layer in front of the usage actors.
type Server struct {
	config   Config
	meter    Meter
	server   *http.Server
	router   *mux.Router
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, meter Meter, logger zerolog.Logger) *Server {
	router := mux.NewRouter()

	s := &Server{
		config: cfg,
		meter:  meter,
		router: router,
		logger: logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/users/{userID}", s.handleInitialize).Methods("POST")

	users := v1.PathPrefix("/users/{userID}").Subrouter()
	users.HandleFunc("/status", s.handleStatus).Methods("GET")
	users.HandleFunc("/credits", s.handleCredits).Methods("GET")
	users.HandleFunc("/plan", s.handleChangePlan).Methods("PUT")
	users.HandleFunc("/sessions", s.handleStartSession).Methods("POST")
	users.HandleFunc("/sessions/{sessionID}/heartbeat", s.handleHeartbeat).Methods("POST")
	users.HandleFunc("/sessions/{sessionID}", s.handleEndSession).Methods("DELETE")
	users.HandleFunc("/voice-token", s.handleVoiceToken).Methods("POST")

	webhooks := v1.PathPrefix("/webhooks").Subrouter()
	webhooks.Use(WebhookAuthMiddleware(s.config.WebhookToken))
	webhooks.HandleFunc("/billing", s.handleBillingWebhook).Methods("POST")
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")
	if s.config.WebhookToken == "" {
		s.logger.Warn().Msg("No webhook token configured, billing webhooks will be rejected")
	}

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}
