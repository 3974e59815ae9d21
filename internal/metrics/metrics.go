package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Operation metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minutemeter_operations_total",
			Help: "Total actor operations processed",
		},
		[]string{"op", "result"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "minutemeter_operation_duration_seconds",
			Help:    "Actor operation duration in seconds, including persistence",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"op"},
	)

	// Session metrics
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minutemeter_active_sessions",
			Help: "Number of open voice sessions held by resident actors",
		},
	)

	SessionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minutemeter_sessions_reaped_total",
			Help: "Sessions closed by the stale-heartbeat alarm",
		},
	)

	MinutesCommitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minutemeter_minutes_committed_total",
			Help: "Total voice minutes committed to usage periods",
		},
		[]string{"plan"},
	)

	PeriodRollovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minutemeter_period_rollovers_total",
			Help: "Billing period rollovers performed",
		},
	)

	// Actor residency
	ResidentActors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minutemeter_resident_actors",
			Help: "Number of user actors currently in memory",
		},
	)

	// Reporting sync metrics
	SyncJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minutemeter_sync_jobs_total",
			Help: "Reporting sync jobs by kind and outcome",
		},
		[]string{"kind", "result"},
	)

	SyncQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minutemeter_sync_queue_depth",
			Help: "Reporting sync jobs waiting for a worker",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minutemeter_http_requests_total",
			Help: "Total API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		OperationsTotal,
		OperationDuration,
		ActiveSessions,
		SessionsReaped,
		MinutesCommitted,
		PeriodRollovers,
		ResidentActors,
		SyncJobsTotal,
		SyncQueueDepth,
		HTTPRequestsTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server. ready reports whether the service
// can take traffic; /health returns 503 while it is false.
func NewServer(addr string, ready func() bool, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
