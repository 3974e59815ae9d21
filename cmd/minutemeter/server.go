package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/minutemeter/internal/api"
	"github.com/goodtune/minutemeter/internal/config"
	"github.com/goodtune/minutemeter/internal/metrics"
	"github.com/goodtune/minutemeter/internal/storage"
	"github.com/goodtune/minutemeter/internal/storage/bolt"
	"github.com/goodtune/minutemeter/internal/storage/postgres"
	"github.com/goodtune/minutemeter/internal/storage/redis"
	"github.com/goodtune/minutemeter/internal/syncer"
	"github.com/goodtune/minutemeter/internal/systemd"
	"github.com/goodtune/minutemeter/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds how long actors and pending reporting writes get to
// drain on exit.
const shutdownTimeout = 30 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start minutemeter server",
	Long:  `Start the metering actors together with the API and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting minutemeter")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize state storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Msg("Storage initialized")

	// Initialize reporting replica
	reports, closeReports, err := openReporting(cfg.Reporting, store, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize reporting: %w", err)
	}
	defer func() {
		if err := closeReports(); err != nil {
			logger.Error().Err(err).Msg("Failed to close reporting store")
		}
	}()

	clock := quartz.NewReal()

	var (
		replicator usage.Replicator = syncer.Discard{}
		writer     *syncer.Syncer
	)
	if reports != nil {
		writer = syncer.New(reports, syncer.Config{
			QueueSize:       cfg.Sync.QueueSize,
			Workers:         cfg.Sync.Workers,
			MaxAttempts:     cfg.Sync.MaxAttempts,
			InitialInterval: config.ParseDuration(cfg.Sync.InitialInterval, 200*time.Millisecond),
			MaxElapsed:      config.ParseDuration(cfg.Sync.MaxElapsed, time.Minute),
		}, clock, logger)
		replicator = writer
	}

	logger.Info().
		Str("type", cfg.Reporting.Type).
		Msg("Reporting initialized")

	// Initialize actor registry
	registry, err := usage.NewRegistry(usage.RegistryConfig{
		Actor: usage.ActorConfig{
			Store:            store.State(),
			Replicator:       replicator,
			Clock:            clock,
			StaleThreshold:   config.ParseDuration(cfg.Metering.StaleThreshold, usage.DefaultStaleThreshold),
			MailboxSize:      cfg.Metering.MailboxSize,
			OperationTimeout: config.ParseDuration(cfg.Metering.OperationTimeout, usage.DefaultOperationTimeout),
			Logger:           logger,
		},
		MaxResidentActors:   cfg.Metering.MaxResidentActors,
		OrphanSweepInterval: config.ParseDuration(cfg.Metering.OrphanSweepInterval, usage.DefaultOrphanSweepInterval),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize usage registry: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry.Start(ctx)

	// Initialize retention scheduler
	var retention *usage.RetentionScheduler
	if reports != nil && cfg.Reporting.SessionRetentionDays > 0 {
		retention, err = usage.NewRetentionScheduler(
			reports,
			cfg.Reporting.RetentionRunTime,
			cfg.Reporting.SessionRetentionDays,
			clock,
			logger,
		)
		if err != nil {
			return fmt.Errorf("failed to initialize retention scheduler: %w", err)
		}
		retention.Start()
	}

	var ready atomic.Bool

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, ready.Load, logger)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	// Initialize API Server
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(api.Config{
			ListenAddr:   fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort),
			WebhookToken: cfg.API.WebhookToken,
		}, registry, logger)

		if sdListeners.Activated && sdListeners.API != nil {
			apiServer.SetListener(sdListeners.API)
		}

		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API Server: %w", err)
		}
	}

	ready.Store(true)

	logger.Info().Msg("minutemeter startup complete")
	if cfg.API.Enabled {
		logger.Info().Msgf("API: http://%s:%d/v1", cfg.Server.BindAddress, cfg.Server.APIPort)
	}
	logger.Info().Msgf("Metrics: http://%s:%d/metrics", cfg.Server.BindAddress, cfg.Server.MetricsPort)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	go runWatchdog(ctx, logger)

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, reloading log level...")
			reloadLogLevel(logger)
			continue
		}
		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	ready.Store(false)

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping API Server")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Actors finish queued operations before their final state is replicated.
	if err := registry.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping usage actors")
	}

	if retention != nil {
		retention.Stop()
	}

	if writer != nil {
		if err := writer.Close(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error flushing reporting writes")
		}
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("minutemeter stopped")

	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "redis", "":
		return redis.Open(cfg.Redis)
	case "bolt":
		return bolt.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (must be redis or bolt)", cfg.Type)
	}
}

// openReporting returns the report store selected by cfg, or nil when
// reporting is disabled. The returned close function is always non-nil.
func openReporting(cfg config.ReportingConfig, store storage.Store, logger zerolog.Logger) (storage.ReportStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Type {
	case "storage", "":
		return store.Reports(), noop, nil
	case "none":
		return nil, noop, nil
	case "postgres":
		if cfg.AutoMigrate {
			m, err := postgres.OpenMigrator(cfg, logger)
			if err != nil {
				return nil, nil, err
			}
			err = m.Up()
			_ = m.Close()
			if err != nil {
				return nil, nil, err
			}
		}

		pg, err := postgres.Open(cfg)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported reporting type: %s (must be storage, postgres or none)", cfg.Type)
	}
}

// runWatchdog pings the systemd watchdog at half its interval until ctx ends.
func runWatchdog(ctx context.Context, logger zerolog.Logger) {
	interval, err := systemd.WatchdogInterval()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to query systemd watchdog")
		return
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		}
	}
}

// reloadLogLevel re-reads the configuration and applies its log level.
func reloadLogLevel(logger zerolog.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to reload configuration")
		return
	}
	zerolog.SetGlobalLevel(parseLevel(cfg.Logging.Level))
	logger.Info().Str("level", cfg.Logging.Level).Msg("Log level reloaded")
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
