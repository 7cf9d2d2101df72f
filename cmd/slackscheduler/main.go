package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"slackscheduler/internal/cache"
	"slackscheduler/internal/config"
	"slackscheduler/internal/constants"
	"slackscheduler/internal/database"
	"slackscheduler/internal/events"
	"slackscheduler/internal/migrations"
	"slackscheduler/internal/models"
	"slackscheduler/internal/retry"
	"slackscheduler/internal/service"
	"slackscheduler/internal/tracing"
	"slackscheduler/pkg/slack"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	envFile    = flag.String("env-file", ".env", "Path to an optional .env file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("slackscheduler %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting slackscheduler")

	if err := config.LoadEnvFile(*envFile); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	setupLogger(logger, cfg.LogLevel, *verbose)

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	if cfg.Database.MigrationsDir != "" {
		migrations.MigrationsDir = cfg.Database.MigrationsDir
	}

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	timeout := time.Duration(cfg.Slack.TimeoutSec) * time.Second
	slackClient := slack.NewClient(cfg.Slack.APIBaseURL, slack.NewHTTPTransport(&http.Client{}, timeout), logger)
	clock := service.NewRealClock()

	credentials := service.NewCredentialService(db, slackClient, service.OAuthConfig{
		ClientID:         cfg.Slack.ClientID,
		ClientSecret:     cfg.Slack.ClientSecret,
		RedirectURI:      cfg.Slack.RedirectURI,
		ExchangeAttempts: constants.DefaultOAuthExchangeAttempts,
		ExchangeWait:     time.Duration(constants.DefaultOAuthExchangeWaitMs) * time.Millisecond,
	}, clock, logger)

	delivery := service.NewDeliveryClient(slackClient, credentials, service.DeliveryConfig{
		DefaultWorkspace: cfg.Slack.DefaultWorkspace,
		TransportRetries: cfg.Slack.TransportRetries,
		Backoff:          time.Duration(cfg.Slack.BackoffMs) * time.Millisecond,
	}, logger)

	engine := service.NewEngine(db, delivery, clock, logger)

	if cfg.Redis.Addr != "" {
		rdb, err := cache.NewClient(ctx, cfg.Redis)
		if err != nil {
			logger.Warnf("Sent-message cache disabled: %v", err)
		} else {
			defer rdb.Close()
			engine.SetSentCache(cache.NewSentCache(rdb, time.Duration(cfg.Redis.TTLSeconds)*time.Second))
			logger.WithField("addr", cfg.Redis.Addr).Info("Sent-message cache enabled")
		}
	}

	hub := events.NewHub(logger, originPatterns(cfg.ClientURL))
	engine.SetNotifier(hub)

	if err := engine.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover scheduled messages: %w", err)
	}

	cleanup := service.NewCleanupScheduler(db, cfg.RetentionDays, constants.CleanupSchedulerIntervalHours, logger)
	go cleanup.Start(ctx)
	defer cleanup.Stop()

	monitor := service.NewOverdueMonitor(db, clock,
		time.Duration(cfg.Overdue.CheckIntervalSec)*time.Second,
		time.Duration(cfg.Overdue.ThresholdSec)*time.Second,
		logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	server := NewServer(cfg, ServerDeps{
		Scheduler: engine,
		Channels:  delivery,
		Auth:      credentials,
		Health:    db,
		Events:    hub,
	}, logger, *verbose)

	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		_ = engine.Shutdown(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.GracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Deliveries still in flight at shutdown: %v", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

// setupLogger applies the configured level. Verbose mode forces debug; otherwise the
// level is capped at info so tokens and message text never reach debug output.
func setupLogger(logger *logrus.Logger, level string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
		return
	}
	if level == "" {
		logger.SetLevel(logrus.InfoLevel)
		return
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", level)
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	if parsed > logrus.InfoLevel {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}

// openDatabase retries initialization with exponential backoff
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path, &cfg.Retry)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}

// originPatterns lists the hosts allowed to open the status websocket
func originPatterns(clientURL string) []string {
	if clientURL == "" {
		return nil
	}
	u, err := url.Parse(clientURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}
