/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the finance ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (config.yaml, .env, FINANCE_* environment)
  3. Initialize SQLite store
  4. Build the ledger Manager and notification publisher
  5. Start the recurring scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (default: ./config.yaml if present)
  -port    HTTP server port, overrides config
  -db      SQLite database path, overrides config
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight pass)
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/finance.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Push notifications to SQS
  FINANCE_NOTIFY_DRIVER=sqs FINANCE_NOTIFY_QUEUE_URL=https://... ./server

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/finance-engine/api"
	"github.com/warp/finance-engine/config"
	"github.com/warp/finance-engine/ledger"
	"github.com/warp/finance-engine/notify"
	"github.com/warp/finance-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "Path to YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(cfg.Log.Handler(os.Stdout))
	slog.SetDefault(logger)

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	manager := ledger.NewManager(store,
		ledger.WithLogger(logger),
		ledger.WithMaxDescriptionLength(cfg.Ledger.MaxDescriptionLength),
		ledger.WithMaxAccumulationSteps(cfg.Ledger.MaxAccumulationSteps),
	)

	publisher, err := newPublisher(context.Background(), cfg.Notify, logger)
	if err != nil {
		return err
	}

	scheduler := api.NewRecurringScheduler(manager, publisher, logger)
	scheduler.Enabled = cfg.Recurring.Enabled
	scheduler.CheckInterval = cfg.Recurring.CheckInterval
	scheduler.MaxCatchUp = cfg.Recurring.MaxCatchUp

	handler := api.NewHandler(manager, store, logger.With("component", "api"))
	handler.Scheduler = scheduler
	handler.DefaultPageSize = cfg.Ledger.DefaultPageSize
	handler.MaxPageSize = cfg.Ledger.MaxPageSize

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(handler, logger.With("component", "http"), cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errc:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// newPublisher builds the configured notification driver, rate limited.
func newPublisher(ctx context.Context, cfg config.NotifyConfig, logger *slog.Logger) (notify.Publisher, error) {
	var pub notify.Publisher
	switch cfg.Driver {
	case config.DriverNone:
		return notify.NoOpPublisher{}, nil
	case config.DriverSQS:
		sqsPub, err := notify.NewSQSPublisherFromEnv(ctx, cfg.QueueURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sqs publisher: %w", err)
		}
		pub = sqsPub
	default:
		pub = notify.NewLogPublisher(logger)
	}

	if cfg.RatePerSecond > 0 {
		pub = notify.NewRateLimited(pub, cfg.RatePerSecond, float64(cfg.Burst))
	}
	return pub, nil
}
