/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the allowance and billing engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, config.yaml, environment)
  2. Apply command-line overrides
  3. Open the configured store (memory, sqlite or postgres)
  4. Build the lifecycle, API handler and router
  5. Start the year reset scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides SERVER_PORT)
  -db      SQLite database path (overrides DATABASE_SQLITE_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (server.shutdown_timeout)
  3. Stop the scheduler
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/billing.db"

  # Run against PostgreSQL
  DATABASE_DRIVER=postgres DATABASE_DSN="postgres://..." ./server

SEE ALSO:
  - config/config.go: All settings and their env vars
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/warp/allowance-engine/api"
	"github.com/warp/allowance-engine/billing"
	"github.com/warp/allowance-engine/billing/store"
	"github.com/warp/allowance-engine/config"
	"github.com/warp/allowance-engine/logging"
	"github.com/warp/allowance-engine/store/postgres"
	"github.com/warp/allowance-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Driver = config.DriverSQLite
		cfg.Database.SQLitePath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()

	// Initialize store
	txStore, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer closeStore()

	// Initialize lifecycle
	lc := billing.NewLifecycle(txStore)
	lc.Calculator = cfg.Billing.Calculator()
	lc.Location = cfg.Billing.Location
	lc.MaxRetries = cfg.Billing.MaxConflictRetries
	lc.Logger = logger.With().Str("component", "lifecycle").Logger()

	// Initialize handler and router
	handler := api.NewHandler(lc, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORS.Origins(),
		CORSMaxAge:     cfg.CORS.MaxAge,
	})

	// Start year reset scheduler
	scheduler := api.NewYearResetScheduler(lc, logger)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.Interval = cfg.Scheduler.Interval
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("driver", cfg.Database.Driver).
			Str("compensation_rule", cfg.Billing.CompensationRule).
			Str("timezone", cfg.Billing.Timezone).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("server stopped")
	return nil
}

// openStore opens the configured backend and returns it with its closer.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (billing.TxStore, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn().Msg("using in-memory store, data is lost on exit")
		return store.NewMemory(), func() {}, nil

	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info().Int32("max_conns", pool.Config().MaxConns).Msg("postgres ready")
		return postgres.New(pool), pool.Close, nil

	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("sqlite ready")
		return s, func() { s.Close() }, nil
	}
}
