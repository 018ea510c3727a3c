/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the carpool value engine. Handles
  configuration, dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment (.env honored in dev)
  2. Configure structured logging
  3. Open the SQLite store
  4. Wire ledger -> allocator -> coordinator -> services
  5. Start the HTTP server and the orphan-release scheduler
  6. Shut both down gracefully on SIGINT/SIGTERM

ENVIRONMENT:
  PORT                HTTP port (default 8080)
  ENV                 development | production
  DB_PATH             SQLite path, ":memory:" supported (default carpool.db)
  ALLOWED_ORIGINS     Comma-separated CORS origins
  RECONCILE_INTERVAL  Orphan sweep period (default 5m)
  RECONCILE_GRACE     Hold age before it counts as orphaned (default 15m)
  LOG_LEVEL           zerolog level (default info)

SEE ALSO:
  - api/server.go: Router configuration
  - config: Environment loading
*/
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/verdant/carpool-engine/api"
	"github.com/verdant/carpool-engine/booking"
	"github.com/verdant/carpool-engine/config"
	"github.com/verdant/carpool-engine/inventory"
	"github.com/verdant/carpool-engine/ledger"
	"github.com/verdant/carpool-engine/notify"
	"github.com/verdant/carpool-engine/progression"
	"github.com/verdant/carpool-engine/redeem"
	"github.com/verdant/carpool-engine/spend"
	"github.com/verdant/carpool-engine/store/sqlite"
)

func main() {
	cfg := config.Load()

	logger := newLogger(cfg)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("db_path", cfg.DBPath).Msg("failed to open database")
	}
	defer store.Close()

	// Core wiring: the ledger and projector share the store; every debit
	// goes through the coordinator; every counter through the allocator.
	lg := ledger.New(store)
	projector := ledger.NewProjector(store)
	coordinator := spend.NewCoordinator(lg, projector).WithLogger(logger)
	allocator := inventory.NewAllocator(store, store, store)
	notifier := notify.NewLogDispatcher(logger)

	prog := progression.NewEngine(progression.DefaultCatalog(), store, store, projector, coordinator)
	bookings := booking.NewService(store, store, store, allocator, coordinator, prog, notifier, logger)
	redemptions := redeem.NewService(store, store, allocator, coordinator, notifier, logger)

	handler := api.NewHandler(lg, projector, coordinator, bookings, redemptions, prog,
		store, store, store, store, store, logger)
	router := api.NewRouter(handler, cfg.AllowedOrigins)

	reconciler := inventory.NewReconciler(allocator, cfg.ReconcileGrace, logger)
	scheduler := api.NewReconcileScheduler(reconciler, cfg.ReconcileInterval, logger)
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("forced shutdown")
	}

	logger.Info().Msg("server stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.Env == "development" || cfg.Env == "dev" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}
	return logger
}
