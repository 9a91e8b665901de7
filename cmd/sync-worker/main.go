package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/doctor-booking/internal/calsync"
	"github.com/hackgods/doctor-booking/internal/config"
	"github.com/hackgods/doctor-booking/internal/db"
	"github.com/hackgods/doctor-booking/internal/idempotency"
	"github.com/hackgods/doctor-booking/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg, "sync-worker")
	logger.Info().
		Dur("interval", cfg.SyncInterval).
		Int("concurrency", cfg.SyncConcurrency).
		Int("max_attempts", cfg.SyncMaxAttempts).
		Msg("sync-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, "sync-worker", int32(cfg.SyncConcurrency)+2)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	var provider calsync.Provider
	if cfg.CalendarAPIURL != "" {
		provider = calsync.NewHTTPProvider(cfg.CalendarAPIURL, cfg.CalendarAPIToken, nil)
		logger.Info().Str("calendar_api", cfg.CalendarAPIURL).Msg("using HTTP calendar provider")
	} else {
		provider = calsync.LogProvider{Logger: logger.With().Str("component", "calendar_provider").Logger()}
		logger.Warn().Msg("CALENDAR_API_URL not set, calendar calls are only logged")
	}

	worker := calsync.NewWorker(calsync.NewPgRepository(pgPool), provider, calsync.WorkerConfig{
		BatchSize:   cfg.SyncBatchSize,
		Concurrency: cfg.SyncConcurrency,
		MaxAttempts: cfg.SyncMaxAttempts,
		CallTimeout: cfg.SyncCallTimeout,
		StaleAfter:  cfg.SyncStaleAfter,
		Backoff:     calsync.BackoffSchedule{Base: cfg.SyncBackoffBase, Max: cfg.SyncBackoffMax},
	}, logger)
	idem := idempotency.NewService(idempotency.NewPgRepository(pgPool), cfg.IdempotencyTTL)

	worker.Run(rootCtx, cfg.SyncInterval, func(ctx context.Context, stats calsync.Stats) {
		afterPass(ctx, logger, stats, idem)
	})
	logger.Info().Msg("shutdown signal received, sync worker stopped")
}

// afterPass purges dead idempotency keys and reports the pass.
func afterPass(ctx context.Context, logger zerolog.Logger, stats calsync.Stats, idem *idempotency.Service) {
	purgeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	purged, err := idem.PurgeExpired(purgeCtx)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("purge expired idempotency keys")
	}

	evt := logger.Debug()
	if stats.Claimed > 0 || stats.Reclaimed > 0 || purged > 0 {
		evt = logger.Info()
	}
	evt.
		Int("reclaimed", stats.Reclaimed).
		Int("claimed", stats.Claimed).
		Int("skipped", stats.Skipped).
		Int("completed", stats.Completed).
		Int("retried", stats.Retried).
		Int("failed", stats.Failed).
		Int64("idempotency_purged", purged).
		Msg("sync pass complete")
}
