package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/reservation-allocator/internal/adapters/crdb"
	"github.com/robertarktes/reservation-allocator/internal/config"
	"github.com/robertarktes/reservation-allocator/internal/engine"
	"github.com/robertarktes/reservation-allocator/internal/observability"
	"github.com/robertarktes/reservation-allocator/internal/reaper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Backend != config.BackendCRDB {
		log.Fatalf("expiry worker needs BACKEND=%s, got %q", config.BackendCRDB, cfg.Backend)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg.OTLPEndpoint, "resv-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool, logger)

	eng := engine.New(crdb.NewLedger(repo), crdb.NewStore(repo), repo,
		engine.WithLogger(logger),
		engine.WithJournal(crdb.NewOutbox(repo)),
		engine.WithMaxAttempts(cfg.MaxAttempts),
	)

	worker := reaper.New(eng, logger,
		reaper.WithInterval(cfg.ReaperInterval),
		reaper.WithConcurrency(cfg.ReaperConcurrency),
	)
	worker.Run(ctx)
	logger.Info("expiry worker exited")
}
