package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/reservation-allocator/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/reservation-allocator/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/reservation-allocator/internal/adapters/redis"
	"github.com/robertarktes/reservation-allocator/internal/config"
	"github.com/robertarktes/reservation-allocator/internal/engine"
	httphandler "github.com/robertarktes/reservation-allocator/internal/http"
	"github.com/robertarktes/reservation-allocator/internal/idempotency"
	"github.com/robertarktes/reservation-allocator/internal/ledger"
	"github.com/robertarktes/reservation-allocator/internal/observability"
	"github.com/robertarktes/reservation-allocator/internal/rateLimit"
	"github.com/robertarktes/reservation-allocator/internal/reaper"
	"github.com/robertarktes/reservation-allocator/internal/store"
	"github.com/robertarktes/reservation-allocator/internal/txn"
	"github.com/robertarktes/reservation-allocator/migrations"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg.OTLPEndpoint, "resv-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)
	checks := map[string]httphandler.Pinger{}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMaxAttempts(cfg.MaxAttempts),
		engine.WithDefaultHoldDuration(cfg.HoldTTL),
		engine.WithMaxHoldDuration(cfg.MaxHoldTTL),
	}

	var eng *engine.Engine
	switch cfg.Backend {
	case config.BackendCRDB:
		pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
		if err != nil {
			log.Fatalf("failed to connect to crdb: %v", err)
		}
		defer pool.Close()
		if err := migrations.Apply(ctx, pool); err != nil {
			log.Fatalf("failed to apply migrations: %v", err)
		}
		repo := crdb.NewRepository(pool, logger)
		opts = append(opts, engine.WithJournal(crdb.NewOutbox(repo)))
		eng = engine.New(crdb.NewLedger(repo), crdb.NewStore(repo), repo, opts...)
		checks["crdb"] = repo
	default:
		eng = engine.New(ledger.New(cfg.LedgerShards, logger), store.New(), txn.NewManager(), opts...)
		// No separate expiry worker can reach an in-process ledger.
		r := reaper.New(eng, logger,
			reaper.WithInterval(cfg.ReaperInterval),
			reaper.WithConcurrency(cfg.ReaperConcurrency))
		go r.Run(ctx)
	}

	var (
		idemp   *idempotency.Idempotency
		rl      *rateLimit.RateLimiter
		catalog httphandler.Catalog
	)
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		cache := redisadapter.NewCache(redisClient)
		idemp = idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL)
		rl = rateLimit.NewRateLimiter(cache, logger)
		checks["redis"] = cache
	}
	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		catalog = mongoadapter.NewCatalogRepository(mongoClient.Database(cfg.MongoDB), logger)
		checks["mongo"] = pingFunc(func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) })
	}

	handlers := httphandler.NewHandlers(eng, idemp, catalog, logger, checks)
	r := httphandler.SetupRouter(handlers, logger, rl, cfg.RateLimitPerMinute)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).WithField("backend", cfg.Backend).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down api")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
	logger.Info("api exited")
}
