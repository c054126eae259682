package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/reservation-allocator/internal/adapters/crdb"
	"github.com/robertarktes/reservation-allocator/internal/adapters/rabbit"
	"github.com/robertarktes/reservation-allocator/internal/config"
	"github.com/robertarktes/reservation-allocator/internal/observability"
	"github.com/robertarktes/reservation-allocator/internal/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Backend != config.BackendCRDB || cfg.RabbitURL == "" {
		log.Fatalf("outbox publisher needs BACKEND=%s and RABBIT_URL", config.BackendCRDB)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg.OTLPEndpoint, "resv-outbox-publisher")
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

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	rabbitPub, err := rabbit.NewPublisher(conn)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer rabbitPub.Close()

	publisher := outbox.NewPublisher(crdb.NewOutbox(repo), rabbitPub, logger, cfg.OutboxInterval, cfg.OutboxBatch)
	publisher.Run(ctx)
	logger.Info("outbox publisher exited")
}
