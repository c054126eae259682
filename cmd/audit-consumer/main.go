package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	mongoadapter "github.com/robertarktes/reservation-allocator/internal/adapters/mongo"
	"github.com/robertarktes/reservation-allocator/internal/adapters/rabbit"
	"github.com/robertarktes/reservation-allocator/internal/audit"
	"github.com/robertarktes/reservation-allocator/internal/config"
	"github.com/robertarktes/reservation-allocator/internal/observability"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	auditQueue    = "resv.audit"
	auditPrefetch = 32
	auditWorkers  = 4
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.RabbitURL == "" || cfg.MongoURI == "" {
		log.Fatalf("audit consumer needs RABBIT_URL and MONGO_URI")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg.OTLPEndpoint, "resv-audit-consumer")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	auditLog := mongoadapter.NewAuditLogger(mongoClient.Database(cfg.MongoDB), logger)
	if err := auditLog.EnsureIndexes(ctx); err != nil {
		log.Fatalf("failed to create audit indexes: %v", err)
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	consumer, err := rabbit.NewConsumer(conn, auditQueue, auditPrefetch, "reservation.#")
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	defer consumer.Close()

	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		log.Fatalf("failed to start consuming: %v", err)
	}

	logger.WithField("queue", auditQueue).Info("audit consumer started")
	if err := audit.NewConsumer(auditLog, logger, auditWorkers).Run(ctx, deliveries); err != nil {
		logger.WithError(err).Error("audit consumer stopped")
	}
	logger.Info("audit consumer exited")
}
