// Package outbox relays committed transition events from the outbox table to the broker.
package outbox

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/reservation-allocator/internal/adapters/crdb"
	"github.com/robertarktes/reservation-allocator/internal/observability"
)

type Source interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Unpublished(ctx context.Context, limit int) ([]crdb.OutboxRecord, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
}

type Sink interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Publisher struct {
	source   Source
	sink     Sink
	logger   observability.Logger
	interval time.Duration
	batch    int
	retries  int
}

func NewPublisher(source Source, sink Sink, logger observability.Logger, interval time.Duration, batch int) *Publisher {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Publisher{source: source, sink: sink, logger: logger, interval: interval, batch: batch, retries: 3}
}

func (p *Publisher) Run(ctx context.Context) {
	p.logger.Info("outbox publisher started")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox publisher stopped")
			return
		case <-ticker.C:
			n, err := p.RelayOnce(ctx)
			if err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Error("outbox relay failed")
				continue
			}
			if n > 0 {
				p.logger.WithField("published", n).Debug("outbox relayed")
			}
		}
	}
}

// RelayOnce claims a batch, publishes it in order and marks what went out. It stops
// at the first record the broker does not accept so ordering per reservation holds;
// that record and the rest stay NEW for the next pass.
func (p *Publisher) RelayOnce(ctx context.Context) (int, error) {
	published := 0
	err := p.source.WithTx(ctx, func(ctx context.Context) error {
		records, err := p.source.Unpublished(ctx, p.batch)
		if err != nil {
			return err
		}
		if len(records) > 0 {
			observability.OutboxLag.Set(time.Since(records[0].CreatedAt).Seconds())
		} else {
			observability.OutboxLag.Set(0)
		}

		for _, rec := range records {
			if err := p.publish(ctx, rec); err != nil {
				p.logger.WithError(err).WithField("outbox_id", rec.ID.String()).Warn("outbox publish failed")
				return nil
			}
			if err := p.source.MarkPublished(ctx, rec.ID, time.Now().UTC()); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "relay outbox")
	}
	return published, nil
}

func (p *Publisher) publish(ctx context.Context, rec crdb.OutboxRecord) error {
	msg := amqp.Publishing{
		MessageId:    rec.DedupeKey,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    rec.CreatedAt,
		Type:         rec.EventType,
		Body:         rec.Payload,
	}
	var err error
	for i := 0; i < p.retries; i++ {
		if err = p.sink.Publish(ctx, rec.EventType, msg); err == nil {
			return nil
		}
		if i == p.retries-1 {
			break
		}
		observability.RabbitPublishRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(1<<i) * 100 * time.Millisecond):
		}
	}
	return errors.Wrapf(err, "failed after %d attempts", p.retries)
}
