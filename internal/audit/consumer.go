// Package audit consumes transition events from the broker and records them.
package audit

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/reservation-allocator/internal/domain"
	"github.com/robertarktes/reservation-allocator/internal/observability"
	"golang.org/x/sync/errgroup"
)

type Sink interface {
	LogEvent(ctx context.Context, ev domain.Event) error
}

type Consumer struct {
	sink    Sink
	logger  observability.Logger
	workers int
}

func NewConsumer(sink Sink, logger observability.Logger, workers int) *Consumer {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{sink: sink, logger: logger, workers: workers}
}

// Run handles deliveries until ctx is done or the channel closes.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					c.Handle(ctx, d)
				}
			}
		})
	}
	return g.Wait()
}

// Handle acks a stored event, rejects a malformed one and requeues on sink failure.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	log := c.logger.WithField("message_id", d.MessageId).WithField("routing_key", d.RoutingKey)

	var ev domain.Event
	if err := json.Unmarshal(d.Body, &ev); err != nil || ev.ID == "" {
		if err == nil {
			err = errors.New("event without id")
		}
		log.WithError(err).Warn("dropping malformed event")
		_ = d.Reject(false)
		return
	}

	if err := c.sink.LogEvent(ctx, ev); err != nil {
		log.WithError(err).Error("audit write failed, requeueing")
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	_ = d.Ack(false)
}
