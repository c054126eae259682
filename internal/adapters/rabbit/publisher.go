package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const Exchange = "resv.events"

type Publisher struct {
	ch *amqp.Channel
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "declare exchange")
	}
	if err := ch.Confirm(false); err != nil {
		return nil, errors.Wrap(err, "enable publisher confirms")
	}
	return &Publisher{ch: ch}, nil
}

// Publish waits for the broker to confirm the message.
func (p *Publisher) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	conf, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, Exchange, key, false, false, msg)
	if err != nil {
		return errors.Wrapf(err, "publish %s", key)
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return errors.Wrapf(err, "confirm %s", key)
	}
	if !ok {
		return errors.Newf("broker nacked %s", key)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
