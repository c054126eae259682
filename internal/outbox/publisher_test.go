package outbox_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/reservation-allocator/internal/adapters/crdb"
	"github.com/robertarktes/reservation-allocator/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSource struct {
	mu        sync.Mutex
	records   []crdb.OutboxRecord
	published map[uuid.UUID]bool
}

func (s *memSource) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *memSource) Unpublished(ctx context.Context, limit int) ([]crdb.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crdb.OutboxRecord
	for _, r := range s.records {
		if !s.published[r.ID] && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memSource) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published[id] = true
	return nil
}

type recordingSink struct {
	keys   []string
	failOn string
}

func (s *recordingSink) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	if string(msg.Body) == s.failOn {
		return errors.New("channel closed")
	}
	s.keys = append(s.keys, key+"/"+msg.MessageId)
	return nil
}

func record(eventType, dedupe, body string) crdb.OutboxRecord {
	return crdb.OutboxRecord{
		ID:        uuid.New(),
		EventType: eventType,
		DedupeKey: dedupe,
		Payload:   []byte(body),
		CreatedAt: time.Now().Add(-time.Second),
		Status:    "NEW",
	}
}

func TestPublisher_RelayOnce(t *testing.T) {
	src := &memSource{
		published: map[uuid.UUID]bool{},
		records: []crdb.OutboxRecord{
			record("reservation.held", "r-1:1", "a"),
			record("reservation.confirmed", "r-1:2", "b"),
			record("reservation.held", "r-2:1", "c"),
		},
	}
	sink := &recordingSink{}
	p := outbox.NewPublisher(src, sink, nil, time.Second, 2)

	n, err := p.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"reservation.held/r-1:1", "reservation.confirmed/r-1:2"}, sink.keys)

	n, err = p.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = p.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPublisher_StopsAtFirstFailure(t *testing.T) {
	src := &memSource{
		published: map[uuid.UUID]bool{},
		records: []crdb.OutboxRecord{
			record("reservation.held", "r-1:1", "ok"),
			record("reservation.cancelled", "r-1:2", "broken"),
			record("reservation.held", "r-2:1", "ok"),
		},
	}
	sink := &recordingSink{failOn: "broken"}
	p := outbox.NewPublisher(src, sink, nil, time.Second, 10)

	n, err := p.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, src.published[src.records[0].ID])
	assert.False(t, src.published[src.records[1].ID])
	assert.False(t, src.published[src.records[2].ID])
}
