package crdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/reservation-allocator/internal/domain"
)

type OutboxRecord struct {
	ID            uuid.UUID  `db:"id"`
	AggregateType string     `db:"aggregate_type"`
	AggregateID   string     `db:"aggregate_id"`
	EventType     string     `db:"event_type"`
	Payload       []byte     `db:"payload_json"`
	CreatedAt     time.Time  `db:"created_at"`
	PublishedAt   *time.Time `db:"published_at"`
	Status        string     `db:"status"` // NEW, PUBLISHED
	DedupeKey     string     `db:"dedupe_key"`
}

// Outbox is the engine journal. Events are written in the caller's transaction
// and relayed to the broker later by the outbox publisher.
type Outbox struct {
	repo *Repository
}

func NewOutbox(repo *Repository) *Outbox {
	return &Outbox{repo: repo}
}

func (o *Outbox) Append(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	id, err := uuid.Parse(ev.ID)
	if err != nil {
		id = uuid.New()
	}
	return o.Insert(ctx, OutboxRecord{
		ID:            id,
		AggregateType: "reservation",
		AggregateID:   ev.ReservationID,
		EventType:     ev.Type,
		Payload:       payload,
		DedupeKey:     fmt.Sprintf("%s:%d", ev.ReservationID, ev.Version),
	})
}

func (o *Outbox) Insert(ctx context.Context, record OutboxRecord) error {
	_, err := o.repo.exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, status, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, 'NEW', $6)
	`, record.ID, record.AggregateType, record.AggregateID, record.EventType, record.Payload, record.DedupeKey)
	if err != nil {
		return errors.Wrap(err, "insert outbox")
	}
	return nil
}

// Unpublished returns the oldest NEW records. Inside Repository.WithTx the rows stay
// locked until the transaction ends, so concurrent relays skip them.
func (o *Outbox) Unpublished(ctx context.Context, limit int) ([]OutboxRecord, error) {
	rows, err := o.repo.query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload_json, created_at, published_at, status, dedupe_key
		FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query outbox")
	}
	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[OutboxRecord])
	if err != nil {
		return nil, errors.Wrap(err, "scan outbox")
	}
	return records, nil
}

func (o *Outbox) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	_, err := o.repo.exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1
	`, id, publishedAt)
	if err != nil {
		return errors.Wrap(err, "mark outbox published")
	}
	return nil
}

// WithTx lets the relay claim and mark a batch in one transaction.
func (o *Outbox) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return o.repo.WithTx(ctx, fn)
}
