package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/reservation-allocator/internal/domain"
	"github.com/robertarktes/reservation-allocator/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AuditLogger appends reservation transitions to the audit_logs collection.
type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID             string    `bson:"_id"`
	Action         string    `bson:"action"`
	ReservationID  string    `bson:"reservation_id"`
	ResourceUnitID string    `bson:"resource_unit_id"`
	Timestamp      time.Time `bson:"timestamp"`
	RecordedAt     time.Time `bson:"recorded_at"`
	Data           bson.M    `bson:"data"`
}

// EnsureIndexes creates the lookup index for a reservation's history.
func (a *AuditLogger) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "reservation_id", Value: 1}, {Key: "timestamp", Value: 1}},
		Options: options.Index().SetName("reservation_history"),
	})
	return errors.Wrap(err, "create audit index")
}

// LogEvent is keyed by event id, so a redelivered event is stored once.
func (a *AuditLogger) LogEvent(ctx context.Context, ev domain.Event) error {
	log := AuditLog{
		ID:             ev.ID,
		Action:         ev.Type,
		ReservationID:  ev.ReservationID,
		ResourceUnitID: ev.ResourceUnitID,
		Timestamp:      ev.OccurredAt,
		RecordedAt:     time.Now().UTC(),
		Data: bson.M{
			"from":     string(ev.From),
			"to":       string(ev.To),
			"quantity": ev.Quantity,
			"version":  ev.Version,
		},
	}
	_, err := a.coll.InsertOne(ctx, log)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		a.logger.WithError(err).WithField("event_id", ev.ID).Error("failed to insert audit log")
		return errors.Wrap(err, "insert audit log")
	}
	return nil
}
