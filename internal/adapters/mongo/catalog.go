package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/reservation-allocator/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CatalogRepository holds descriptive data about resource units. Capacity lives in
// the ledger; the catalog copy of the total is informational.
type CatalogRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("resource_units"),
		logger: logger,
	}
}

type UnitDoc struct {
	ID            string    `bson:"_id"`
	Name          string    `bson:"name"`
	TotalCapacity int       `bson:"total_capacity"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

func (c *CatalogRepository) GetUnit(ctx context.Context, id string) (*UnitDoc, error) {
	var unit UnitDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&unit)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		c.logger.WithError(err).WithField("unit_id", id).Error("failed to get unit")
		return nil, errors.Wrap(err, "get unit")
	}
	return &unit, nil
}

func (c *CatalogRepository) UpsertUnit(ctx context.Context, id, name string, total int) error {
	now := time.Now().UTC()
	_, err := c.coll.UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{
			"$set":         bson.M{"name": name, "total_capacity": total, "updated_at": now},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		c.logger.WithError(err).WithField("unit_id", id).Error("failed to upsert unit")
		return errors.Wrap(err, "upsert unit")
	}
	return nil
}
