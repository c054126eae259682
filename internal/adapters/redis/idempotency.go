package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const idempotencyPrefix = "resv:idemp:"

// Idempotency stores rendered responses by request key.
type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

type IdempResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

func (i *Idempotency) Get(ctx context.Context, key string) (*IdempResponse, error) {
	val, err := i.client.Get(ctx, idempotencyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get")
	}
	var resp IdempResponse
	if err := json.Unmarshal(val, &resp); err != nil {
		return nil, errors.Wrap(err, "decode stored response")
	}
	return &resp, nil
}

// Set keeps the first stored response; later writes for the same key are dropped.
func (i *Idempotency) Set(ctx context.Context, key string, resp IdempResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "encode response")
	}
	if err := i.client.SetNX(ctx, idempotencyPrefix+key, data, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis setnx")
	}
	return nil
}
