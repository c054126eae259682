// Package idempotency replays the first rendered response of a hold request.
//
// The engine already resolves a repeated idempotency key to the original
// reservation; this layer returns the original bytes and status without touching
// the engine at all.
package idempotency

import (
	"context"
	"time"

	redisadapter "github.com/robertarktes/reservation-allocator/internal/adapters/redis"
)

// Backend is satisfied by the redis adapter.
type Backend interface {
	Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error)
	Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error
}

type Idempotency struct {
	backend Backend
	ttl     time.Duration
}

func NewIdempotency(backend Backend, ttl time.Duration) *Idempotency {
	return &Idempotency{backend: backend, ttl: ttl}
}

type Response struct {
	Status int
	Result []byte
}

// Get returns nil when nothing is stored for key.
func (i *Idempotency) Get(ctx context.Context, key string) (*Response, error) {
	stored, err := i.backend.Get(ctx, key)
	if err != nil || stored == nil {
		return nil, err
	}
	return &Response{Status: stored.Status, Result: stored.Body}, nil
}

func (i *Idempotency) Set(ctx context.Context, key string, resp Response) error {
	return i.backend.Set(ctx, key, redisadapter.IdempResponse{Status: resp.Status, Body: resp.Result}, i.ttl)
}
