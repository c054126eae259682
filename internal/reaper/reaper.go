// Package reaper finalizes holds that outlived their deadline.
//
// A Reaper drives Engine.Expire for every overdue hold on a fixed interval. It keeps
// no state between ticks, so any number of reapers may run against the same store.
package reaper

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/reservation-allocator/internal/domain"
	"github.com/robertarktes/reservation-allocator/internal/observability"
	"golang.org/x/sync/errgroup"
)

// Expirer is the slice of the engine the reaper needs.
type Expirer interface {
	FindExpiredHolds(ctx context.Context, now time.Time) iter.Seq2[domain.Reservation, error]
	Expire(ctx context.Context, id string) (domain.Reservation, error)
	Now() time.Time
}

const (
	DefaultInterval    = 5 * time.Second
	DefaultConcurrency = 8
)

type Reaper struct {
	engine      Expirer
	logger      observability.Logger
	interval    time.Duration
	concurrency int
}

// Stats summarizes one tick.
type Stats struct {
	Scanned int
	Expired int
	Skipped int
	Failed  int
}

type Option func(*Reaper)

func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithConcurrency(n int) Option {
	return func(r *Reaper) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func New(engine Expirer, logger observability.Logger, opts ...Option) *Reaper {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	r := &Reaper{
		engine:      engine,
		logger:      logger,
		interval:    DefaultInterval,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ticks until ctx is cancelled. A failed tick is logged and the next one
// starts on schedule.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.WithField("interval", r.interval.String()).Info("reaper started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			stats, err := r.Tick(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.WithError(err).Error("reaper tick failed")
			}
			if stats.Scanned > 0 {
				r.logger.
					WithField("scanned", stats.Scanned).
					WithField("expired", stats.Expired).
					WithField("skipped", stats.Skipped).
					WithField("failed", stats.Failed).
					Info("reaper tick")
			}
		}
	}
}

// Tick expires every hold due at the engine's current time. Individual outcomes
// never abort the batch; only a failed scan is returned as an error.
func (r *Reaper) Tick(ctx context.Context) (Stats, error) {
	start := time.Now()
	defer func() { observability.ReaperTickDuration.Observe(time.Since(start).Seconds()) }()

	var (
		mu    sync.Mutex
		stats Stats
		g     errgroup.Group
	)
	g.SetLimit(r.concurrency)

	var scanErr error
	for rec, err := range r.engine.FindExpiredHolds(ctx, r.engine.Now()) {
		if err != nil {
			scanErr = errors.Wrap(err, "scan expired holds")
			break
		}
		stats.Scanned++
		id := rec.ID
		g.Go(func() error {
			outcome := r.expire(ctx, id)
			observability.ReaperExpired.WithLabelValues(outcome).Inc()
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case "expired":
				stats.Expired++
			case "skipped":
				stats.Skipped++
			default:
				stats.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return stats, scanErr
}

func (r *Reaper) expire(ctx context.Context, id string) string {
	_, err := r.engine.Expire(ctx, id)
	log := r.logger.WithField("reservation_id", id)
	switch {
	case err == nil:
		log.Debug("hold expired")
		return "expired"
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrNotFound):
		// confirmed or cancelled by someone else since the scan
		log.WithError(err).Debug("hold no longer expirable")
		return "skipped"
	case domain.KindOf(err) == domain.KindConflict:
		log.WithError(err).Warn("hold expiry lost to concurrent writers, retrying next tick")
		return "conflict"
	default:
		log.WithError(err).Error("hold expiry failed")
		return "error"
	}
}
