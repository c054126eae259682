// Package ledger is the in-process Inventory Ledger.
//
// Units are partitioned across shards by a hash of their id. Each shard owns its
// units and serializes mutations on them, so unrelated units never contend.
package ledger

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/reservation-allocator/internal/domain"
	"github.com/robertarktes/reservation-allocator/internal/observability"
	"github.com/robertarktes/reservation-allocator/internal/txn"
)

const DefaultShards = 32

type shard struct {
	mu    sync.Mutex
	units map[string]*domain.ResourceUnit
}

type Ledger struct {
	shards []*shard
	logger observability.Logger
}

func New(shards int, logger observability.Logger) *Ledger {
	if shards <= 0 {
		shards = DefaultShards
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	l := &Ledger{shards: make([]*shard, shards), logger: logger}
	for i := range l.shards {
		l.shards[i] = &shard{units: make(map[string]*domain.ResourceUnit)}
	}
	return l
}

func (l *Ledger) shardFor(unitID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(unitID))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Register creates a unit or sets its total capacity. The total may not drop
// below what is currently held plus confirmed.
func (l *Ledger) Register(ctx context.Context, unitID string, total int) (domain.ResourceUnit, error) {
	if unitID == "" || total < 0 {
		return domain.ResourceUnit{}, errors.Wrapf(domain.ErrInvalidInput, "unit %q total %d", unitID, total)
	}
	s := l.shardFor(unitID)
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[unitID]
	if !ok {
		u = &domain.ResourceUnit{ID: unitID}
		s.units[unitID] = u
	}
	if total < u.Held+u.Confirmed {
		return *u, errors.Wrapf(domain.ErrInvalidInput, "unit %s has %d allocated, cannot shrink to %d", unitID, u.Held+u.Confirmed, total)
	}
	u.Total = total
	return *u, nil
}

func (l *Ledger) Reserve(ctx context.Context, unitID string, quantity int) error {
	if quantity <= 0 {
		return errors.Wrapf(domain.ErrInvalidQuantity, "reserve %d", quantity)
	}
	err := l.mutate(unitID, func(u *domain.ResourceUnit) error {
		if u.Available() < quantity {
			return errors.Wrapf(domain.ErrInsufficientCapacity, "unit %s: available %d, requested %d", unitID, u.Available(), quantity)
		}
		u.Held += quantity
		return nil
	})
	if err != nil {
		return err
	}
	txn.OnRollback(ctx, func() {
		l.restore(unitID, func(u *domain.ResourceUnit) { u.Held -= quantity })
	})
	return nil
}

// Release returns held capacity to the free pool.
func (l *Ledger) Release(ctx context.Context, unitID string, quantity int) error {
	err := l.mutate(unitID, func(u *domain.ResourceUnit) error {
		if quantity <= 0 || u.Held < quantity {
			return l.breach("release", u, quantity)
		}
		u.Held -= quantity
		return nil
	})
	if err != nil {
		return err
	}
	txn.OnRollback(ctx, func() {
		l.restore(unitID, func(u *domain.ResourceUnit) { u.Held += quantity })
	})
	return nil
}

// ReleaseConfirmed returns confirmed capacity to the free pool.
func (l *Ledger) ReleaseConfirmed(ctx context.Context, unitID string, quantity int) error {
	err := l.mutate(unitID, func(u *domain.ResourceUnit) error {
		if quantity <= 0 || u.Confirmed < quantity {
			return l.breach("release confirmed", u, quantity)
		}
		u.Confirmed -= quantity
		return nil
	})
	if err != nil {
		return err
	}
	txn.OnRollback(ctx, func() {
		l.restore(unitID, func(u *domain.ResourceUnit) { u.Confirmed += quantity })
	})
	return nil
}

// Promote moves held capacity to confirmed.
func (l *Ledger) Promote(ctx context.Context, unitID string, quantity int) error {
	err := l.mutate(unitID, func(u *domain.ResourceUnit) error {
		if quantity <= 0 || u.Held < quantity {
			return l.breach("promote", u, quantity)
		}
		u.Held -= quantity
		u.Confirmed += quantity
		return nil
	})
	if err != nil {
		return err
	}
	txn.OnRollback(ctx, func() {
		l.restore(unitID, func(u *domain.ResourceUnit) {
			u.Confirmed -= quantity
			u.Held += quantity
		})
	})
	return nil
}

func (l *Ledger) Available(ctx context.Context, unitID string) (int, error) {
	u, err := l.Unit(ctx, unitID)
	if err != nil {
		return 0, err
	}
	return u.Available(), nil
}

func (l *Ledger) Unit(ctx context.Context, unitID string) (domain.ResourceUnit, error) {
	s := l.shardFor(unitID)
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[unitID]
	if !ok {
		return domain.ResourceUnit{}, errors.Wrapf(domain.ErrUnitNotFound, "unit %s", unitID)
	}
	return *u, nil
}

func (l *Ledger) mutate(unitID string, fn func(u *domain.ResourceUnit) error) error {
	s := l.shardFor(unitID)
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[unitID]
	if !ok {
		return errors.Wrapf(domain.ErrUnitNotFound, "unit %s", unitID)
	}
	return fn(u)
}

// restore applies a compensation. Compensations undo a mutation that already
// succeeded under the same shard, so they cannot violate the invariant.
func (l *Ledger) restore(unitID string, fn func(u *domain.ResourceUnit)) {
	s := l.shardFor(unitID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.units[unitID]; ok {
		fn(u)
	}
}

func (l *Ledger) breach(op string, u *domain.ResourceUnit, quantity int) error {
	observability.LedgerInvariantBreaches.Inc()
	l.logger.
		WithField("unit_id", u.ID).
		WithField("op", op).
		WithField("quantity", quantity).
		WithField("held", u.Held).
		WithField("confirmed", u.Confirmed).
		Error("ledger invariant breach")
	return errors.Wrapf(domain.ErrInvariantBreach, "%s %d on unit %s (held=%d confirmed=%d)", op, quantity, u.ID, u.Held, u.Confirmed)
}
