// Package store is the in-process Reservation Store.
//
// Records live in an arena of slots addressed by index; id and idempotency key
// indexes point into it. CompareAndSwap is the only way to change a stored record.
package store

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/reservation-allocator/internal/domain"
	"github.com/robertarktes/reservation-allocator/internal/txn"
)

type Store struct {
	mu      sync.RWMutex
	slots   []domain.Reservation
	free    []int
	byID    map[string]int
	byKey   map[string]int
	pending map[string]bool
}

func New() *Store {
	return &Store{
		byID:    make(map[string]int),
		byKey:   make(map[string]int),
		pending: make(map[string]bool),
	}
}

func keyLock(key string) string {
	return "key:" + key
}

// InsertIfAbsent stores rec unless its idempotency key is taken, in which case
// the existing record is returned with inserted=false. Inside a unit of work the
// key stays locked until the unit ends, and the new record is invisible to
// readers until the unit commits.
func (s *Store) InsertIfAbsent(ctx context.Context, rec domain.Reservation) (domain.Reservation, bool, error) {
	txn.Lock(ctx, keyLock(rec.IdempotencyKey))
	inTx := txn.Active(ctx)

	stored, inserted, err := s.insert(rec, inTx)
	if err != nil || !inserted || !inTx {
		return stored, inserted, err
	}
	txn.OnRollback(ctx, func() { s.remove(rec.ID) })
	txn.OnCommit(ctx, func() { s.settle(rec.ID) })
	return stored, true, nil
}

func (s *Store) insert(rec domain.Reservation, pending bool) (domain.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.byKey[rec.IdempotencyKey]; ok {
		return s.slots[idx], false, nil
	}
	if _, ok := s.byID[rec.ID]; ok {
		return domain.Reservation{}, false, errors.Newf("reservation id %s already stored", rec.ID)
	}

	var idx int
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
		s.slots[idx] = rec
	} else {
		idx = len(s.slots)
		s.slots = append(s.slots, rec)
	}
	s.byID[rec.ID] = idx
	s.byKey[rec.IdempotencyKey] = idx
	if pending {
		s.pending[rec.ID] = true
	}
	return rec, true, nil
}

func (s *Store) settle(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Store) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byKey, s.slots[idx].IdempotencyKey)
	delete(s.byID, id)
	delete(s.pending, id)
	s.slots[idx] = domain.Reservation{}
	s.free = append(s.free, idx)
}

// lookup ignores records whose inserting unit has not committed. Callers hold mu.
func (s *Store) lookup(id string) (int, bool) {
	idx, ok := s.byID[id]
	if !ok || s.pending[id] {
		return 0, false
	}
	return idx, true
}

// CompareAndSwap replaces the record only if its stored version equals expected.
// Inside a unit of work the record stays locked until the unit ends, so a
// concurrent writer observes either the committed or the restored version.
func (s *Store) CompareAndSwap(ctx context.Context, id string, expected int64, next domain.Reservation) error {
	txn.Lock(ctx, id)
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.lookup(id)
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "reservation %s", id)
	}
	prev := s.slots[idx]
	if prev.Version != expected {
		return errors.Wrapf(domain.ErrVersionConflict, "reservation %s at version %d, expected %d", id, prev.Version, expected)
	}
	if next.ID != prev.ID || next.IdempotencyKey != prev.IdempotencyKey {
		return errors.AssertionFailedf("compare-and-swap may not change identity of reservation %s", id)
	}
	s.slots[idx] = next

	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if i, ok := s.byID[id]; ok && s.slots[i].Version == next.Version {
			s.slots[i] = prev
		}
	})
	return nil
}

// Get inside a unit of work locks id, so it waits for any other unit writing the
// record and sees only committed state.
func (s *Store) Get(ctx context.Context, id string) (domain.Reservation, error) {
	txn.Lock(ctx, id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.lookup(id)
	if !ok {
		return domain.Reservation{}, errors.Wrapf(domain.ErrNotFound, "reservation %s", id)
	}
	return s.slots[idx], nil
}

// FindByIdempotencyKey returns nil when no committed reservation uses key. Inside a
// unit of work it takes the same lock as InsertIfAbsent.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Reservation, error) {
	txn.Lock(ctx, keyLock(key))
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byKey[key]
	if !ok || s.pending[s.slots[idx].ID] {
		return nil, nil
	}
	rec := s.slots[idx]
	return &rec, nil
}

// FindExpiredHolds enumerates HELD reservations due at now, oldest deadline first.
// Each iteration takes a fresh snapshot.
func (s *Store) FindExpiredHolds(ctx context.Context, now time.Time) iter.Seq2[domain.Reservation, error] {
	return func(yield func(domain.Reservation, error) bool) {
		due := s.snapshot(func(r domain.Reservation) bool { return r.Lapsed(now) })
		sort.Slice(due, func(i, j int) bool { return due[i].HoldExpiresAt.Before(due[j].HoldExpiresAt) })
		for _, r := range due {
			if err := ctx.Err(); err != nil {
				yield(domain.Reservation{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (s *Store) ListByResourceUnit(ctx context.Context, unitID string) ([]domain.Reservation, error) {
	out := s.snapshot(func(r domain.Reservation) bool { return r.ResourceUnitID == unitID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) snapshot(match func(domain.Reservation) bool) []domain.Reservation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Reservation
	for id, idx := range s.byID {
		if s.pending[id] {
			continue
		}
		if r := s.slots[idx]; match(r) {
			out = append(out, r)
		}
	}
	return out
}
