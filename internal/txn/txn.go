// Package txn provides an in-process unit of work for the memory ledger and store.
//
// Mutations made inside Manager.WithTx register compensations with OnRollback.
// If the unit of work fails, compensations run in reverse order so that a ledger
// change and a store write either both persist or neither does.
//
// Units are not isolated from each other. A writer that must not interleave with
// another unit on the same record takes Lock on the record key; the lock is held
// until the unit commits or finishes rolling back. A unit should take at most one
// key, or two units locking in opposite order can wait on each other forever.
package txn

import (
	"context"
	"hash/fnv"
	"sync"
)

const stripes = 64

type txKey struct{}

type unit struct {
	m     *Manager
	mu    sync.Mutex
	undos   []func()
	commits []func()
	held    map[uint32]bool
}

type Manager struct {
	locks [stripes]sync.Mutex
}

func NewManager() *Manager {
	return &Manager{}
}

// WithTx runs fn inside a unit of work. Nested calls join the outer unit.
func (m *Manager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if Active(ctx) {
		return fn(ctx)
	}
	u := &unit{m: m, held: make(map[uint32]bool)}
	defer u.unlock()
	if err := fn(context.WithValue(ctx, txKey{}, u)); err != nil {
		u.rollback()
		return err
	}
	u.commit()
	return nil
}

// OnRollback registers undo to run if the surrounding unit of work fails.
// Outside a unit of work it is a no-op.
func OnRollback(ctx context.Context, undo func()) {
	u := from(ctx)
	if u == nil {
		return
	}
	u.mu.Lock()
	u.undos = append(u.undos, undo)
	u.mu.Unlock()
}

// OnCommit registers done to run once the surrounding unit of work succeeds,
// before its locks are released. Outside a unit of work done runs immediately.
func OnCommit(ctx context.Context, done func()) {
	u := from(ctx)
	if u == nil {
		done()
		return
	}
	u.mu.Lock()
	u.commits = append(u.commits, done)
	u.mu.Unlock()
}

// Lock blocks until no other unit holds key, then holds it for the rest of the
// surrounding unit. Re-locking a key already held by the unit is a no-op.
// Outside a unit of work it is a no-op.
func Lock(ctx context.Context, key string) {
	u := from(ctx)
	if u == nil {
		return
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	idx := h.Sum32() % stripes

	u.mu.Lock()
	if u.held[idx] {
		u.mu.Unlock()
		return
	}
	u.held[idx] = true
	u.mu.Unlock()
	u.m.locks[idx].Lock()
}

func Active(ctx context.Context) bool {
	return from(ctx) != nil
}

func from(ctx context.Context) *unit {
	u, _ := ctx.Value(txKey{}).(*unit)
	return u
}

func (u *unit) rollback() {
	u.mu.Lock()
	undos := u.undos
	u.undos = nil
	u.mu.Unlock()
	for i := len(undos) - 1; i >= 0; i-- {
		undos[i]()
	}
}

func (u *unit) commit() {
	u.mu.Lock()
	commits := u.commits
	u.commits = nil
	u.mu.Unlock()
	for _, done := range commits {
		done()
	}
}

func (u *unit) unlock() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for idx := range u.held {
		u.m.locks[idx].Unlock()
	}
	u.held = nil
}
