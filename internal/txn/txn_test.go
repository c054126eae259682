package txn_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/reservation-allocator/internal/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_RollbackRunsInReverse(t *testing.T) {
	m := txn.NewManager()
	var order []int

	err := m.WithTx(context.Background(), func(ctx context.Context) error {
		txn.OnRollback(ctx, func() { order = append(order, 1) })
		txn.OnRollback(ctx, func() { order = append(order, 2) })
		return errors.New("boom")
	})

	require.Error(t, err)
	assert.Equal(t, []int{2, 1}, order)
}

func TestManager_CommitDiscardsUndo(t *testing.T) {
	m := txn.NewManager()
	called := false

	err := m.WithTx(context.Background(), func(ctx context.Context) error {
		assert.True(t, txn.Active(ctx))
		txn.OnRollback(ctx, func() { called = true })
		return nil
	})

	require.NoError(t, err)
	assert.False(t, called)
}

func TestManager_NestedJoinsOuter(t *testing.T) {
	m := txn.NewManager()
	calls := 0

	err := m.WithTx(context.Background(), func(ctx context.Context) error {
		_ = m.WithTx(ctx, func(inner context.Context) error {
			txn.OnRollback(inner, func() { calls++ })
			return nil
		})
		return errors.New("outer failed")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestOnRollback_OutsideUnitIsNoop(t *testing.T) {
	assert.False(t, txn.Active(context.Background()))
	txn.OnRollback(context.Background(), func() { t.Fatal("must not run") })
}

func TestLock_SerializesUnitsOnSameKey(t *testing.T) {
	m := txn.NewManager()
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = m.WithTx(context.Background(), func(ctx context.Context) error {
			txn.Lock(ctx, "r-1")
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	go func() {
		defer close(done)
		_ = m.WithTx(context.Background(), func(ctx context.Context) error {
			txn.Lock(ctx, "r-1")
			txn.Lock(ctx, "r-1")
			return nil
		})
	}()

	select {
	case <-done:
		t.Fatal("second unit acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock not released on commit")
	}
}

func TestLock_ReleasedAfterRollback(t *testing.T) {
	m := txn.NewManager()
	_ = m.WithTx(context.Background(), func(ctx context.Context) error {
		txn.Lock(ctx, "r-1")
		return errors.New("boom")
	})
	err := m.WithTx(context.Background(), func(ctx context.Context) error {
		txn.Lock(ctx, "r-1")
		return nil
	})
	require.NoError(t, err)
}

func TestOnCommit(t *testing.T) {
	m := txn.NewManager()
	var committed []string

	require.NoError(t, m.WithTx(context.Background(), func(ctx context.Context) error {
		txn.OnCommit(ctx, func() { committed = append(committed, "a") })
		txn.OnCommit(ctx, func() { committed = append(committed, "b") })
		assert.Empty(t, committed)
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, committed)

	err := m.WithTx(context.Background(), func(ctx context.Context) error {
		txn.OnCommit(ctx, func() { t.Fatal("must not run after rollback") })
		return errors.New("failed")
	})
	require.Error(t, err)

	ran := false
	txn.OnCommit(context.Background(), func() { ran = true })
	assert.True(t, ran)
}
