package engine_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/reservation-allocator/internal/clock"
	"github.com/robertarktes/reservation-allocator/internal/domain"
	"github.com/robertarktes/reservation-allocator/internal/engine"
	"github.com/robertarktes/reservation-allocator/internal/ledger"
	"github.com/robertarktes/reservation-allocator/internal/store"
	"github.com/robertarktes/reservation-allocator/internal/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine  *engine.Engine
	ledger  *ledger.Ledger
	store   *store.Store
	clock   *clock.Fixed
	journal *recordingJournal
}

type recordingJournal struct {
	mu     sync.Mutex
	events []domain.Event
	fail   error
}

func (j *recordingJournal) Append(ctx context.Context, ev domain.Event) error {
	if j.fail != nil {
		return j.fail
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	txn.OnRollback(ctx, func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		j.events = j.events[:len(j.events)-1]
	})
	return nil
}

func (j *recordingJournal) types() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.events))
	for _, ev := range j.events {
		out = append(out, ev.Type)
	}
	return out
}

func newFixture(t *testing.T, units map[string]int, opts ...engine.Option) *fixture {
	t.Helper()
	f := &fixture{
		ledger:  ledger.New(8, nil),
		store:   store.New(),
		clock:   clock.NewFixed(start),
		journal: &recordingJournal{},
	}
	base := []engine.Option{
		engine.WithClock(f.clock),
		engine.WithJournal(f.journal),
		engine.WithRetryBackoff(0),
	}
	f.engine = engine.New(f.ledger, f.store, txn.NewManager(), append(base, opts...)...)
	for id, total := range units {
		_, err := f.engine.RegisterUnit(context.Background(), id, total)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) available(t *testing.T, unitID string) int {
	t.Helper()
	n, err := f.engine.Available(context.Background(), unitID)
	require.NoError(t, err)
	return n
}

func holdInput(key string, qty int) engine.HoldInput {
	return engine.HoldInput{IdempotencyKey: key, ResourceUnitID: "room-101", Quantity: qty, HoldDuration: 10 * time.Minute}
}

func TestEngine_HoldConfirm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"room-101": 10})

	r, err := f.engine.Hold(ctx, holdInput("k-1", 3))
	require.NoError(t, err)
	assert.Equal(t, domain.StateHeld, r.State)
	assert.Equal(t, int64(1), r.Version)
	assert.Equal(t, start.Add(10*time.Minute), r.HoldExpiresAt)
	assert.Equal(t, 7, f.available(t, "room-101"))

	c, err := f.engine.Confirm(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, c.State)
	assert.Equal(t, int64(2), c.Version)

	u, err := f.engine.Unit(ctx, "room-101")
	require.NoError(t, err)
	assert.Equal(t, 0, u.Held)
	assert.Equal(t, 3, u.Confirmed)
	assert.Equal(t, 7, u.Available())

	// confirming again is a no-op, not a second promotion
	again, err := f.engine.Confirm(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, c, again)
	u, _ = f.engine.Unit(ctx, "room-101")
	assert.Equal(t, 3, u.Confirmed)

	assert.Equal(t, []string{domain.EventHeld, domain.EventConfirmed}, f.journal.types())
}

func TestEngine_HoldValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"room-101": 10}, engine.WithMaxHoldDuration(time.Hour))

	tests := []struct {
		name string
		in   engine.HoldInput
		want error
	}{
		{"zero quantity", holdInput("k", 0), domain.ErrInvalidQuantity},
		{"negative quantity", holdInput("k", -2), domain.ErrInvalidQuantity},
		{"missing key", holdInput("", 1), domain.ErrInvalidInput},
		{"missing unit", engine.HoldInput{IdempotencyKey: "k", Quantity: 1}, domain.ErrInvalidInput},
		{"negative duration", engine.HoldInput{IdempotencyKey: "k", ResourceUnitID: "room-101", Quantity: 1, HoldDuration: -time.Second}, domain.ErrInvalidInput},
		{"duration above max", engine.HoldInput{IdempotencyKey: "k", ResourceUnitID: "room-101", Quantity: 1, HoldDuration: 2 * time.Hour}, domain.ErrInvalidInput},
		{"unknown unit", engine.HoldInput{IdempotencyKey: "k", ResourceUnitID: "nope", Quantity: 1}, domain.ErrUnitNotFound},
		{"over capacity", holdInput("k", 11), domain.ErrInsufficientCapacity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Hold(ctx, tt.in)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	assert.Equal(t, 10, f.available(t, "room-101"))
	missing, err := f.store.FindByIdempotencyKey(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, missing, "a rejected hold must leave no record")
	assert.Empty(t, f.journal.types())
}

func TestEngine_HoldDefaultDuration(t *testing.T) {
	f := newFixture(t, map[string]int{"room-101": 1}, engine.WithDefaultHoldDuration(90*time.Second))
	r, err := f.engine.Hold(context.Background(), engine.HoldInput{IdempotencyKey: "k", ResourceUnitID: "room-101", Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, start.Add(90*time.Second), r.HoldExpiresAt)
}

func TestEngine_HoldIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"room-101": 10})

	first, err := f.engine.Hold(ctx, holdInput("k-1", 4))
	require.NoError(t, err)
	second, err := f.engine.Hold(ctx, holdInput("k-1", 4))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// differing parameters still resolve to the first reservation
	third, err := f.engine.Hold(ctx, holdInput("k-1", 9))
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, 4, third.Quantity)

	assert.Equal(t, 6, f.available(t, "room-101"))
	assert.Len(t, f.journal.types(), 1)
}

func TestEngine_ConcurrentHoldsSameKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"room-101": 100})

	ids := make([]string, 16)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.engine.Hold(ctx, holdInput("same", 5))
			if assert.NoError(t, err) {
				ids[i] = r.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 95, f.available(t, "room-101"))
}

func TestEngine_ConcurrentHoldsDoNotOversell(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"room-101": 10})

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Hold(ctx, holdInput(fmt.Sprintf("k-%d", i), 6))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrInsufficientCapacity):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), rejected.Load())
	assert.Equal(t, 4, f.available(t, "room-101"))
}

func TestEngine_ExpiredHoldCannotBeConfirmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"room-101": 10})

	r, err := f.engine.Hold(ctx, engine.HoldInput{IdempotencyKey: "k", ResourceUnitID: "room-101", Quantity: 3, HoldDuration: time.Second})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Second)

	_, err = f.engine.Confirm(ctx, r.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidState), "lapsed hold: got %v", err)

	exp, err := f.engine.Expire(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpired, exp.State)
	assert.Equal(t, 10, f.available(t, "room-101"))

	_, err = f.engine.Confirm(ctx, r.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidState), "expired: got %v", err)

	// expiring twice is a no-op
	again, err := f.engine.Expire(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, exp, again)
	assert.Equal(t, 10, f.available(t, "room-101"))
}

func TestEngine_ExpireBeforeDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"room-101": 10})
	r, err := f.engine.Hold(ctx, holdInput("k", 2))
	require.NoError(t, err)

	_, err = f.engine.Expire(ctx, r.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
	assert.Equal(t, 8, f.available(t, "room-101"))
}

func TestEngine_Cancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"room-101": 10})

	held, err := f.engine.Hold(ctx, holdInput("k-1", 2))
	require.NoError(t, err)
	confirmed, err := f.engine.Hold(ctx, holdInput("k-2", 5))
	require.NoError(t, err)
	_, err = f.engine.Confirm(ctx, confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, f.available(t, "room-101"))

	c1, err := f.engine.Cancel(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, c1.State)
	c2, err := f.engine.Cancel(ctx, confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), c2.Version)

	u, _ := f.engine.Unit(ctx, "room-101")
	assert.Equal(t, domain.ResourceUnit{ID: "room-101", Total: 10}, u)

	again, err := f.engine.Cancel(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, c1, again)

	_, err = f.engine.Confirm(ctx, held.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
}

func TestEngine_UnknownReservation(t *testing.T) {
	f := newFixture(t, nil)
	for name, op := range map[string]func(context.Context, string) (domain.Reservation, error){
		"confirm": f.engine.Confirm,
		"cancel":  f.engine.Cancel,
		"expire":  f.engine.Expire,
	} {
		_, err := op(context.Background(), "missing")
		assert.Equal(t, domain.KindNotFound, domain.KindOf(err), name)
		_, err = op(context.Background(), "")
		assert.Equal(t, domain.KindNotFound, domain.KindOf(err), name)
	}
}

func TestEngine_ConfirmCancelRace(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		f := newFixture(t, map[string]int{"room-101": 10}, engine.WithMaxAttempts(10))
		r, err := f.engine.Hold(ctx, holdInput("k", 3))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var confirmErr, cancelErr error
		wg.Add(2)
		go func() { defer wg.Done(); _, confirmErr = f.engine.Confirm(ctx, r.ID) }()
		go func() { defer wg.Done(); _, cancelErr = f.engine.Cancel(ctx, r.ID) }()
		wg.Wait()

		require.NoError(t, cancelErr, "cancel is allowed from either state")
		final, err := f.engine.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCancelled, final.State)
		if confirmErr != nil {
			assert.True(t, errors.Is(confirmErr, domain.ErrInvalidState), "got %v", confirmErr)
		}

		u, _ := f.engine.Unit(ctx, "room-101")
		assert.Equal(t, domain.ResourceUnit{ID: "room-101", Total: 10}, u, "iteration %d", i)
	}
}

func TestEngine_LedgerMatchesStoreUnderLoad(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"room-101": 40, "room-102": 40})

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unit := "room-101"
			if i%2 == 1 {
				unit = "room-102"
			}
			r, err := f.engine.Hold(ctx, engine.HoldInput{
				IdempotencyKey: fmt.Sprintf("k-%d", i%48),
				ResourceUnitID: unit,
				Quantity:       1 + i%3,
				HoldDuration:   time.Minute,
			})
			if err != nil {
				return
			}
			switch i % 4 {
			case 0:
				_, _ = f.engine.Confirm(ctx, r.ID)
			case 1:
				_, _ = f.engine.Cancel(ctx, r.ID)
			case 2:
				_, _ = f.engine.Confirm(ctx, r.ID)
				_, _ = f.engine.Cancel(ctx, r.ID)
			}
		}(i)
	}
	wg.Wait()

	for _, unit := range []string{"room-101", "room-102"} {
		rs, err := f.engine.ListByResourceUnit(ctx, unit)
		require.NoError(t, err)
		var held, confirmed int
		for _, r := range rs {
			switch r.State {
			case domain.StateHeld:
				held += r.Quantity
			case domain.StateConfirmed:
				confirmed += r.Quantity
			}
		}
		u, err := f.engine.Unit(ctx, unit)
		require.NoError(t, err)
		assert.Equal(t, held, u.Held, unit)
		assert.Equal(t, confirmed, u.Confirmed, unit)
		assert.GreaterOrEqual(t, u.Available(), 0, unit)
	}
}

// conflictingStore loses every compare-and-swap.
type conflictingStore struct {
	*store.Store
	attempts atomic.Int32
}

func (s *conflictingStore) CompareAndSwap(ctx context.Context, id string, expected int64, next domain.Reservation) error {
	s.attempts.Add(1)
	return errors.Wrap(domain.ErrVersionConflict, "lost race")
}

func TestEngine_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	inner := store.New()
	cs := &conflictingStore{Store: inner}
	l := ledger.New(2, nil)
	_, err := l.Register(ctx, "room-101", 10)
	require.NoError(t, err)
	e := engine.New(l, cs, txn.NewManager(), engine.WithMaxAttempts(3), engine.WithRetryBackoff(0))

	r, err := e.Hold(ctx, holdInput("k", 2))
	require.NoError(t, err)

	_, err = e.Confirm(ctx, r.ID)
	assert.True(t, errors.Is(err, domain.ErrConflict), "got %v", err)
	assert.True(t, domain.Retryable(err))
	assert.Equal(t, int32(3), cs.attempts.Load())

	u, _ := l.Unit(ctx, "room-101")
	assert.Equal(t, 2, u.Held)
	assert.Equal(t, 0, u.Confirmed)
	stored, _ := inner.Get(ctx, r.ID)
	assert.Equal(t, r, stored)
}

// brokenStore fails every read with a driver-level error.
type brokenStore struct {
	*store.Store
}

func (brokenStore) Get(ctx context.Context, id string) (domain.Reservation, error) {
	return domain.Reservation{}, errors.New("connection reset by peer")
}

func (brokenStore) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Reservation, error) {
	return nil, errors.New("connection reset by peer")
}

func TestEngine_StorageFailureIsUnavailable(t *testing.T) {
	ctx := context.Background()
	e := engine.New(ledger.New(1, nil), brokenStore{store.New()}, txn.NewManager())

	_, err := e.Confirm(ctx, "r-1")
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err), "got %v", err)

	_, err = e.Hold(ctx, holdInput("k", 1))
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err), "got %v", err)
}

func TestEngine_JournalFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"room-101": 10})
	r, err := f.engine.Hold(ctx, holdInput("k-1", 4))
	require.NoError(t, err)

	f.journal.fail = errors.New("outbox write failed")
	_, err = f.engine.Confirm(ctx, r.ID)
	require.Error(t, err)
	_, err = f.engine.Hold(ctx, holdInput("k-2", 1))
	require.Error(t, err)

	stored, err := f.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r, stored)
	u, _ := f.engine.Unit(ctx, "room-101")
	assert.Equal(t, 4, u.Held)
	assert.Equal(t, 0, u.Confirmed)
	missing, _ := f.store.FindByIdempotencyKey(ctx, "k-2")
	assert.Nil(t, missing)
}

func TestEngine_CancelledCallerStillCommits(t *testing.T) {
	f := newFixture(t, map[string]int{"room-101": 10})
	r, err := f.engine.Hold(context.Background(), holdInput("k", 2))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c, err := f.engine.Confirm(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, c.State)
}

func TestEngine_IDGenerator(t *testing.T) {
	var n int
	f := newFixture(t, map[string]int{"room-101": 10}, engine.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("res-%d", n)
	}))

	a, err := f.engine.Hold(context.Background(), holdInput("k-1", 1))
	require.NoError(t, err)
	b, err := f.engine.Hold(context.Background(), holdInput("k-2", 1))
	require.NoError(t, err)
	assert.Equal(t, "res-1", a.ID)
	assert.Equal(t, "res-2", b.ID)

	got, err := f.engine.Get(context.Background(), "res-2")
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

// slowLedger widens the window between taking capacity and committing the hold.
type slowLedger struct {
	*ledger.Ledger
	delay time.Duration
}

func (l slowLedger) Reserve(ctx context.Context, unitID string, quantity int) error {
	err := l.Ledger.Reserve(ctx, unitID, quantity)
	time.Sleep(l.delay)
	return err
}

func TestEngine_ConcurrentSameKeyHoldsOnTightUnit(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(4, nil)
	_, err := l.Register(ctx, "room-101", 10)
	require.NoError(t, err)
	e := engine.New(slowLedger{Ledger: l, delay: 20 * time.Millisecond}, store.New(), txn.NewManager(),
		engine.WithClock(clock.NewFixed(start)), engine.WithRetryBackoff(0))

	var wg sync.WaitGroup
	results := make([]domain.Reservation, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Hold(ctx, holdInput("same", 6))
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].ID, results[1].ID)

	n, err := e.Available(ctx, "room-101")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// a different key is judged against committed capacity only
	_, err = e.Hold(ctx, holdInput("other", 4))
	require.NoError(t, err)
}

func TestEngine_ConfirmExpireRace(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		f := newFixture(t, map[string]int{"room-101": 10}, engine.WithMaxAttempts(10))
		r, err := f.engine.Hold(ctx, holdInput("k", 3))
		require.NoError(t, err)
		f.clock.Set(r.HoldExpiresAt.Add(-time.Nanosecond))

		var wg sync.WaitGroup
		var confirmErr, expireErr error
		wg.Add(3)
		go func() { defer wg.Done(); _, confirmErr = f.engine.Confirm(ctx, r.ID) }()
		go func() { defer wg.Done(); _, expireErr = f.engine.Expire(ctx, r.ID) }()
		go func() { defer wg.Done(); f.clock.Advance(time.Nanosecond) }()
		wg.Wait()

		require.False(t, confirmErr == nil && expireErr == nil, "iteration %d: both transitions won", i)
		for _, err := range []error{confirmErr, expireErr} {
			if err != nil {
				assert.True(t, errors.Is(err, domain.ErrInvalidState), "got %v", err)
			}
		}

		final, err := f.engine.Get(ctx, r.ID)
		require.NoError(t, err)
		u, _ := f.engine.Unit(ctx, "room-101")
		switch {
		case confirmErr == nil:
			assert.Equal(t, domain.StateConfirmed, final.State)
			assert.Equal(t, domain.ResourceUnit{ID: "room-101", Total: 10, Confirmed: 3}, u)
		case expireErr == nil:
			assert.Equal(t, domain.StateExpired, final.State)
			assert.Equal(t, domain.ResourceUnit{ID: "room-101", Total: 10}, u)
		default:
			// confirm saw the lapsed deadline and expire ran before it
			assert.Equal(t, domain.StateHeld, final.State)
			assert.Equal(t, domain.ResourceUnit{ID: "room-101", Total: 10, Held: 3}, u)
		}

		// once the deadline has passed, expire wins any further race
		f.clock.Set(r.HoldExpiresAt)
		if final.State == domain.StateHeld {
			_, err = f.engine.Expire(ctx, r.ID)
			require.NoError(t, err)
		}
		_, err = f.engine.Confirm(ctx, r.ID)
		if final.State != domain.StateConfirmed {
			assert.True(t, errors.Is(err, domain.ErrInvalidState), "got %v", err)
		}
	}
}

func TestEngine_FailedTransitionIsNotObservedAsDone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"room-101": 10})
	r, err := f.engine.Hold(ctx, holdInput("k", 3))
	require.NoError(t, err)

	f.journal.fail = errors.New("outbox down")
	_, err = f.engine.Confirm(ctx, r.ID)
	require.Error(t, err)

	f.journal.fail = nil
	c, err := f.engine.Confirm(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, c.State)
	assert.Equal(t, r.Version+1, c.Version)

	u, _ := f.engine.Unit(ctx, "room-101")
	assert.Equal(t, 3, u.Confirmed)
	assert.Equal(t, 0, u.Held)
}
