// Package engine is the allocation engine: it owns the reservation lifecycle and
// coordinates the inventory ledger and the reservation store.
//
// Every transition is a read-compute-commit cycle guarded by the reservation
// version. The ledger mutation and the store write of one transition are committed
// through a single unit of work, so capacity and records never drift apart.
package engine

import (
	"context"
	"iter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/reservation-allocator/internal/clock"
	"github.com/robertarktes/reservation-allocator/internal/domain"
	"github.com/robertarktes/reservation-allocator/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type Ledger interface {
	Register(ctx context.Context, unitID string, total int) (domain.ResourceUnit, error)
	Reserve(ctx context.Context, unitID string, quantity int) error
	Release(ctx context.Context, unitID string, quantity int) error
	ReleaseConfirmed(ctx context.Context, unitID string, quantity int) error
	Promote(ctx context.Context, unitID string, quantity int) error
	Available(ctx context.Context, unitID string) (int, error)
	Unit(ctx context.Context, unitID string) (domain.ResourceUnit, error)
}

type Store interface {
	InsertIfAbsent(ctx context.Context, rec domain.Reservation) (domain.Reservation, bool, error)
	CompareAndSwap(ctx context.Context, id string, expected int64, next domain.Reservation) error
	Get(ctx context.Context, id string) (domain.Reservation, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Reservation, error)
	FindExpiredHolds(ctx context.Context, now time.Time) iter.Seq2[domain.Reservation, error]
	ListByResourceUnit(ctx context.Context, unitID string) ([]domain.Reservation, error)
}

// Transactor commits everything fn does through ctx as one unit, or nothing.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Journal records committed transitions inside the same unit of work.
type Journal interface {
	Append(ctx context.Context, event domain.Event) error
}

const (
	defaultMaxAttempts  = 5
	defaultRetryBackoff = 2 * time.Millisecond
	defaultHoldDuration = 5 * time.Minute
	defaultMaxHold      = 24 * time.Hour
)

type Engine struct {
	ledger       Ledger
	store        Store
	tx           Transactor
	journal      Journal
	clock        clock.Clock
	logger       observability.Logger
	tracer       trace.Tracer
	newID        func() string
	maxAttempts  int
	retryBackoff time.Duration
	defaultHold  time.Duration
	maxHold      time.Duration
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l observability.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithMaxAttempts bounds the optimistic retry loop of every operation.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

func WithRetryBackoff(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.retryBackoff = d
		}
	}
}

// WithDefaultHoldDuration is used when a hold request carries no duration.
func WithDefaultHoldDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultHold = d
		}
	}
}

func WithMaxHoldDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.maxHold = d
		}
	}
}

// WithIDGenerator replaces uuid.NewString for reservation ids.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

func New(ledger Ledger, store Store, tx Transactor, opts ...Option) *Engine {
	e := &Engine{
		ledger:       ledger,
		store:        store,
		tx:           tx,
		clock:        clock.NewSystem(),
		logger:       observability.NewNopLogger(),
		tracer:       otel.Tracer("engine"),
		newID:        uuid.NewString,
		maxAttempts:  defaultMaxAttempts,
		retryBackoff: defaultRetryBackoff,
		defaultHold:  defaultHoldDuration,
		maxHold:      defaultMaxHold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) RegisterUnit(ctx context.Context, unitID string, total int) (domain.ResourceUnit, error) {
	u, err := e.ledger.Register(ctx, unitID, total)
	if err != nil {
		return domain.ResourceUnit{}, classify(err)
	}
	e.logger.WithField("unit_id", unitID).WithField("total", total).Info("resource unit registered")
	return u, nil
}

func (e *Engine) Available(ctx context.Context, unitID string) (int, error) {
	n, err := e.ledger.Available(ctx, unitID)
	return n, classify(err)
}

func (e *Engine) Unit(ctx context.Context, unitID string) (domain.ResourceUnit, error) {
	u, err := e.ledger.Unit(ctx, unitID)
	return u, classify(err)
}

func (e *Engine) Get(ctx context.Context, id string) (domain.Reservation, error) {
	r, err := e.store.Get(ctx, id)
	return r, classify(err)
}

func (e *Engine) ListByResourceUnit(ctx context.Context, unitID string) ([]domain.Reservation, error) {
	rs, err := e.store.ListByResourceUnit(ctx, unitID)
	return rs, classify(err)
}

// FindExpiredHolds exposes the store scan used by the reaper.
func (e *Engine) FindExpiredHolds(ctx context.Context, now time.Time) iter.Seq2[domain.Reservation, error] {
	return e.store.FindExpiredHolds(ctx, now)
}

func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// known lists the errors that already carry a caller-facing meaning.
var known = []error{
	domain.ErrInvalidQuantity,
	domain.ErrInvalidInput,
	domain.ErrInsufficientCapacity,
	domain.ErrNotFound,
	domain.ErrUnitNotFound,
	domain.ErrInvalidState,
	domain.ErrVersionConflict,
	domain.ErrConflict,
	domain.ErrSerializationFailure,
	domain.ErrInvariantBreach,
	domain.ErrUnavailable,
}

// classify marks anything unrecognised as a storage failure so it is never
// mistaken for success or for a business rejection.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range known {
		if errors.Is(err, k) {
			return err
		}
	}
	return errors.Mark(errors.Wrap(err, "storage"), domain.ErrUnavailable)
}

func isConflict(err error) bool {
	return errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrSerializationFailure)
}

func (e *Engine) pause(attempt int) {
	if e.retryBackoff == 0 {
		return
	}
	d := e.retryBackoff << attempt
	if d > 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	time.Sleep(d)
}
