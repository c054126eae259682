package engine

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/reservation-allocator/internal/domain"
	"github.com/robertarktes/reservation-allocator/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type HoldInput struct {
	IdempotencyKey string
	ResourceUnitID string
	Quantity       int
	HoldDuration   time.Duration
}

// errKeyTaken aborts a hold whose idempotency key was claimed concurrently.
var errKeyTaken = errors.New("idempotency key taken")

// Hold reserves capacity and records a HELD reservation. A repeated key returns
// the reservation created by the first request.
func (e *Engine) Hold(ctx context.Context, in HoldInput) (rec domain.Reservation, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.Hold", trace.WithAttributes(
		attribute.String("unit_id", in.ResourceUnitID),
		attribute.Int("quantity", in.Quantity),
	))
	defer func() { e.finish(span, "hold", err) }()

	if in.Quantity <= 0 {
		return domain.Reservation{}, errors.Wrapf(domain.ErrInvalidQuantity, "quantity must be positive, got %d", in.Quantity)
	}
	if in.IdempotencyKey == "" || in.ResourceUnitID == "" {
		return domain.Reservation{}, errors.Wrap(domain.ErrInvalidInput, "idempotency key and resource unit id are required")
	}
	holdFor := in.HoldDuration
	if holdFor == 0 {
		holdFor = e.defaultHold
	}
	if holdFor < 0 || holdFor > e.maxHold {
		return domain.Reservation{}, errors.Wrapf(domain.ErrInvalidInput, "hold duration %s outside (0, %s]", holdFor, e.maxHold)
	}

	ctx = context.WithoutCancel(ctx)
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		now := e.clock.Now()
		candidate := domain.NewReservation(e.newID(), in.IdempotencyKey, in.ResourceUnitID, in.Quantity, now, holdFor)

		// The key is claimed before any capacity is taken, so a repeated request
		// waits for or finds the first one and never competes with it for capacity.
		var out domain.Reservation
		err := e.commit(ctx, func(txCtx context.Context) error {
			existing, err := e.store.FindByIdempotencyKey(txCtx, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				out = *existing
				return errKeyTaken
			}
			stored, inserted, err := e.store.InsertIfAbsent(txCtx, candidate)
			if err != nil {
				return err
			}
			out = stored
			if !inserted {
				return errKeyTaken
			}
			if err := e.ledger.Reserve(txCtx, in.ResourceUnitID, in.Quantity); err != nil {
				return err
			}
			return e.record(txCtx, "", stored, now)
		})
		if errors.Is(err, domain.ErrInsufficientCapacity) {
			if existing, lookupErr := e.store.FindByIdempotencyKey(ctx, in.IdempotencyKey); lookupErr == nil && existing != nil {
				return *existing, nil
			}
		}
		switch {
		case errors.Is(err, errKeyTaken):
			return out, nil
		case isConflict(err):
			observability.CASConflicts.WithLabelValues("hold").Inc()
			e.pause(attempt)
			continue
		case err != nil:
			return domain.Reservation{}, classify(err)
		}

		e.logger.
			WithField("reservation_id", out.ID).
			WithField("unit_id", out.ResourceUnitID).
			WithField("quantity", out.Quantity).
			Debug("hold committed")
		return out, nil
	}
	return domain.Reservation{}, errors.Wrapf(domain.ErrConflict, "hold %s after %d attempts", in.IdempotencyKey, e.maxAttempts)
}

// Confirm turns a live hold into a permanent allocation.
func (e *Engine) Confirm(ctx context.Context, id string) (domain.Reservation, error) {
	return e.transition(ctx, "confirm", id, domain.Reservation.Confirm)
}

// Cancel releases a held or confirmed reservation.
func (e *Engine) Cancel(ctx context.Context, id string) (domain.Reservation, error) {
	return e.transition(ctx, "cancel", id, domain.Reservation.Cancel)
}

// Expire releases an overdue hold. It is driven by the reaper.
func (e *Engine) Expire(ctx context.Context, id string) (domain.Reservation, error) {
	return e.transition(ctx, "expire", id, domain.Reservation.Expire)
}

type planFunc func(domain.Reservation, time.Time) (domain.Transition, error)

func (e *Engine) transition(ctx context.Context, op, id string, plan planFunc) (rec domain.Reservation, err error) {
	ctx, span := e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attribute.String("reservation_id", id)))
	defer func() { e.finish(span, op, err) }()

	if id == "" {
		return domain.Reservation{}, errors.Wrap(domain.ErrNotFound, "empty reservation id")
	}

	ctx = context.WithoutCancel(ctx)
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		var (
			cur domain.Reservation
			tr  domain.Transition
		)
		// The record is read inside the unit so the plan is made against committed state.
		err = e.commit(ctx, func(txCtx context.Context) error {
			var err error
			if cur, err = e.store.Get(txCtx, id); err != nil {
				return err
			}
			now := e.clock.Now()
			if tr, err = plan(cur, now); err != nil || tr.Noop {
				return err
			}
			// The swap goes first so that only the winner of a race touches the ledger.
			if err := e.store.CompareAndSwap(txCtx, cur.ID, cur.Version, tr.Next); err != nil {
				return err
			}
			if err := e.apply(txCtx, tr.Effect, cur); err != nil {
				return err
			}
			return e.record(txCtx, cur.State, tr.Next, now)
		})
		if isConflict(err) {
			observability.CASConflicts.WithLabelValues(op).Inc()
			span.AddEvent("version conflict", trace.WithAttributes(attribute.Int("attempt", attempt+1)))
			e.pause(attempt)
			continue
		}
		if err != nil {
			return domain.Reservation{}, classify(err)
		}
		if tr.Noop {
			return cur, nil
		}

		e.logger.
			WithField("reservation_id", id).
			WithField("from", cur.State).
			WithField("to", tr.Next.State).
			WithField("version", tr.Next.Version).
			Debug("transition committed")
		return tr.Next, nil
	}
	return domain.Reservation{}, errors.Wrapf(domain.ErrConflict, "%s %s after %d attempts", op, id, e.maxAttempts)
}

func (e *Engine) apply(ctx context.Context, effect domain.Effect, r domain.Reservation) error {
	switch effect {
	case domain.EffectPromote:
		return e.ledger.Promote(ctx, r.ResourceUnitID, r.Quantity)
	case domain.EffectReleaseHeld:
		return e.ledger.Release(ctx, r.ResourceUnitID, r.Quantity)
	case domain.EffectReleaseConfirmed:
		return e.ledger.ReleaseConfirmed(ctx, r.ResourceUnitID, r.Quantity)
	}
	return nil
}

func (e *Engine) commit(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	defer func() { observability.DBTxDuration.Observe(time.Since(start).Seconds()) }()
	return e.tx.WithTx(ctx, fn)
}

func (e *Engine) record(ctx context.Context, from domain.State, next domain.Reservation, now time.Time) error {
	if e.journal == nil {
		return nil
	}
	return e.journal.Append(ctx, domain.Event{
		ID:             uuid.NewString(),
		Type:           domain.EventType(next.State),
		ReservationID:  next.ID,
		ResourceUnitID: next.ResourceUnitID,
		Quantity:       next.Quantity,
		From:           from,
		To:             next.State,
		Version:        next.Version,
		OccurredAt:     now,
	})
}

func (e *Engine) finish(span trace.Span, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(domain.KindOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if errors.Is(err, domain.ErrInvariantBreach) || domain.KindOf(err) == domain.KindUnavailable {
			e.logger.WithField("op", op).WithError(err).Error("engine operation failed")
		}
	}
	observability.EngineOps.WithLabelValues(op, outcome).Inc()
	span.End()
}
