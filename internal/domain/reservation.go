package domain

import (
	"time"

	"github.com/cockroachdb/errors"
)

func NewReservation(id, idempotencyKey, unitID string, quantity int, now time.Time, holdFor time.Duration) Reservation {
	return Reservation{
		ID:             id,
		IdempotencyKey: idempotencyKey,
		ResourceUnitID: unitID,
		Quantity:       quantity,
		State:          StateHeld,
		HoldExpiresAt:  now.Add(holdFor),
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
}

func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateCancelled || s == StateExpired
}

func (s State) Valid() bool {
	switch s {
	case StateHeld, StateConfirmed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Lapsed reports whether a HELD reservation is past its deadline at now.
func (r Reservation) Lapsed(now time.Time) bool {
	return r.State == StateHeld && !r.HoldExpiresAt.After(now)
}

// Effect is the ledger mutation a transition requires.
type Effect int

const (
	EffectNone Effect = iota
	EffectPromote
	EffectReleaseHeld
	EffectReleaseConfirmed
)

// Transition is the outcome of applying an intent to the current record.
// Noop means the record already reflects the intent and nothing is committed.
type Transition struct {
	Next   Reservation
	Effect Effect
	Noop   bool
}

// Confirm plans HELD -> CONFIRMED.
func (r Reservation) Confirm(now time.Time) (Transition, error) {
	switch r.State {
	case StateConfirmed:
		return Transition{Next: r, Noop: true}, nil
	case StateHeld:
		if r.Lapsed(now) {
			return Transition{}, errors.Wrapf(ErrInvalidState, "hold %s lapsed at %s", r.ID, r.HoldExpiresAt.Format(time.RFC3339))
		}
		return Transition{Next: r.advance(StateConfirmed, now), Effect: EffectPromote}, nil
	default:
		return Transition{}, errors.Wrapf(ErrInvalidState, "cannot confirm reservation %s in state %s", r.ID, r.State)
	}
}

// Cancel plans HELD|CONFIRMED -> CANCELLED.
func (r Reservation) Cancel(now time.Time) (Transition, error) {
	switch r.State {
	case StateCancelled:
		return Transition{Next: r, Noop: true}, nil
	case StateHeld:
		return Transition{Next: r.advance(StateCancelled, now), Effect: EffectReleaseHeld}, nil
	case StateConfirmed:
		return Transition{Next: r.advance(StateCancelled, now), Effect: EffectReleaseConfirmed}, nil
	default:
		return Transition{}, errors.Wrapf(ErrInvalidState, "cannot cancel reservation %s in state %s", r.ID, r.State)
	}
}

// Expire plans HELD -> EXPIRED once the deadline has passed.
func (r Reservation) Expire(now time.Time) (Transition, error) {
	switch r.State {
	case StateExpired:
		return Transition{Next: r, Noop: true}, nil
	case StateHeld:
		if !r.Lapsed(now) {
			return Transition{}, errors.Wrapf(ErrInvalidState, "hold %s not due until %s", r.ID, r.HoldExpiresAt.Format(time.RFC3339))
		}
		return Transition{Next: r.advance(StateExpired, now), Effect: EffectReleaseHeld}, nil
	default:
		return Transition{}, errors.Wrapf(ErrInvalidState, "cannot expire reservation %s in state %s", r.ID, r.State)
	}
}

func (r Reservation) advance(to State, now time.Time) Reservation {
	next := r
	next.State = to
	next.UpdatedAt = now
	next.Version = r.Version + 1
	return next
}

func EventType(s State) string {
	switch s {
	case StateHeld:
		return EventHeld
	case StateConfirmed:
		return EventConfirmed
	case StateCancelled:
		return EventCancelled
	case StateExpired:
		return EventExpired
	}
	return ""
}
