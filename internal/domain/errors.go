package domain

import "github.com/cockroachdb/errors"

var (
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrNotFound             = errors.New("reservation not found")
	ErrUnitNotFound         = errors.New("resource unit not found")
	ErrInvalidState         = errors.New("invalid state")
	ErrVersionConflict      = errors.New("version conflict")
	ErrConflict             = errors.New("conflict, retries exhausted")
	ErrSerializationFailure = errors.New("serialization failure")
	ErrInvariantBreach      = errors.New("ledger invariant breach")
	ErrUnavailable          = errors.New("storage unavailable")
)

type Kind string

const (
	KindInvalidQuantity      Kind = "INVALID_QUANTITY"
	KindInvalidRequest       Kind = "INVALID_REQUEST"
	KindInsufficientCapacity Kind = "INSUFFICIENT_CAPACITY"
	KindNotFound             Kind = "NOT_FOUND"
	KindInvalidState         Kind = "INVALID_STATE"
	KindConflict             Kind = "CONFLICT"
	KindUnavailable          Kind = "UNAVAILABLE"
	KindInternal             Kind = "INTERNAL"
)

// KindOf classifies err for callers outside the engine. Unknown errors are INTERNAL.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidQuantity):
		return KindInvalidQuantity
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidRequest
	case errors.Is(err, ErrInsufficientCapacity):
		return KindInsufficientCapacity
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnitNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrConflict), errors.Is(err, ErrVersionConflict), errors.Is(err, ErrSerializationFailure):
		return KindConflict
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// Retryable reports whether the same request may succeed if sent again unchanged.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindUnavailable:
		return true
	}
	return false
}
