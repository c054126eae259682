package domain

import (
	"time"
)

type State string

const (
	StateHeld      State = "HELD"
	StateConfirmed State = "CONFIRMED"
	StateCancelled State = "CANCELLED"
	StateExpired   State = "EXPIRED"
)

// ResourceUnit is a bookable entity with a fixed total capacity.
// Held + Confirmed never exceeds Total.
type ResourceUnit struct {
	ID        string
	Total     int
	Held      int
	Confirmed int
}

func (u ResourceUnit) Available() int {
	return u.Total - u.Held - u.Confirmed
}

// Reservation is one client's claim against a single ResourceUnit.
type Reservation struct {
	ID             string
	IdempotencyKey string
	ResourceUnitID string
	Quantity       int
	State          State
	HoldExpiresAt  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int64
}

// Event describes a committed lifecycle transition.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	ReservationID  string    `json:"reservationId"`
	ResourceUnitID string    `json:"resourceUnitId"`
	Quantity       int       `json:"quantity"`
	From           State     `json:"from,omitempty"`
	To             State     `json:"to"`
	Version        int64     `json:"version"`
	OccurredAt     time.Time `json:"occurredAt"`
}

const (
	EventHeld      = "reservation.held"
	EventConfirmed = "reservation.confirmed"
	EventCancelled = "reservation.cancelled"
	EventExpired   = "reservation.expired"
)
