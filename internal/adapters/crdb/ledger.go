package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/reservation-allocator/internal/domain"
	"github.com/robertarktes/reservation-allocator/internal/observability"
)

// Ledger keeps capacity counters in resource_units. Each mutation is a single
// conditional UPDATE, so the row is the unit of serialization.
type Ledger struct {
	repo *Repository
}

func NewLedger(repo *Repository) *Ledger {
	return &Ledger{repo: repo}
}

func (l *Ledger) Register(ctx context.Context, unitID string, total int) (domain.ResourceUnit, error) {
	if unitID == "" || total < 0 {
		return domain.ResourceUnit{}, errors.Wrapf(domain.ErrInvalidInput, "unit %q total %d", unitID, total)
	}

	var u domain.ResourceUnit
	err := l.repo.WithTx(ctx, func(ctx context.Context) error {
		cur, err := l.Unit(ctx, unitID)
		switch {
		case errors.Is(err, domain.ErrUnitNotFound):
		case err != nil:
			return err
		case total < cur.Held+cur.Confirmed:
			return errors.Wrapf(domain.ErrInvalidInput, "unit %s has %d allocated, cannot shrink to %d", unitID, cur.Held+cur.Confirmed, total)
		}

		return l.repo.queryRow(ctx, `
			INSERT INTO resource_units (id, total_capacity)
			VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET total_capacity = excluded.total_capacity, updated_at = now()
			RETURNING id, total_capacity, held_capacity, confirmed_capacity
		`, unitID, total).Scan(&u.ID, &u.Total, &u.Held, &u.Confirmed)
	})
	if err != nil {
		return domain.ResourceUnit{}, err
	}
	return u, nil
}

func (l *Ledger) Reserve(ctx context.Context, unitID string, quantity int) error {
	if quantity <= 0 {
		return errors.Wrapf(domain.ErrInvalidQuantity, "reserve %d", quantity)
	}
	tag, err := l.repo.exec(ctx, `
		UPDATE resource_units SET held_capacity = held_capacity + $2, updated_at = now()
		WHERE id = $1 AND held_capacity + confirmed_capacity + $2 <= total_capacity
	`, unitID, quantity)
	if err != nil {
		return errors.Wrap(err, "reserve")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	u, err := l.Unit(ctx, unitID)
	if err != nil {
		return err
	}
	return errors.Wrapf(domain.ErrInsufficientCapacity, "unit %s has %d available, requested %d", unitID, u.Available(), quantity)
}

func (l *Ledger) Release(ctx context.Context, unitID string, quantity int) error {
	return l.mutate(ctx, "release", unitID, quantity, `
		UPDATE resource_units SET held_capacity = held_capacity - $2, updated_at = now()
		WHERE id = $1 AND held_capacity >= $2
	`)
}

func (l *Ledger) ReleaseConfirmed(ctx context.Context, unitID string, quantity int) error {
	return l.mutate(ctx, "release confirmed", unitID, quantity, `
		UPDATE resource_units SET confirmed_capacity = confirmed_capacity - $2, updated_at = now()
		WHERE id = $1 AND confirmed_capacity >= $2
	`)
}

func (l *Ledger) Promote(ctx context.Context, unitID string, quantity int) error {
	return l.mutate(ctx, "promote", unitID, quantity, `
		UPDATE resource_units
		SET held_capacity = held_capacity - $2, confirmed_capacity = confirmed_capacity + $2, updated_at = now()
		WHERE id = $1 AND held_capacity >= $2
	`)
}

func (l *Ledger) Available(ctx context.Context, unitID string) (int, error) {
	u, err := l.Unit(ctx, unitID)
	if err != nil {
		return 0, err
	}
	return u.Available(), nil
}

func (l *Ledger) Unit(ctx context.Context, unitID string) (domain.ResourceUnit, error) {
	var u domain.ResourceUnit
	err := l.repo.queryRow(ctx, `
		SELECT id, total_capacity, held_capacity, confirmed_capacity
		FROM resource_units WHERE id = $1
	`, unitID).Scan(&u.ID, &u.Total, &u.Held, &u.Confirmed)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ResourceUnit{}, errors.Wrapf(domain.ErrUnitNotFound, "unit %s", unitID)
	}
	if err != nil {
		return domain.ResourceUnit{}, errors.Wrap(err, "get unit")
	}
	return u, nil
}

// mutate runs a guarded decrement. No matching row means either an unknown unit or
// a request beyond what the unit holds; the latter is never clamped.
func (l *Ledger) mutate(ctx context.Context, op, unitID string, quantity int, stmt string) error {
	if quantity <= 0 {
		return errors.Wrapf(domain.ErrInvalidQuantity, "%s %d", op, quantity)
	}
	tag, err := l.repo.exec(ctx, stmt, unitID, quantity)
	if err != nil {
		return errors.Wrap(err, op)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	u, err := l.Unit(ctx, unitID)
	if err != nil {
		return err
	}
	observability.LedgerInvariantBreaches.Inc()
	l.repo.logger.
		WithField("op", op).
		WithField("unit_id", unitID).
		WithField("quantity", quantity).
		WithField("held", u.Held).
		WithField("confirmed", u.Confirmed).
		Error("ledger invariant breach")
	return errors.Wrapf(domain.ErrInvariantBreach, "%s %d on unit %s (held %d, confirmed %d)", op, quantity, unitID, u.Held, u.Confirmed)
}
