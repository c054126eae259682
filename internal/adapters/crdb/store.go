package crdb

import (
	"context"
	"iter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/reservation-allocator/internal/domain"
)

const reservationColumns = `id, idempotency_key, resource_unit_id, quantity, state, hold_expires_at, created_at, updated_at, version`

type reservationRow struct {
	ID             string    `db:"id"`
	IdempotencyKey string    `db:"idempotency_key"`
	ResourceUnitID string    `db:"resource_unit_id"`
	Quantity       int       `db:"quantity"`
	State          string    `db:"state"`
	HoldExpiresAt  time.Time `db:"hold_expires_at"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
	Version        int64     `db:"version"`
}

func (r reservationRow) toDomain() domain.Reservation {
	return domain.Reservation{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey,
		ResourceUnitID: r.ResourceUnitID,
		Quantity:       r.Quantity,
		State:          domain.State(r.State),
		HoldExpiresAt:  r.HoldExpiresAt.UTC(),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		Version:        r.Version,
	}
}

// Store keeps reservations in the reservations table. CompareAndSwap is a
// version-guarded UPDATE.
type Store struct {
	repo *Repository
}

func NewStore(repo *Repository) *Store {
	return &Store{repo: repo}
}

func (s *Store) InsertIfAbsent(ctx context.Context, rec domain.Reservation) (domain.Reservation, bool, error) {
	tag, err := s.repo.exec(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, rec.ID, rec.IdempotencyKey, rec.ResourceUnitID, rec.Quantity, string(rec.State),
		rec.HoldExpiresAt, rec.CreatedAt, rec.UpdatedAt, rec.Version)
	if err != nil {
		return domain.Reservation{}, false, errors.Wrap(err, "insert reservation")
	}
	if tag.RowsAffected() == 1 {
		return rec, true, nil
	}

	existing, err := s.FindByIdempotencyKey(ctx, rec.IdempotencyKey)
	if err != nil {
		return domain.Reservation{}, false, err
	}
	if existing == nil {
		return domain.Reservation{}, false, errors.AssertionFailedf("idempotency key %s conflicted but no row found", rec.IdempotencyKey)
	}
	return *existing, false, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, id string, expected int64, next domain.Reservation) error {
	if next.ID != id {
		return errors.AssertionFailedf("compare-and-swap may not change identity of reservation %s", id)
	}
	tag, err := s.repo.exec(ctx, `
		UPDATE reservations
		SET state = $3, hold_expires_at = $4, updated_at = $5, version = $6
		WHERE id = $1 AND version = $2 AND idempotency_key = $7
	`, id, expected, string(next.State), next.HoldExpiresAt, next.UpdatedAt, next.Version, next.IdempotencyKey)
	if err != nil {
		return errors.Wrap(err, "compare-and-swap reservation")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.IdempotencyKey != next.IdempotencyKey {
		return errors.AssertionFailedf("compare-and-swap may not change identity of reservation %s", id)
	}
	return errors.Wrapf(domain.ErrVersionConflict, "reservation %s at version %d, expected %d", id, cur.Version, expected)
}

func (s *Store) Get(ctx context.Context, id string) (domain.Reservation, error) {
	rec, err := s.one(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, errors.Wrapf(domain.ErrNotFound, "reservation %s", id)
	}
	return rec, err
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Reservation, error) {
	rec, err := s.one(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE idempotency_key = $1`, key)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindExpiredHolds reads the due set in one query and then yields it, so each
// enumeration is a consistent snapshot rather than a live cursor.
func (s *Store) FindExpiredHolds(ctx context.Context, now time.Time) iter.Seq2[domain.Reservation, error] {
	return func(yield func(domain.Reservation, error) bool) {
		due, err := s.many(ctx, `
			SELECT `+reservationColumns+` FROM reservations
			WHERE state = 'HELD' AND hold_expires_at <= $1
			ORDER BY hold_expires_at ASC
		`, now)
		if err != nil {
			yield(domain.Reservation{}, err)
			return
		}
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
	return s.many(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE resource_unit_id = $1 ORDER BY created_at ASC
	`, unitID)
}

func (s *Store) one(ctx context.Context, sql string, args ...any) (domain.Reservation, error) {
	rows, err := s.repo.query(ctx, sql, args...)
	if err != nil {
		return domain.Reservation{}, errors.Wrap(err, "query reservation")
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[reservationRow])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Reservation{}, pgx.ErrNoRows
		}
		return domain.Reservation{}, errors.Wrap(err, "scan reservation")
	}
	return row.toDomain(), nil
}

func (s *Store) many(ctx context.Context, sql string, args ...any) ([]domain.Reservation, error) {
	rows, err := s.repo.query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query reservations")
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[reservationRow])
	if err != nil {
		return nil, errors.Wrap(err, "scan reservations")
	}
	out := make([]domain.Reservation, 0, len(list))
	for _, r := range list {
		out = append(out, r.toDomain())
	}
	return out, nil
}
