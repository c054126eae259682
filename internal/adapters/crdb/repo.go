// Package crdb backs the ledger, the reservation store and the outbox with CockroachDB.
//
// All three share a Repository. Repository.WithTx opens a SERIALIZABLE transaction
// and carries it in the context; every query issued with that context joins it.
package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/reservation-allocator/internal/domain"
	"github.com/robertarktes/reservation-allocator/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"
)

type txKey struct{}

type Repository struct {
	pool   *pgxpool.Pool
	logger observability.Logger
}

func NewRepository(pool *pgxpool.Pool, logger observability.Logger) *Repository {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Repository{pool: pool, logger: logger}
}

// WithTx runs fn in a SERIALIZABLE transaction. Nested calls join the outer one.
// A serialization failure is marked domain.ErrSerializationFailure so callers can retry.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return translate(err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return translate(err)
	}
	return translate(tx.Commit(ctx))
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

func (r *Repository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *Repository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}

func (r *Repository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == UniqueViolationCode
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if pgCode(err) == SerializationFailureCode {
		return errors.Mark(err, domain.ErrSerializationFailure)
	}
	return err
}
