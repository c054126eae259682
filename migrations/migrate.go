package migrations

import (
	"context"
	"embed"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed *.sql
var migrationFiles embed.FS

// Apply runs the embedded SQL files in name order, skipping those already recorded
// in schema_migrations. Every statement is idempotent, so concurrent callers are safe.
func Apply(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := migrationFiles.ReadDir(".")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if _, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	name STRING PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return errors.Wrap(err, "ensure schema_migrations")
	}

	for _, name := range names {
		var applied bool
		if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name).Scan(&applied); err != nil {
			return errors.Wrapf(err, "check migration %s", name)
		}
		if applied {
			continue
		}

		body, err := migrationFiles.ReadFile(name)
		if err != nil {
			return errors.Wrapf(err, "read migration %s", name)
		}
		sql := strings.TrimSpace(string(body))
		if sql == "" {
			continue
		}
		if _, err := pool.Exec(ctx, sql); err != nil {
			return errors.Wrapf(err, "exec migration %s", name)
		}
		if _, err := pool.Exec(ctx, `UPSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			return errors.Wrapf(err, "record migration %s", name)
		}
	}
	return nil
}
