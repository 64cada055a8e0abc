// Package postgres writes pulled tables into Postgres using pgx v5. Each
// write recreates the table and loads the rows with COPY inside one
// transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"

	"github.com/seenimoa/macropanel/internal/tidy"
)

// Repository is a Postgres-backed table sink.
type Repository struct {
	pool   *pgxpool.Pool
	schema string
}

// NewRepository connects to dsn. Tables are created in schema, or in the
// search path when schema is empty.
func NewRepository(ctx context.Context, dsn, schema string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "pgxpool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, pkgerrors.Wrap(err, "postgres: ping")
	}
	return &Repository{pool: pool, schema: schema}, nil
}

// Close releases the pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// Write replaces table name with the rows of t.
func (r *Repository) Write(ctx context.Context, name string, t *tidy.Table) (int64, error) {
	cols := t.Columns()
	if len(cols) == 0 {
		return 0, pkgerrors.Errorf("postgres: table %s has no columns", name)
	}
	numeric, rows := t.Typed()
	ident := r.identifier(name)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+ident.Sanitize()); err != nil {
		return 0, pkgerrors.Wrapf(err, "postgres: drop %s", name)
	}
	if _, err := tx.Exec(ctx, CreateTableSQL(ident, cols, numeric)); err != nil {
		return 0, pkgerrors.Wrapf(err, "postgres: create %s", name)
	}
	n, err := tx.CopyFrom(ctx, ident, cols, pgx.CopyFromRows(rows))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			return 0, fmt.Errorf("postgres: copy into %s: %s (%s)", name, pgErr.Detail, pgErr.SQLState())
		}
		return 0, pkgerrors.Wrapf(err, "postgres: copy into %s", name)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, pkgerrors.Wrap(err, "postgres: commit")
	}
	return n, nil
}

func (r *Repository) identifier(name string) pgx.Identifier {
	if r.schema == "" {
		return pgx.Identifier{name}
	}
	return pgx.Identifier{r.schema, name}
}

// CreateTableSQL builds the DDL of a table whose numeric columns are
// double precision and the others text.
func CreateTableSQL(ident pgx.Identifier, cols []string, numeric []bool) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		typ := "text"
		if i < len(numeric) && numeric[i] {
			typ = "double precision"
		}
		defs[i] = pgx.Identifier{c}.Sanitize() + " " + typ
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", ident.Sanitize(), strings.Join(defs, ", "))
}
