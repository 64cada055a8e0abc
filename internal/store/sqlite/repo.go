// Package sqlite writes pulled tables into a SQLite database using
// database/sql. Each write replaces the table inside one transaction.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/seenimoa/macropanel/internal/tidy"
)

// Repository is a SQLite-backed table sink.
type Repository struct {
	db *sql.DB
}

// NewRepository opens the database at dsn, e.g. "data/macropanel.db" or
// "file::memory:?cache=shared".
func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: open")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlite: ping")
	}
	return &Repository{db: db}, nil
}

// DB exposes the connection, mostly for queries in tests.
func (r *Repository) DB() *sql.DB { return r.db }

// Close closes the database.
func (r *Repository) Close() error { return r.db.Close() }

// Write replaces table name with the rows of t and returns the number of
// rows inserted.
func (r *Repository) Write(ctx context.Context, name string, t *tidy.Table) (int64, error) {
	cols := t.Columns()
	if len(cols) == 0 {
		return 0, errors.Errorf("sqlite: table %s has no columns", name)
	}
	numeric, rows := t.Typed()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return 0, errors.Wrapf(err, "sqlite: drop %s", name)
	}
	if _, err := tx.ExecContext(ctx, CreateTableSQL(name, cols, numeric)); err != nil {
		return 0, errors.Wrapf(err, "sqlite: create %s", name)
	}

	stmt, err := tx.PrepareContext(ctx, InsertSQL(name, cols))
	if err != nil {
		return 0, errors.Wrap(err, "sqlite: prepare insert")
	}
	defer stmt.Close()

	var inserted int64
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, errors.Wrapf(err, "sqlite: insert into %s", name)
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "sqlite: commit")
	}
	return inserted, nil
}

// CreateTableSQL builds the DDL of a table whose numeric columns are REAL
// and the others TEXT.
func CreateTableSQL(name string, cols []string, numeric []bool) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		typ := "TEXT"
		if i < len(numeric) && numeric[i] {
			typ = "REAL"
		}
		defs[i] = quoteIdent(c) + " " + typ
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(defs, ", "))
}

// InsertSQL builds the prepared single-row INSERT for cols.
func InsertSQL(name string, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(name), strings.Join(quoted, ", "), placeholders)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
