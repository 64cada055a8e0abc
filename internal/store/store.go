// Package store writes pulled tables to the destination selected by the
// output section of the configuration: CSV or JSON files, SQLite or
// Postgres.
package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/pkg/errors"

	"github.com/seenimoa/macropanel/internal/config"
	"github.com/seenimoa/macropanel/internal/store/postgres"
	"github.com/seenimoa/macropanel/internal/store/sqlite"
	"github.com/seenimoa/macropanel/internal/tidy"
)

// Sink receives tables. Writing a name again replaces the earlier table.
type Sink interface {
	Write(ctx context.Context, name string, t *tidy.Table) (int64, error)
	Close() error
}

// Open returns the sink named by cfg.Format.
func Open(ctx context.Context, cfg config.OutputConfig) (Sink, error) {
	switch strings.ToLower(cfg.Format) {
	case "", string(tidy.FormatCSV):
		return NewFileSink(cfg.Dir, tidy.FormatCSV), nil
	case string(tidy.FormatJSON):
		return NewFileSink(cfg.Dir, tidy.FormatJSON), nil
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrap(err, "create sqlite directory")
			}
		}
		return sqlite.NewRepository(ctx, cfg.SQLitePath)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, errors.New("output.postgres_dsn is required for the postgres format")
		}
		return postgres.NewRepository(ctx, cfg.PostgresDSN, cfg.PostgresSchema)
	}
	return nil, errors.Errorf("unsupported output format %q", cfg.Format)
}

// TableName turns a dataset identifier such as "oecd.t720" into a table or
// file name: lower case, with runs of other characters replaced by "_".
func TableName(dataset string) string {
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(dataset) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			sep = false
			continue
		}
		sep = true
	}
	return b.String()
}

// FileSink writes each table to DIR/NAME.EXT.
type FileSink struct {
	dir    string
	format tidy.Format
}

// NewFileSink creates a sink writing into dir.
func NewFileSink(dir string, format tidy.Format) *FileSink {
	return &FileSink{dir: dir, format: format}
}

// Path returns the file written for name.
func (s *FileSink) Path(name string) string {
	return filepath.Join(s.dir, name+"."+string(s.format))
}

// Write encodes t into a temporary file and renames it over the target.
func (s *FileSink) Write(_ context.Context, name string, t *tidy.Table) (int64, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return 0, errors.Wrap(err, "create output directory")
	}
	path := s.Path(name)
	f, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return 0, errors.Wrap(err, "create output file")
	}
	tmp := f.Name()
	if err := t.Write(f, s.format); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, errors.Wrap(err, "close output file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, errors.Wrap(err, "rename output file")
	}
	return int64(t.Len()), nil
}

// Close is a no-op.
func (s *FileSink) Close() error { return nil }
