package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seenimoa/macropanel/internal/tidy"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(context.Background(), "file::memory:")
	require.NoError(t, err)
	// One connection so every statement sees the same in-memory database.
	repo.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testTable() *tidy.Table {
	tbl := tidy.New("country", "year", "value")
	tbl.Append(tidy.Cell{Name: "country", Value: "FRA"}, tidy.Cell{Name: "year", Value: "2019"}, tidy.Cell{Name: "value", Value: 1.5})
	tbl.Append(tidy.Cell{Name: "country", Value: "DEU"}, tidy.Cell{Name: "year", Value: "2019"})
	return tbl
}

func TestNewRepositoryRejectsEmptyDSN(t *testing.T) {
	_, err := NewRepository(context.Background(), " ")
	require.Error(t, err)
}

func TestCreateTableSQL(t *testing.T) {
	got := CreateTableSQL("oecd_t720", []string{"country", "value"}, []bool{false, true})
	assert.Equal(t, `CREATE TABLE "oecd_t720" ("country" TEXT, "value" REAL)`, got)
	assert.Equal(t, `INSERT INTO "t" ("a", "b""c") VALUES (?, ?)`, InsertSQL("t", []string{"a", `b"c`}))
}

func TestWriteReplacesTable(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	n, err := repo.Write(ctx, "bis_debt", testTable())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// A second write replaces the rows instead of appending.
	n, err = repo.Write(ctx, "bis_debt", testTable())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	var count int
	require.NoError(t, repo.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM "bis_debt"`).Scan(&count))
	assert.Equal(t, 2, count)

	var value float64
	require.NoError(t, repo.DB().QueryRowContext(ctx, `SELECT value FROM "bis_debt" WHERE country = 'FRA'`).Scan(&value))
	assert.Equal(t, 1.5, value)

	var missing *float64
	require.NoError(t, repo.DB().QueryRowContext(ctx, `SELECT value FROM "bis_debt" WHERE country = 'DEU'`).Scan(&missing))
	assert.Nil(t, missing)
}

func TestWriteEmptyTableKeepsHeader(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	n, err := repo.Write(ctx, "empty", tidy.New("country", "value"))
	require.NoError(t, err)
	assert.Zero(t, n)

	rows, err := repo.DB().QueryContext(ctx, `SELECT * FROM "empty"`)
	require.NoError(t, err)
	defer rows.Close()
	cols, err := rows.Columns()
	require.NoError(t, err)
	assert.Equal(t, []string{"country", "value"}, cols)
}

func TestWriteWithoutColumns(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Write(context.Background(), "none", tidy.New())
	require.Error(t, err)
}
