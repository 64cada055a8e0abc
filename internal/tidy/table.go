// Package tidy holds the flat, column-ordered table produced by every pull
// and its CSV and JSON encodings.
package tidy

import (
	"sort"
	"strings"

	"github.com/seenimoa/macropanel/internal/sdmx"
)

// ValueColumn is the name of the observation value column.
const ValueColumn = "value"

// LabelSuffix is appended to a dimension column to name its label column.
const LabelSuffix = "_label"

// Cell is one named value of a row.
type Cell struct {
	Name  string
	Value any
}

// Table is a list of rows sharing a growing set of columns. Columns keep the
// order in which they were first seen. A Table is not safe for concurrent
// writes.
type Table struct {
	columns []string
	index   map[string]int
	rows    [][]any
}

// New creates a table with the given leading columns.
func New(columns ...string) *Table {
	t := &Table{index: make(map[string]int)}
	for _, c := range columns {
		t.AddColumn(c)
	}
	return t
}

// AddColumn registers name and returns its position.
func (t *Table) AddColumn(name string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	t.index[name] = len(t.columns)
	t.columns = append(t.columns, name)
	return len(t.columns) - 1
}

// Columns returns the column names in order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

// HasColumn reports whether name is a column.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Append adds one row.
func (t *Table) Append(cells ...Cell) {
	row := make([]any, len(t.columns), len(t.columns)+len(cells))
	for _, c := range cells {
		i := t.AddColumn(c.Name)
		for len(row) <= i {
			row = append(row, nil)
		}
		row[i] = c.Value
	}
	t.rows = append(t.rows, row)
}

// AppendMap adds one row from a map. New columns are added in sorted order.
func (t *Table) AppendMap(m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		_, iok := t.index[keys[i]]
		_, jok := t.index[keys[j]]
		if iok != jok {
			return iok
		}
		return keys[i] < keys[j]
	})
	cells := make([]Cell, len(keys))
	for i, k := range keys {
		cells[i] = Cell{Name: k, Value: m[k]}
	}
	t.Append(cells...)
}

// Value returns the cell at row for column, nil when unset.
func (t *Table) Value(row int, column string) any {
	i, ok := t.index[column]
	if !ok || row < 0 || row >= len(t.rows) || i >= len(t.rows[row]) {
		return nil
	}
	return t.rows[row][i]
}

// Set replaces the cell at row for column, adding the column if needed.
func (t *Table) Set(row int, column string, v any) {
	i := t.AddColumn(column)
	for len(t.rows[row]) <= i {
		t.rows[row] = append(t.rows[row], nil)
	}
	t.rows[row][i] = v
}

// Row returns row r padded to the current column count.
func (t *Table) Row(r int) []any {
	out := make([]any, len(t.columns))
	copy(out, t.rows[r])
	return out
}

// Records returns every row as a column→value map.
func (t *Table) Records() []map[string]any {
	out := make([]map[string]any, len(t.rows))
	for r := range t.rows {
		rec := make(map[string]any, len(t.columns))
		for i, c := range t.columns {
			if i < len(t.rows[r]) {
				rec[c] = t.rows[r][i]
			} else {
				rec[c] = nil
			}
		}
		out[r] = rec
	}
	return out
}

// Concat appends the rows of other, adding its columns.
func (t *Table) Concat(other *Table) {
	if other == nil {
		return
	}
	for r := range other.rows {
		cells := make([]Cell, 0, len(other.columns))
		for i, c := range other.columns {
			if i < len(other.rows[r]) {
				cells = append(cells, Cell{Name: c, Value: other.rows[r][i]})
			}
		}
		t.Append(cells...)
	}
	for _, c := range other.columns {
		t.AddColumn(c)
	}
}

// Rename renames columns. Renaming onto an existing column is ignored.
func (t *Table) Rename(names map[string]string) {
	for from, to := range names {
		i, ok := t.index[from]
		if !ok || from == to {
			continue
		}
		if _, taken := t.index[to]; taken {
			continue
		}
		delete(t.index, from)
		t.index[to] = i
		t.columns[i] = to
	}
}

// Filter keeps the rows for which keep returns true.
func (t *Table) Filter(keep func(row int) bool) {
	out := t.rows[:0]
	for r := range t.rows {
		if keep(r) {
			out = append(out, t.rows[r])
		}
	}
	for i := len(out); i < len(t.rows); i++ {
		t.rows[i] = nil
	}
	t.rows = out
}

// ColumnName returns the output column for an SDMX dimension id: the
// renamed name when present, otherwise the id in lower case.
func ColumnName(id string, rename map[string]string) string {
	if name, ok := rename[id]; ok && name != "" {
		return name
	}
	return strings.ToLower(id)
}

// AppendObservations adds one row per observation with a code and a label
// column per dimension, the value, and a code column per attribute.
func (t *Table) AppendObservations(obs []sdmx.Observation, rename map[string]string) {
	for _, o := range obs {
		cells := make([]Cell, 0, 2*len(o.Dimensions)+len(o.Attributes)+1)
		for _, d := range o.Dimensions {
			name := ColumnName(d.ID, rename)
			cells = append(cells,
				Cell{Name: name, Value: nullable(d.Code)},
				Cell{Name: name + LabelSuffix, Value: nullable(d.Label)},
			)
		}
		cells = append(cells, Cell{Name: ValueColumn, Value: o.Value})
		for _, a := range o.Attributes {
			cells = append(cells, Cell{Name: ColumnName(a.ID, rename), Value: nullable(a.Code)})
		}
		t.Append(cells...)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Numeric reports whether every non-nil cell of column is a number. A
// column with no values is not numeric.
func (t *Table) Numeric(column string) bool {
	i, ok := t.index[column]
	if !ok {
		return false
	}
	seen := false
	for _, row := range t.rows {
		if i >= len(row) || row[i] == nil {
			continue
		}
		switch row[i].(type) {
		case float64, float32, int, int64:
			seen = true
		default:
			return false
		}
	}
	return seen
}
