package tidy

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Format names a file encoding for tables.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON:
		return f, nil
	case "":
		return FormatCSV, nil
	}
	return "", errors.Errorf("unsupported table format %q", s)
}

// Write encodes t in the given format.
func (t *Table) Write(w io.Writer, f Format) error {
	switch f {
	case FormatJSON:
		return t.WriteJSON(w)
	default:
		return t.WriteCSV(w)
	}
}

// WriteCSV writes a header line followed by one line per row. Missing
// values are written as empty fields.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.columns); err != nil {
		return errors.Wrap(err, "write csv header")
	}
	record := make([]string, len(t.columns))
	for r := range t.rows {
		for i := range t.columns {
			record[i] = ""
			if i < len(t.rows[r]) {
				record[i] = FormatValue(t.rows[r][i])
			}
		}
		if err := cw.Write(record); err != nil {
			return errors.Wrap(err, "write csv row")
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flush csv")
}

// WriteJSON writes the rows as a JSON array of objects whose keys follow
// the column order.
func (t *Table) WriteJSON(w io.Writer) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("[")
	for r := range t.rows {
		if r > 0 {
			bw.WriteString(",")
		}
		bw.WriteString("\n  {")
		for i, c := range t.columns {
			if i > 0 {
				bw.WriteString(", ")
			}
			k, _ := json.Marshal(c)
			var v any
			if i < len(t.rows[r]) {
				v = t.rows[r][i]
			}
			vb, err := json.Marshal(v)
			if err != nil {
				return errors.Wrapf(err, "encode column %s", c)
			}
			bw.Write(k)
			bw.WriteString(": ")
			bw.Write(vb)
		}
		bw.WriteString("}")
	}
	if len(t.rows) > 0 {
		bw.WriteString("\n")
	}
	bw.WriteString("]\n")
	return errors.Wrap(bw.Flush(), "write json")
}

// FormatValue renders a cell the way it appears in CSV output.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	}
	return fmt.Sprint(v)
}

// ReadCSV parses a CSV document with a header line into a table. Cells are
// kept as strings; empty cells become nil.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return New(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read csv header")
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}
	t := New(header...)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read csv row")
		}
		cells := make([]Cell, 0, len(rec))
		for i, v := range rec {
			if i >= len(header) {
				break
			}
			var val any
			if v != "" {
				val = v
			}
			cells = append(cells, Cell{Name: header[i], Value: val})
		}
		t.Append(cells...)
	}
	return t, nil
}

// ReadCSVBytes is ReadCSV over a byte slice.
func ReadCSVBytes(b []byte) (*Table, error) {
	return ReadCSV(bytes.NewReader(b))
}

// Typed returns the rows padded to the column count, with the cells of
// non-numeric columns rendered as strings. numeric[i] reports whether
// column i holds numbers only.
func (t *Table) Typed() (numeric []bool, rows [][]any) {
	numeric = make([]bool, len(t.columns))
	for i, c := range t.columns {
		numeric[i] = t.Numeric(c)
	}
	rows = make([][]any, len(t.rows))
	for r := range t.rows {
		row := t.Row(r)
		for i, v := range row {
			if v != nil && !numeric[i] {
				row[i] = FormatValue(v)
			}
		}
		rows[r] = row
	}
	return numeric, rows
}
