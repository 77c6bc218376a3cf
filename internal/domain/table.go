package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Table is an in-memory tabular query result: named columns over rows of
// already-normalized Go values (string, int64, float64, bool, time.Time,
// decimal.Decimal or nil). Ephemeral; owned by the session that produced it.
type Table struct {
	Columns []string
	Rows    [][]any
}

func (t *Table) IsEmpty() bool {
	return t == nil || len(t.Rows) == 0
}

func (t *Table) RowCount() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// ColumnIndex returns the position of a named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// ColumnValues returns every value of one column, nil entries included.
func (t *Table) ColumnValues(idx int) []any {
	vals := make([]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		if idx < len(row) {
			vals = append(vals, row[idx])
		}
	}
	return vals
}

// InsertColumn inserts a column at position idx, shifting the rest right.
// values must have one entry per row.
func (t *Table) InsertColumn(idx int, name string, values []any) {
	if idx < 0 || idx > len(t.Columns) {
		idx = len(t.Columns)
	}
	t.Columns = append(t.Columns, "")
	copy(t.Columns[idx+1:], t.Columns[idx:])
	t.Columns[idx] = name

	for i := range t.Rows {
		var v any
		if i < len(values) {
			v = values[i]
		}
		t.Rows[i] = append(t.Rows[i], nil)
		copy(t.Rows[i][idx+1:], t.Rows[i][idx:])
		t.Rows[i][idx] = v
	}
}

// Preview renders up to maxRows rows as an aligned text table for prompts.
func (t *Table) Preview(maxRows int) string {
	if t.IsEmpty() {
		return "(нет данных)"
	}
	n := len(t.Rows)
	if maxRows > 0 && n > maxRows {
		n = maxRows
	}

	widths := make([]int, len(t.Columns))
	cells := make([][]string, n+1)
	cells[0] = make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cells[0][i] = c
		widths[i] = len([]rune(c))
	}
	for r := 0; r < n; r++ {
		cells[r+1] = make([]string, len(t.Columns))
		for i := range t.Columns {
			var v any
			if i < len(t.Rows[r]) {
				v = t.Rows[r][i]
			}
			s := FormatCell(v)
			cells[r+1][i] = s
			if w := len([]rune(s)); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for r := range cells {
		for i, s := range cells[r] {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(s)
			b.WriteString(strings.Repeat(" ", widths[i]-len([]rune(s))))
		}
		b.WriteString("\n")
	}
	if len(t.Rows) > n {
		fmt.Fprintf(&b, "… и ещё %d строк\n", len(t.Rows)-n)
	}
	return b.String()
}

// FormatCell renders one table value for text output.
func FormatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case decimal.Decimal:
		return x.String()
	case time.Time:
		return x.Format("2006-01-02 15:04:05")
	case float64:
		return decimal.NewFromFloat(x).String()
	case float32:
		return decimal.NewFromFloat32(x).String()
	default:
		return fmt.Sprintf("%v", x)
	}
}
