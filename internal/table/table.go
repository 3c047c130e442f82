// Package table renders rows of text as an ASCII table with box-drawing
// borders. Cell content may contain ANSI color sequences; alignment is
// computed on the visible width.
package table

import (
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Alignment controls how cell content is padded within its column.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
	AlignCenter
)

var ansiPattern = regexp.MustCompile("\x1b\\[[0-9;]*m")

// Table accumulates rows and renders them to a writer.
type Table struct {
	w           io.Writer
	header      []string
	rows        [][]string
	colAlign    []Alignment
	headerAlign []Alignment
}

// NewTable creates a table that renders to w.
func NewTable(w io.Writer) *Table {
	return &Table{w: w}
}

// WithHeader sets the column headers. The header row also fixes the
// column count; longer data rows are truncated.
func (t *Table) WithHeader(header []string) *Table {
	t.header = header
	return t
}

// WithColumnAlignment sets per-column alignment for data rows. Columns
// without an entry default to left alignment.
func (t *Table) WithColumnAlignment(aligns []Alignment) *Table {
	t.colAlign = aligns
	return t
}

// WithHeaderAlignment sets per-column alignment for the header row.
// Columns without an entry default to center alignment.
func (t *Table) WithHeaderAlignment(aligns []Alignment) *Table {
	t.headerAlign = aligns
	return t
}

// Append adds one data row.
func (t *Table) Append(row []string) *Table {
	t.rows = append(t.rows, row)
	return t
}

// WithRows replaces all data rows.
func (t *Table) WithRows(rows [][]string) *Table {
	t.rows = rows
	return t
}

// Render writes the table. A table with no header and no rows renders
// nothing.
func (t *Table) Render() {
	cols := len(t.header)
	for _, row := range t.rows {
		if len(row) > cols {
			cols = len(row)
		}
	}
	if cols == 0 {
		return
	}

	widths := make([]int, cols)
	measure := func(row []string) {
		for i, cell := range row {
			if i >= cols {
				break
			}
			if w := visibleWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(t.header)
	for _, row := range t.rows {
		measure(row)
	}

	border := t.borderLine(widths)
	fmt.Fprintln(t.w, border)
	if len(t.header) > 0 {
		fmt.Fprintln(t.w, t.formatRow(t.header, widths, t.headerAlign, AlignCenter))
		fmt.Fprintln(t.w, border)
	}
	for _, row := range t.rows {
		fmt.Fprintln(t.w, t.formatRow(row, widths, t.colAlign, AlignLeft))
	}
	fmt.Fprintln(t.w, border)
}

func (t *Table) borderLine(widths []int) string {
	var b strings.Builder
	for _, w := range widths {
		b.WriteString("+")
		b.WriteString(strings.Repeat("-", w+2))
	}
	b.WriteString("+")
	return b.String()
}

func (t *Table) formatRow(row []string, widths []int, aligns []Alignment, fallback Alignment) string {
	var b strings.Builder
	for i, w := range widths {
		var cell string
		if i < len(row) {
			cell = row[i]
		}
		align := fallback
		if i < len(aligns) {
			align = aligns[i]
		}
		b.WriteString("| ")
		b.WriteString(pad(cell, w, align))
		b.WriteString(" ")
	}
	b.WriteString("|")
	return b.String()
}

// pad fills cell out to width with spaces, placed by alignment. The cell's
// ANSI sequences do not count toward its width.
func pad(cell string, width int, align Alignment) string {
	gap := width - visibleWidth(cell)
	if gap <= 0 {
		return cell
	}
	switch align {
	case AlignRight:
		return strings.Repeat(" ", gap) + cell
	case AlignCenter:
		left := gap / 2
		return strings.Repeat(" ", left) + cell + strings.Repeat(" ", gap-left)
	default:
		return cell + strings.Repeat(" ", gap)
	}
}

func visibleWidth(s string) int {
	return len([]rune(ansiPattern.ReplaceAllString(s, "")))
}
