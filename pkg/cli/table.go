package cli

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

const columnGap = 2

// Table prints column-aligned rows. Rows are buffered until Flush so column
// widths fit the widest cell; on a terminal, over-wide columns are capped
// to the terminal width and their cells wrapped. Empty tables print nothing.
type Table struct {
	out      io.Writer
	headers  []string
	prefix   string
	rows     [][]string
	maxWidth int // 0 means unlimited
}

// NewTable creates a table on stdout with the given column headers.
func NewTable(headers ...string) *Table {
	t := NewTableTo(os.Stdout, headers...)
	t.maxWidth = terminalWidth(os.Stdout)
	return t
}

// NewTableTo creates a table writing to w without a width limit.
func NewTableTo(w io.Writer, headers ...string) *Table {
	return &Table{out: w, headers: headers}
}

// WithPrefix sets a string prepended to each line (headers, divider, rows).
func (t *Table) WithPrefix(prefix string) *Table {
	t.prefix = prefix
	return t
}

// Row adds a row. Missing cells are blank; extra cells are dropped.
func (t *Table) Row(values ...string) {
	row := make([]string, len(t.headers))
	copy(row, values)
	t.rows = append(t.rows, row)
}

// Len returns the number of rows added.
func (t *Table) Len() int { return len(t.rows) }

// Flush writes the headers, a dash divider and every row.
func (t *Table) Flush() {
	if len(t.rows) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visualLen(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			widths[i] = max(widths[i], visualLen(cell))
		}
	}
	if t.maxWidth > 0 {
		widths = capWidths(widths, t.headers, t.maxWidth, visualLen(t.prefix))
	}

	dividers := make([]string, len(t.headers))
	for i, h := range t.headers {
		dividers[i] = strings.Repeat("-", visualLen(h))
	}
	t.writeLine(t.headers, widths)
	t.writeLine(dividers, widths)

	for _, row := range t.rows {
		wrapped := make([][]string, len(row))
		lines := 1
		for i, cell := range row {
			wrapped[i] = wrapCell(cell, widths[i])
			lines = max(lines, len(wrapped[i]))
		}
		for l := 0; l < lines; l++ {
			cells := make([]string, len(row))
			for i := range row {
				if l < len(wrapped[i]) {
					cells[i] = wrapped[i][l]
				}
			}
			t.writeLine(cells, widths)
		}
	}
	t.rows = nil
}

func (t *Table) writeLine(cells []string, widths []int) {
	var b strings.Builder
	b.WriteString(t.prefix)
	for i, cell := range cells {
		b.WriteString(cell)
		if i == len(cells)-1 {
			break
		}
		b.WriteString(strings.Repeat(" ", widths[i]-visualLen(cell)+columnGap))
	}
	fmt.Fprintln(t.out, strings.TrimRight(b.String(), " "))
}

func terminalWidth(f *os.File) int {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// visualLen is the printed width of s, ignoring ANSI colour codes.
func visualLen(s string) int {
	return utf8.RuneCountInString(ansiRe.ReplaceAllString(s, ""))
}

// capWidths shrinks the widest columns until the table fits termWidth.
// No column shrinks below its header width, so the result may still be
// wider than the terminal.
func capWidths(widths []int, headers []string, termWidth, prefix int) []int {
	out := make([]int, len(widths))
	copy(out, widths)

	total := prefix + columnGap*(len(out)-1)
	for _, w := range out {
		total += w
	}
	for total > termWidth {
		widest := -1
		for i, w := range out {
			if w > visualLen(headers[i]) && (widest < 0 || w > out[widest]) {
				widest = i
			}
		}
		if widest < 0 {
			break
		}
		cut := min(total-termWidth, out[widest]-visualLen(headers[widest]))
		out[widest] -= cut
		total -= cut
	}
	return out
}

// wrapCell splits s into lines of at most width, breaking at spaces and
// hard-breaking words longer than width.
func wrapCell(s string, width int) []string {
	if width <= 0 || visualLen(s) <= width {
		return []string{s}
	}

	var lines []string
	line := ""
	for _, word := range strings.Fields(s) {
		for visualLen(word) > width {
			if line != "" {
				lines = append(lines, line)
				line = ""
			}
			r := []rune(word)
			lines = append(lines, string(r[:width]))
			word = string(r[width:])
		}
		switch {
		case word == "":
		case line == "":
			line = word
		case visualLen(line)+1+visualLen(word) <= width:
			line += " " + word
		default:
			lines = append(lines, line)
			line = word
		}
	}
	if line != "" {
		lines = append(lines, line)
	}
	return lines
}
