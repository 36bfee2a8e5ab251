package normalize

import (
	"strconv"
	"strings"
)

// Table is one raw tabular payload as read from a source archive: a header
// plus string cells, no type interpretation.
type Table struct {
	Source  string // provenance for diagnostics: archive member or sheet name
	Columns []string
	Rows    [][]string
}

// Empty reports whether the table has no data rows.
func (t Table) Empty() bool { return len(t.Rows) == 0 }

// Col returns the index of the named column, matching case-insensitively on
// the trimmed header. Returns -1 when absent.
func (t Table) Col(name string) int {
	want := strings.ToUpper(strings.TrimSpace(name))
	for i, c := range t.Columns {
		if strings.ToUpper(strings.TrimSpace(c)) == want {
			return i
		}
	}
	return -1
}

// ColAny returns the first present column among candidates, or -1.
func (t Table) ColAny(names ...string) int {
	for _, n := range names {
		if i := t.Col(n); i >= 0 {
			return i
		}
	}
	return -1
}

// Cell returns the trimmed cell at idx, or "" when the row is ragged.
func Cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// PromoteHeader builds a Table from a raw cell grid whose header row is not
// necessarily first. Rows with an empty first cell are preamble or padding
// and dropped; the first surviving row becomes the header. Spreadsheet
// exports render integer headers as floats, so "1.0" collapses to "1".
func PromoteHeader(source string, raw [][]string) Table {
	t := Table{Source: source}
	for i, row := range raw {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		t.Columns = make([]string, len(row))
		for j, c := range row {
			t.Columns[j] = cleanHeader(c)
		}
		for _, r := range raw[i+1:] {
			if len(r) == 0 || strings.TrimSpace(r[0]) == "" {
				continue
			}
			t.Rows = append(t.Rows, r)
		}
		break
	}
	return t
}

func cleanHeader(c string) string {
	c = strings.TrimSpace(c)
	if !strings.Contains(c, ".") {
		return c
	}
	if f, err := strconv.ParseFloat(c, 64); err == nil && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return c
}

// ParseNumber parses a numeric cell accepting both decimal conventions:
// "1234.56" as well as the Spanish "1.234,56". Empty and garbage cells
// report false.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if i := strings.LastIndexByte(s, ','); i >= 0 {
		if strings.LastIndexByte(s, '.') > i {
			// "1,234.56": comma groups thousands
			s = strings.ReplaceAll(s, ",", "")
		} else {
			// "1.234,56" or "1234,56": comma is the decimal mark
			s = strings.ReplaceAll(s, ".", "")
			s = strings.ReplaceAll(s, ",", ".")
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
