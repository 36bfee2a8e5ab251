// Package omie reads the market operator's monthly archives: one zip per
// file prefix and month, holding semicolon-separated day members that are
// republished under increasing version extensions.
package omie

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/cierzo-energy/margen/internal/domain/normalize"
)

// terminalVersion ranks a ".v" extension above any numbered revision: the
// operator publishes .1, .2, ... while corrections run, then .v once final.
const terminalVersion = 1 << 30

// layout fixes the column names of a headerless member family and how many
// banner lines precede its data.
type layout struct {
	skip    int
	columns []string
}

var layouts = map[string]layout{
	"pdbc":         {skip: 1, columns: []string{"Year", "Month", "Day", "Period", "Unit", "Quantity", "Unused", "Type", "NumOf"}},
	"marginalpdbc": {skip: 1, columns: []string{"Year", "Month", "Day", "Period", "MarginalPT", "MarginalES"}},
	"pdvd":         {skip: 2, columns: []string{"Year", "Month", "Day", "Period", "Unit", "Quantity", "Type"}},
	"pibci":        {skip: 1, columns: []string{"Year", "Month", "Day", "Period", "Session", "Unit", "Quantity", "Flag", "Type"}},
}

// Reader extracts day tables from monthly OMIE archives.
type Reader struct{}

// NewReader returns a Reader.
func NewReader() *Reader { return &Reader{} }

// Day reads the members of one day for a file prefix out of a monthly
// archive. Members are grouped by stem, the best version of each stem is
// kept, and surviving members are concatenated in stem order, so per-session
// intraday files all surface in one table. A missing archive or a day with
// no members is an expected gap.
func (r *Reader) Day(zipPath, filePrefix, dayStamp string) (normalize.Table, bool, error) {
	if _, err := os.Stat(zipPath); os.IsNotExist(err) {
		return normalize.Table{}, false, nil
	}
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return normalize.Table{}, false, fmt.Errorf("open %s: %w", zipPath, err)
	}
	defer zr.Close()

	memberPrefix := filePrefix + "_" + dayStamp
	best := make(map[string]*zip.File)
	bestVer := make(map[string]int)
	for _, f := range zr.File {
		if !strings.Contains(f.Name, memberPrefix) {
			continue
		}
		stem, ver := splitVersion(f.Name)
		if cur, seen := bestVer[stem]; !seen || ver > cur {
			best[stem] = f
			bestVer[stem] = ver
		}
	}
	if len(best) == 0 {
		return normalize.Table{}, false, nil
	}

	stems := make([]string, 0, len(best))
	for stem := range best {
		stems = append(stems, stem)
	}
	sort.Strings(stems)

	table := normalize.Table{Source: memberPrefix}
	for i, stem := range stems {
		member := best[stem]
		lines, err := readLines(member)
		if err != nil {
			return normalize.Table{}, false, fmt.Errorf("%s: member %s: %w", zipPath, member.Name, err)
		}
		cols, rows, err := parseMember(filePrefix, member.Name, lines)
		if err != nil {
			return normalize.Table{}, false, fmt.Errorf("%s: %w", zipPath, err)
		}
		if i == 0 {
			table.Columns = cols
		}
		table.Rows = append(table.Rows, rows...)
	}
	return table, true, nil
}

// splitVersion separates a member name into its stem and version rank.
func splitVersion(name string) (string, int) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return name, 0
	}
	stem, ext := name[:i], name[i+1:]
	if strings.EqualFold(ext, "v") {
		return stem, terminalVersion
	}
	if v, err := strconv.Atoi(ext); err == nil {
		return stem, v
	}
	return stem, 0
}

// readLines decodes a member's Latin-1 payload into data lines, dropping
// blanks and the * footer lines the operator appends.
func readLines(member *zip.File) ([]string, error) {
	rc, err := member.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	b, err := io.ReadAll(transform.NewReader(rc, charmap.ISO8859_1.NewDecoder()))
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "*") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func parseMember(filePrefix, name string, lines []string) ([]string, [][]string, error) {
	if l, ok := layouts[filePrefix]; ok {
		if len(lines) <= l.skip {
			return l.columns, nil, nil
		}
		return l.columns, splitRows(lines[l.skip:]), nil
	}
	if strings.Contains(filePrefix, "trades") {
		return parseTrades(name, lines)
	}
	// Unknown family: the first line is the header.
	if len(lines) == 0 {
		return nil, nil, nil
	}
	return splitFields(lines[0]), splitRows(lines[1:]), nil
}

// parseTrades locates the real header of a continuous-market trade member,
// which sits below a variable-length banner.
func parseTrades(name string, lines []string) ([]string, [][]string, error) {
	for i, line := range lines {
		if strings.HasPrefix(line, "Fecha;Contrato") || strings.HasPrefix(line, "Date;Contract") {
			return splitFields(line), splitRows(lines[i+1:]), nil
		}
	}
	return nil, nil, fmt.Errorf("member %s: no Fecha;Contrato header", name)
}

func splitRows(lines []string) [][]string {
	rows := make([][]string, 0, len(lines))
	for _, line := range lines {
		rows = append(rows, splitFields(line))
	}
	return rows
}

// splitFields splits a semicolon-separated line, dropping the empty tail
// field left by the trailing semicolon every OMIE line carries.
func splitFields(line string) []string {
	fields := strings.Split(line, ";")
	if n := len(fields); n > 0 && strings.TrimSpace(fields[n-1]) == "" {
		fields = fields[:n-1]
	}
	return fields
}
