// Package sources locates the day archives the engine consumes. The actual
// readers live in the i90, omie and esios subpackages; this package resolves
// where an archive for a given day sits on disk.
package sources

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cierzo-energy/margen/internal/domain/timegrid"
)

// Paths holds the archive layout templates. Placeholders: {yyyy}, {m}, {mm},
// {dd}, {yyyymm}, {yyyymmdd}, plus {file} for OMIE file prefixes and
// {indicator} for indicator exports.
type Paths struct {
	I90   string
	OMIE  string
	ESIOS string
}

// DefaultPaths mirrors the layout the collector scripts produce.
func DefaultPaths(root string) Paths {
	if root == "" {
		root = "data"
	}
	return Paths{
		I90:   root + "/esios/i90_{yyyy}/I90DIA_{yyyymmdd}.zip",
		OMIE:  root + "/omie/{file}/{file}_{yyyymm}.zip",
		ESIOS: root + "/esios/indicators/{indicator}/{indicator}_{yyyy}_{m}.csv",
	}
}

// I90Zip resolves the I90 day archive for a date.
func (p Paths) I90Zip(date timegrid.Date) string {
	return Expand(p.I90, date, nil)
}

// OMIEZip resolves the monthly OMIE archive for a file prefix.
func (p Paths) OMIEZip(file string, date timegrid.Date) string {
	return Expand(p.OMIE, date, map[string]string{"file": file})
}

// IndicatorCSV resolves the monthly indicator export for an id.
func (p Paths) IndicatorCSV(indicator int, date timegrid.Date) string {
	return Expand(p.ESIOS, date, map[string]string{"indicator": strconv.Itoa(indicator)})
}

// Expand substitutes date and extra placeholders into a path template.
func Expand(template string, date timegrid.Date, extra map[string]string) string {
	repl := []string{
		"{yyyy}", fmt.Sprintf("%04d", date.Year),
		"{mm}", fmt.Sprintf("%02d", date.Month),
		"{m}", strconv.Itoa(int(date.Month)),
		"{dd}", fmt.Sprintf("%02d", date.Day),
		"{yyyymm}", date.MonthKey(),
		"{yyyymmdd}", date.Compact(),
	}
	for k, v := range extra {
		repl = append(repl, "{"+k+"}", v)
	}
	return strings.NewReplacer(repl...).Replace(template)
}
