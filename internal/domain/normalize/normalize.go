// Package normalize converts raw source tables into the canonical quantity,
// price and trade records the rest of the pipeline consumes. Layout knowledge
// is data in the market registry; this package only interprets it, so adding
// a market never adds code here.
package normalize

import (
	"github.com/cierzo-energy/margen/internal/domain/market"
	"github.com/cierzo-energy/margen/internal/domain/timegrid"
)

// Normalizer turns raw tables into canonical records, consulting the market
// registry for unit column candidates and geo filtering and sharing one day
// grid cache across calls.
type Normalizer struct {
	registry *market.Registry
	grids    *timegrid.GridSet
}

// New returns a Normalizer backed by the given registry and grid cache.
func New(registry *market.Registry, grids *timegrid.GridSet) *Normalizer {
	return &Normalizer{registry: registry, grids: grids}
}

// Stats counts what one normalization pass kept and dropped. Drops are
// counted, never silently clamped or repaired.
type Stats struct {
	Rows        int // data rows examined
	Records     int // canonical records emitted
	FilteredOut int // rows failing a configured registry filter
	UnknownUnit int // rows naming units outside the allow-list
	BadLabel    int // values under a period label invalid for the day
	BadNumber   int // unparseable numeric cells
	ZeroDropped int // zero quantities dropped as absent programs
}

// Dropped returns the total number of discarded observations.
func (s Stats) Dropped() int {
	return s.FilteredOut + s.UnknownUnit + s.BadLabel + s.BadNumber + s.ZeroDropped
}

// boundFilter is a registry filter resolved to a concrete column index.
// Filters naming columns the table does not carry are skipped, matching how
// one registry entry can cover several sheet vintages.
type boundFilter struct {
	col    int
	filter market.Filter
}

func bindFilters(t Table, fs []market.Filter) []boundFilter {
	var out []boundFilter
	for _, f := range fs {
		if i := t.Col(f.Column); i >= 0 {
			out = append(out, boundFilter{col: i, filter: f})
		}
	}
	return out
}

func passFilters(row []string, fs []boundFilter) bool {
	for _, bf := range fs {
		if !bf.filter.Match(Cell(row, bf.col)) {
			return false
		}
	}
	return true
}
