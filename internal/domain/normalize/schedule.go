package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/cierzo-energy/margen/internal/domain/market"
	"github.com/cierzo-energy/margen/internal/domain/records"
	"github.com/cierzo-energy/margen/internal/domain/timegrid"
)

// ErrNoPeriodColumns means a sheet carried neither hourly nor quarter-hourly
// period columns. Retrying the same file cannot help.
var ErrNoPeriodColumns = errors.New("no recognizable period columns")

var (
	hourlyLabelPat  = regexp.MustCompile(`^\d{2}-\d{2}[ab]?$`)
	quarterLabelPat = regexp.MustCompile(`^\d{1,3}$`)
)

// periodColumn is one column of a wide sheet carrying period values. A label
// with no slot on this day (the skipped spring hour, an out-of-range index)
// keeps ok false so its cells are counted as dropped, never clamped.
type periodColumn struct {
	index int
	slot  timegrid.Slot
	ok    bool
}

// periodLayout decodes a wide sheet's time axis. Hourly sheets announce
// themselves with a "00-01" column, quarter-hourly ones with low sequential
// indexes; the signature decides which label set the day grid validates.
func (n *Normalizer) periodLayout(t Table, date timegrid.Date) ([]periodColumn, error) {
	var res timegrid.Resolution
	switch {
	case t.Col("00-01") >= 0:
		res = timegrid.Hourly
	case t.Col("1") >= 0 && t.Col("4") >= 0:
		res = timegrid.QuarterHourly
	default:
		return nil, fmt.Errorf("%s: %w", t.Source, ErrNoPeriodColumns)
	}

	grid, err := n.grids.Get(date, res)
	if err != nil {
		return nil, err
	}

	pat := hourlyLabelPat
	if res == timegrid.QuarterHourly {
		pat = quarterLabelPat
	}

	var cols []periodColumn
	for i, c := range t.Columns {
		label := strings.TrimSpace(c)
		if !pat.MatchString(label) {
			continue
		}
		slot, ok := grid.ByLabel(label)
		cols = append(cols, periodColumn{index: i, slot: slot, ok: ok})
	}
	return cols, nil
}

// ScheduleQuantities decodes a wide schedule sheet into quantity records for
// one market. Registry filters and the unit allow-list apply here, before
// the join ever sees a row; zero quantities are absent programs and dropped.
func (n *Normalizer) ScheduleQuantities(t Table, m market.Market, date timegrid.Date, keep func(string) bool) ([]records.Quantity, Stats, error) {
	var stats Stats
	if t.Empty() {
		return nil, stats, nil
	}
	layout, err := n.periodLayout(t, date)
	if err != nil {
		return nil, stats, err
	}
	unitCol := t.ColAny(n.registry.UnitColumns...)
	if unitCol < 0 {
		return nil, stats, fmt.Errorf("%s: no unit column among candidates", t.Source)
	}
	filters := bindFilters(t, m.Quantity.Filters)

	var out []records.Quantity
	for _, row := range t.Rows {
		stats.Rows++
		unit := Cell(row, unitCol)
		if unit == "" {
			continue
		}
		if keep != nil && !keep(unit) {
			stats.UnknownUnit++
			continue
		}
		if !passFilters(row, filters) {
			stats.FilteredOut++
			continue
		}
		for _, pc := range layout {
			cell := Cell(row, pc.index)
			if cell == "" {
				continue
			}
			if !pc.ok {
				stats.BadLabel++
				continue
			}
			v, ok := ParseNumber(cell)
			if !ok {
				stats.BadNumber++
				continue
			}
			if v == 0 {
				stats.ZeroDropped++
				continue
			}
			out = append(out, records.Quantity{
				EntityID:  unit,
				Namespace: records.NamespaceSchedule,
				Market:    m.Name,
				Direction: m.Quantity.Direction,
				ValueKind: m.Quantity.ValueKind,
				Slot:      pc.slot,
				Value:     v,
			})
			stats.Records++
		}
	}
	return out, stats, nil
}

// SheetPrices decodes a wide settlement price sheet. Zero is a valid price
// and kept. When the sheet carries a unit column the price is scoped to that
// unit, otherwise the series is market-wide.
func (n *Normalizer) SheetPrices(t Table, m market.Market, date timegrid.Date) ([]records.Price, Stats, error) {
	var stats Stats
	if t.Empty() {
		return nil, stats, nil
	}
	layout, err := n.periodLayout(t, date)
	if err != nil {
		return nil, stats, err
	}
	filters := bindFilters(t, m.Price.Filters)
	unitCol := t.ColAny(n.registry.UnitColumns...)

	var out []records.Price
	for _, row := range t.Rows {
		stats.Rows++
		if !passFilters(row, filters) {
			stats.FilteredOut++
			continue
		}
		entity := ""
		if unitCol >= 0 {
			entity = Cell(row, unitCol)
		}
		for _, pc := range layout {
			cell := Cell(row, pc.index)
			if cell == "" {
				continue
			}
			if !pc.ok {
				stats.BadLabel++
				continue
			}
			v, ok := ParseNumber(cell)
			if !ok {
				stats.BadNumber++
				continue
			}
			out = append(out, records.Price{
				EntityID:  entity,
				Market:    m.Name,
				Direction: m.Quantity.Direction,
				Slot:      pc.slot,
				Value:     v,
			})
			stats.Records++
		}
	}
	return out, stats, nil
}
