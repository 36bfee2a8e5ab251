package normalize

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cierzo-energy/margen/internal/domain/market"
	"github.com/cierzo-energy/margen/internal/domain/records"
	"github.com/cierzo-energy/margen/internal/domain/timegrid"
)

// indicatorTimeLayouts covers the timestamp spellings seen in indicator
// exports. Offsets are explicit in the data, so parsing needs no location.
var indicatorTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05 -07:00",
}

func parseIndicatorTime(s string) (time.Time, bool) {
	for _, layout := range indicatorTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// IndicatorPrices decodes an indicator export into a market-wide price
// series for one day. Rows outside the indicator's geo area are discarded;
// rows for other days of a monthly export are skipped. Resolution is
// inferred from the spacing of the surviving instants.
func (n *Normalizer) IndicatorPrices(t Table, m market.Market, indicator int, date timegrid.Date) ([]records.Price, Stats, error) {
	var stats Stats
	if t.Empty() {
		return nil, stats, nil
	}
	dtCol := t.ColAny("datetime", "datetime_utc")
	valCol := t.Col("value")
	if dtCol < 0 || valCol < 0 {
		return nil, stats, fmt.Errorf("%s: missing datetime or value column", t.Source)
	}
	geoCol := t.Col("geo_id")
	wantGeo := n.registry.GeoFor(indicator)

	start := date.Midnight()
	end := date.AddDays(1).Midnight()

	type parsed struct {
		at    time.Time
		value float64
	}
	var rows []parsed
	for _, row := range t.Rows {
		stats.Rows++
		if geoCol >= 0 {
			geo, err := strconv.Atoi(Cell(row, geoCol))
			if err != nil || geo != wantGeo {
				stats.FilteredOut++
				continue
			}
		}
		at, ok := parseIndicatorTime(Cell(row, dtCol))
		if !ok {
			stats.BadLabel++
			continue
		}
		if at.Before(start) || !at.Before(end) {
			continue
		}
		v, ok := ParseNumber(Cell(row, valCol))
		if !ok {
			stats.BadNumber++
			continue
		}
		rows = append(rows, parsed{at: at, value: v})
	}
	if len(rows) == 0 {
		return nil, stats, nil
	}

	res := timegrid.Hourly
	instants := make([]time.Time, len(rows))
	for i, r := range rows {
		instants[i] = r.at
	}
	if d := minSpacing(instants); d > 0 && d < time.Hour {
		res = timegrid.QuarterHourly
	}
	grid, err := n.grids.Get(date, res)
	if err != nil {
		return nil, stats, err
	}

	var out []records.Price
	for _, r := range rows {
		slot, ok := grid.ByInstant(r.at)
		if !ok {
			stats.BadLabel++
			continue
		}
		out = append(out, records.Price{
			Market:    m.Name,
			Direction: m.Quantity.Direction,
			Slot:      slot,
			Value:     r.value,
			Indicator: indicator,
		})
		stats.Records++
	}
	return out, stats, nil
}

// minSpacing returns the smallest positive gap between instants, 0 when
// fewer than two distinct instants exist.
func minSpacing(instants []time.Time) time.Duration {
	if len(instants) < 2 {
		return 0
	}
	sorted := make([]time.Time, len(instants))
	copy(sorted, instants)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var min time.Duration
	for i := 1; i < len(sorted); i++ {
		d := sorted[i].Sub(sorted[i-1])
		if d > 0 && (min == 0 || d < min) {
			min = d
		}
	}
	return min
}
