package normalize

import (
	"fmt"
	"strconv"

	"github.com/cierzo-energy/margen/internal/domain/market"
	"github.com/cierzo-energy/margen/internal/domain/records"
	"github.com/cierzo-energy/margen/internal/domain/timegrid"
)

// omieUnitColumns are the unit header candidates for OMIE long files. These
// are format constants of the OMIE exports, not registry configuration.
var omieUnitColumns = []string{"Unit", "Codigo", "Coduog", "Código"}

// omieQuantityColumns are the value header candidates across OMIE vintages.
var omieQuantityColumns = []string{"Quantity", "Potencia", "Potencia asignada"}

// OMIEQuantities decodes a long OMIE program file into quantity records.
// Periods are 1-based sequential positions on the local day; resolution is
// inferred from the largest period the file uses.
func (n *Normalizer) OMIEQuantities(t Table, m market.Market, date timegrid.Date, keep func(string) bool) ([]records.Quantity, Stats, error) {
	var stats Stats
	if t.Empty() {
		return nil, stats, nil
	}
	periodCol := t.Col("Period")
	qtyCol := t.ColAny(omieQuantityColumns...)
	unitCol := t.ColAny(omieUnitColumns...)
	if periodCol < 0 || qtyCol < 0 {
		return nil, stats, fmt.Errorf("%s: missing period or quantity column", t.Source)
	}
	if unitCol < 0 {
		return nil, stats, fmt.Errorf("%s: no unit column", t.Source)
	}
	sessionCol := t.Col("Session")
	if m.Quantity.Session > 0 && sessionCol < 0 {
		return nil, stats, fmt.Errorf("%s: session %d configured but no session column", t.Source, m.Quantity.Session)
	}

	type parsed struct {
		unit   string
		period int
		value  float64
	}
	var rows []parsed
	maxPeriod := 0
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
		if m.Quantity.Session > 0 {
			sess, err := strconv.Atoi(Cell(row, sessionCol))
			if err != nil || sess != m.Quantity.Session {
				stats.FilteredOut++
				continue
			}
		}
		p, err := strconv.Atoi(Cell(row, periodCol))
		if err != nil || p < 1 {
			stats.BadLabel++
			continue
		}
		v, ok := ParseNumber(Cell(row, qtyCol))
		if !ok {
			stats.BadNumber++
			continue
		}
		if v == 0 {
			stats.ZeroDropped++
			continue
		}
		if p > maxPeriod {
			maxPeriod = p
		}
		rows = append(rows, parsed{unit: unit, period: p, value: v})
	}
	if len(rows) == 0 {
		return nil, stats, nil
	}

	grid, err := n.grids.Get(date, timegrid.InferResolution(maxPeriod))
	if err != nil {
		return nil, stats, err
	}
	var out []records.Quantity
	for _, r := range rows {
		slot, ok := grid.ByIndex(r.period)
		if !ok {
			stats.BadLabel++
			continue
		}
		out = append(out, records.Quantity{
			EntityID:  r.unit,
			Namespace: records.NamespaceOffer,
			Market:    m.Name,
			Direction: m.Quantity.Direction,
			ValueKind: m.Quantity.ValueKind,
			Slot:      slot,
			Value:     r.value,
		})
		stats.Records++
	}
	return out, stats, nil
}

// OMIEPrices decodes a marginal price file into a market-wide series. The
// Spanish system price column is the settlement price; the Portuguese one is
// ignored.
func (n *Normalizer) OMIEPrices(t Table, m market.Market, date timegrid.Date) ([]records.Price, Stats, error) {
	var stats Stats
	if t.Empty() {
		return nil, stats, nil
	}
	periodCol := t.Col("Period")
	priceCol := t.ColAny("MarginalES", "Price")
	if periodCol < 0 || priceCol < 0 {
		return nil, stats, fmt.Errorf("%s: missing period or price column", t.Source)
	}

	type parsed struct {
		period int
		value  float64
	}
	var rows []parsed
	maxPeriod := 0
	for _, row := range t.Rows {
		stats.Rows++
		p, err := strconv.Atoi(Cell(row, periodCol))
		if err != nil || p < 1 {
			stats.BadLabel++
			continue
		}
		v, ok := ParseNumber(Cell(row, priceCol))
		if !ok {
			stats.BadNumber++
			continue
		}
		if p > maxPeriod {
			maxPeriod = p
		}
		rows = append(rows, parsed{period: p, value: v})
	}
	if len(rows) == 0 {
		return nil, stats, nil
	}

	grid, err := n.grids.Get(date, timegrid.InferResolution(maxPeriod))
	if err != nil {
		return nil, stats, err
	}
	var out []records.Price
	for _, r := range rows {
		slot, ok := grid.ByIndex(r.period)
		if !ok {
			stats.BadLabel++
			continue
		}
		out = append(out, records.Price{
			Market:    m.Name,
			Direction: m.Quantity.Direction,
			Slot:      slot,
			Value:     r.value,
		})
		stats.Records++
	}
	return out, stats, nil
}
