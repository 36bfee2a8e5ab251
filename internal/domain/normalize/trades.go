package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/cierzo-energy/margen/internal/domain/netting"
	"github.com/cierzo-energy/margen/internal/domain/timegrid"
)

// contractPeriod is a parsed continuous-market delivery period: the start
// wall clock plus the disambiguator for the fall-back repeated hour.
type contractPeriod struct {
	date   timegrid.Date
	hour   int
	minute int
	occ    timegrid.Occurrence
	res    timegrid.Resolution
}

// parseContract decodes a delivery period "YYYYMMDD HH:MM-YYYYMMDD HH:MM".
// The start clock may carry an A/B suffix on the repeated fall-back hour: A
// for the summer-time pass, B for the standard-time pass. A period touching
// a quarter boundary is quarter-hourly, otherwise hourly.
func parseContract(s string) (contractPeriod, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	start, occ, err := parseContractClock(parts[0])
	if err != nil {
		return contractPeriod{}, fmt.Errorf("contract %q: %w", s, err)
	}
	cp := contractPeriod{
		date:   timegrid.NewDate(start.Year(), start.Month(), start.Day()),
		hour:   start.Hour(),
		minute: start.Minute(),
		occ:    occ,
		res:    timegrid.Hourly,
	}
	if cp.minute != 0 {
		cp.res = timegrid.QuarterHourly
	} else if len(parts) == 2 {
		if end, _, err := parseContractClock(parts[1]); err == nil && end.Minute() != 0 {
			cp.res = timegrid.QuarterHourly
		}
	}
	return cp, nil
}

// parseContractClock decodes one side of a contract period.
func parseContractClock(s string) (time.Time, timegrid.Occurrence, error) {
	s = strings.TrimSpace(s)
	occ := timegrid.OccurUnspecified
	switch {
	case strings.HasSuffix(s, "A"):
		occ = timegrid.OccurFirst
		s = strings.TrimSpace(strings.TrimSuffix(s, "A"))
	case strings.HasSuffix(s, "B"):
		occ = timegrid.OccurSecond
		s = strings.TrimSpace(strings.TrimSuffix(s, "B"))
	}
	t, err := time.Parse("20060102 15:04", s)
	if err != nil {
		return time.Time{}, occ, err
	}
	return t, occ, nil
}

// TradeLegs decodes a continuous-market trade file into netting legs. Both
// sides of every trade are kept; the netting stage decides which entities
// accumulate positions. Legs delivering on another day are skipped.
func (n *Normalizer) TradeLegs(t Table, date timegrid.Date) ([]netting.Leg, Stats, error) {
	var stats Stats
	if t.Empty() {
		return nil, stats, nil
	}
	sellerCol := t.ColAny("Unidad venta", "UnidadV")
	buyerCol := t.ColAny("Unidad compra", "UnidadC")
	qtyCol := t.Col("Cantidad")
	priceCol := t.Col("Precio")
	contractCol := t.Col("Contrato")
	if sellerCol < 0 || buyerCol < 0 || qtyCol < 0 || priceCol < 0 || contractCol < 0 {
		return nil, stats, fmt.Errorf("%s: missing trade columns", t.Source)
	}

	var legs []netting.Leg
	for _, row := range t.Rows {
		stats.Rows++
		cp, err := parseContract(Cell(row, contractCol))
		if err != nil {
			stats.BadLabel++
			continue
		}
		if cp.date != date {
			continue
		}
		grid, err := n.grids.Get(cp.date, cp.res)
		if err != nil {
			return nil, stats, err
		}
		slot, err := grid.ByClock(cp.hour, cp.minute, cp.occ)
		if err != nil {
			stats.BadLabel++
			continue
		}
		volume, okV := ParseNumber(Cell(row, qtyCol))
		price, okP := ParseNumber(Cell(row, priceCol))
		if !okV || !okP {
			stats.BadNumber++
			continue
		}
		legs = append(legs, netting.Leg{
			Buyer:  Cell(row, buyerCol),
			Seller: Cell(row, sellerCol),
			Volume: volume,
			Price:  price,
			Slot:   slot,
		})
		stats.Records++
	}
	return legs, stats, nil
}
