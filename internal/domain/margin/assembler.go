// Package margin joins normalized quantity and price streams into the final
// per-unit margin table.
package margin

import (
	"fmt"
	"sort"
	"time"

	"github.com/cierzo-energy/margen/internal/domain/records"
	"github.com/cierzo-energy/margen/internal/domain/timegrid"
)

// Record is one row of the output table. Price and Margin are nil when
// undefined; zero is a valid price and is never used as a stand-in.
type Record struct {
	EntityID  string
	Market    string
	Direction records.Direction
	ValueKind records.ValueKind
	Slot      timegrid.Slot
	Quantity  float64
	Price     *float64
	Margin    *float64
}

// Options steers assembly.
type Options struct {
	// TargetHourly collapses quarter-hourly rows into their containing hour:
	// quantity and margin sum, price is re-derived as margin/quantity only
	// when the aggregated quantity is nonzero.
	TargetHourly bool
}

// Stats counts what assembly kept and dropped.
type Stats struct {
	Joined             int
	DuplicateQuantity  int // same (entity, market, direction, slot) seen again
	DuplicatePrice     int
	PriceWithoutDemand int // price keys no quantity ever consulted
}

// Assembler joins streams on (entity, market, direction, slot).
type Assembler struct {
	grids *timegrid.GridSet
}

// NewAssembler returns an assembler using the shared grid cache.
func NewAssembler(grids *timegrid.GridSet) *Assembler {
	return &Assembler{grids: grids}
}

type joinKey struct {
	entity    string
	market    string
	direction records.Direction
	slot      timegrid.Key
}

// Assemble produces the margin table. keep restricts entities (nil keeps
// all); prejoined rows (netted trade positions) carry their own margin and
// bypass the price lookup. Output is sorted by (entity, market, slot,
// direction) regardless of input order.
func (a *Assembler) Assemble(quantities []records.Quantity, prices []records.Price, prejoined []Record, keep func(string) bool, opts Options) ([]Record, Stats, error) {
	var stats Stats

	// Index prices. Entity-specific rows key on the entity's normalized
	// form; market-wide rows key on the empty entity.
	priceIdx := make(map[joinKey]records.Price, len(prices))
	priceUsed := make(map[joinKey]bool, len(prices))
	for _, p := range prices {
		k := joinKey{
			entity:    records.NormalizeEntityID(p.EntityID),
			market:    p.Market,
			direction: p.Direction,
			slot:      p.Slot.Key(),
		}
		if _, dup := priceIdx[k]; dup {
			stats.DuplicatePrice++
			continue
		}
		priceIdx[k] = p
	}

	lookup := func(q records.Quantity) (records.Price, bool) {
		norm := records.NormalizeEntityID(q.EntityID)
		slotKeys := []timegrid.Key{q.Slot.Key()}
		if q.Slot.Resolution == timegrid.QuarterHourly {
			// An hourly price is intensive and applies to each contained
			// quarter unchanged.
			slotKeys = append(slotKeys, timegrid.Key{
				Unix:       q.Slot.UTC1.Truncate(time.Hour).Unix(),
				Resolution: timegrid.Hourly,
			})
		}
		for _, sk := range slotKeys {
			for _, entity := range []string{norm, ""} {
				k := joinKey{entity: entity, market: q.Market, direction: q.Direction, slot: sk}
				if p, ok := priceIdx[k]; ok {
					priceUsed[k] = true
					return p, true
				}
			}
		}
		return records.Price{}, false
	}

	seen := make(map[joinKey]bool, len(quantities))
	out := make([]Record, 0, len(quantities)+len(prejoined))
	for _, q := range quantities {
		if keep != nil && !keep(q.EntityID) {
			continue
		}
		k := joinKey{
			entity:    records.NormalizeEntityID(q.EntityID),
			market:    q.Market,
			direction: q.Direction,
			slot:      q.Slot.Key(),
		}
		if seen[k] {
			stats.DuplicateQuantity++
			continue
		}
		seen[k] = true

		rec := Record{
			EntityID:  q.EntityID,
			Market:    q.Market,
			Direction: q.Direction,
			ValueKind: q.ValueKind,
			Slot:      q.Slot,
			Quantity:  q.Value,
		}
		if p, ok := lookup(q); ok {
			price := p.Value
			margin := q.Value * p.Value
			rec.Price = &price
			rec.Margin = &margin
		}
		out = append(out, rec)
		stats.Joined++
	}

	for _, r := range prejoined {
		if keep != nil && !keep(r.EntityID) {
			continue
		}
		out = append(out, r)
		stats.Joined++
	}

	for k := range priceIdx {
		if !priceUsed[k] {
			stats.PriceWithoutDemand++
		}
	}

	if opts.TargetHourly {
		var err error
		if out, err = a.rollupHourly(out); err != nil {
			return nil, stats, err
		}
	}

	sortRecords(out)
	return out, stats, nil
}

// rollupHourly collapses quarter-hourly rows into their containing hourly
// slot. A group with any undefined margin stays undefined: summing around a
// hole would present a partial number as a total.
func (a *Assembler) rollupHourly(recs []Record) ([]Record, error) {
	type group struct {
		rec       Record
		marginSum float64
		marginOK  bool
	}
	groups := make(map[joinKey]*group)
	var order []joinKey
	out := make([]Record, 0, len(recs))

	for _, r := range recs {
		if r.Slot.Resolution != timegrid.QuarterHourly {
			out = append(out, r)
			continue
		}
		hourGrid, err := a.grids.Get(r.Slot.LocalDate, timegrid.Hourly)
		if err != nil {
			return nil, fmt.Errorf("hourly rollup for %s: %w", r.Slot.LocalDate, err)
		}
		hour, ok := hourGrid.HourlyContainer(r.Slot)
		if !ok {
			return nil, fmt.Errorf("hourly rollup: period %d of %s has no containing hour", r.Slot.PeriodIndex, r.Slot.LocalDate)
		}
		k := joinKey{
			entity:    records.NormalizeEntityID(r.EntityID),
			market:    r.Market,
			direction: r.Direction,
			slot:      hour.Key(),
		}
		g, ok := groups[k]
		if !ok {
			g = &group{rec: Record{
				EntityID:  r.EntityID,
				Market:    r.Market,
				Direction: r.Direction,
				ValueKind: r.ValueKind,
				Slot:      hour,
			}, marginOK: true}
			groups[k] = g
			order = append(order, k)
		}
		g.rec.Quantity += r.Quantity
		if r.Margin != nil {
			g.marginSum += *r.Margin
		} else {
			g.marginOK = false
		}
	}

	for _, k := range order {
		g := groups[k]
		if g.marginOK {
			m := g.marginSum
			g.rec.Margin = &m
			if g.rec.Quantity != 0 {
				p := m / g.rec.Quantity
				g.rec.Price = &p
			}
		}
		out = append(out, g.rec)
	}
	return out, nil
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		if a.Market != b.Market {
			return a.Market < b.Market
		}
		if !a.Slot.UTC1.Equal(b.Slot.UTC1) {
			return a.Slot.UTC1.Before(b.Slot.UTC1)
		}
		if a.Slot.Resolution != b.Slot.Resolution {
			return a.Slot.Resolution < b.Slot.Resolution
		}
		return a.Direction < b.Direction
	})
}
