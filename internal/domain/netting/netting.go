// Package netting folds continuous-market trade legs into one signed
// position per entity and time slot.
package netting

import (
	"sort"

	"github.com/cierzo-energy/margen/internal/domain/timegrid"
)

// Leg is one executed trade: the seller delivers Volume at Price to the
// buyer during Slot.
type Leg struct {
	Buyer  string
	Seller string
	Volume float64
	Price  float64
	Slot   timegrid.Slot
}

// Position is the netted outcome for one entity and slot. Volume is positive
// when the entity is a net seller; Revenue accumulates +volume×price for
// sales and −volume×price for purchases.
type Position struct {
	EntityID string
	Slot     timegrid.Slot
	Volume   float64
	Revenue  float64
}

// ImpliedPrice returns revenue per unit volume. Undefined for a zero net
// volume, where any price would be an invention.
func (p Position) ImpliedPrice() (float64, bool) {
	if p.Volume == 0 {
		return 0, false
	}
	return p.Revenue / p.Volume, true
}

type positionKey struct {
	entity string
	slot   timegrid.Key
}

// Net groups legs by (entity, slot) and accumulates both sides. A self-trade
// nets to a zero position that is still emitted, keeping slot coverage intact
// for the later join. keep filters which entities accumulate positions; nil
// keeps every entity seen on either side. Output is sorted by entity, then
// slot, independent of input order.
func Net(legs []Leg, keep func(entity string) bool) []Position {
	acc := make(map[positionKey]*Position)

	add := func(entity string, slot timegrid.Slot, volume, revenue float64) {
		if keep != nil && !keep(entity) {
			return
		}
		k := positionKey{entity: entity, slot: slot.Key()}
		p, ok := acc[k]
		if !ok {
			p = &Position{EntityID: entity, Slot: slot}
			acc[k] = p
		}
		p.Volume += volume
		p.Revenue += revenue
	}

	for _, leg := range legs {
		notional := leg.Volume * leg.Price
		add(leg.Seller, leg.Slot, leg.Volume, notional)
		add(leg.Buyer, leg.Slot, -leg.Volume, -notional)
	}

	out := make([]Position, 0, len(acc))
	for _, p := range acc {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return timegrid.Less(out[i].Slot, out[j].Slot)
	})
	return out
}
