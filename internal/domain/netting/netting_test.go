package netting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cierzo-energy/margen/internal/domain/timegrid"
)

func slotAt(t *testing.T, hour int) timegrid.Slot {
	t.Helper()
	g, err := timegrid.DayGrid(timegrid.NewDate(2024, time.June, 12), timegrid.Hourly)
	require.NoError(t, err)
	s, ok := g.ByIndex(hour + 1)
	require.True(t, ok)
	return s
}

func TestSellAndBuyNetToSignedPosition(t *testing.T) {
	s := slotAt(t, 10)
	legs := []Leg{
		{Seller: "X", Buyer: "OTHER", Volume: 10, Price: 50, Slot: s},
		{Seller: "COUNTER", Buyer: "X", Volume: 4, Price: 50, Slot: s},
	}

	positions := Net(legs, func(e string) bool { return e == "X" })
	require.Len(t, positions, 1)

	got := positions[0]
	assert.Equal(t, "X", got.EntityID)
	assert.Equal(t, 6.0, got.Volume, "10 sold minus 4 bought")
	assert.Equal(t, 300.0, got.Revenue, "+500 from the sale, -200 from the purchase")

	price, ok := got.ImpliedPrice()
	require.True(t, ok)
	assert.Equal(t, 50.0, price)
}

func TestSelfTradeEmitsZeroPosition(t *testing.T) {
	s := slotAt(t, 14)
	positions := Net([]Leg{{Seller: "X", Buyer: "X", Volume: 7, Price: 42, Slot: s}}, nil)
	require.Len(t, positions, 1, "a self-trade must not vanish")

	got := positions[0]
	assert.Equal(t, 0.0, got.Volume)
	assert.Equal(t, 0.0, got.Revenue)
	_, ok := got.ImpliedPrice()
	assert.False(t, ok, "no volume, no price")
}

func TestZeroVolumeNonZeroRevenue(t *testing.T) {
	// Sell 10@60 and buy 10@40: flat volume, 200 locked in.
	s := slotAt(t, 8)
	positions := Net([]Leg{
		{Seller: "X", Buyer: "A", Volume: 10, Price: 60, Slot: s},
		{Seller: "B", Buyer: "X", Volume: 10, Price: 40, Slot: s},
	}, func(e string) bool { return e == "X" })
	require.Len(t, positions, 1)

	assert.Equal(t, 0.0, positions[0].Volume)
	assert.Equal(t, 200.0, positions[0].Revenue)
	_, ok := positions[0].ImpliedPrice()
	assert.False(t, ok)
}

func TestPositionsGroupBySlotAndSortDeterministically(t *testing.T) {
	early, late := slotAt(t, 3), slotAt(t, 20)
	legs := []Leg{
		{Seller: "B", Buyer: "Z", Volume: 1, Price: 10, Slot: late},
		{Seller: "A", Buyer: "Z", Volume: 2, Price: 10, Slot: late},
		{Seller: "A", Buyer: "Z", Volume: 3, Price: 10, Slot: early},
		{Seller: "A", Buyer: "Z", Volume: 5, Price: 20, Slot: early},
	}

	keep := func(e string) bool { return e == "A" || e == "B" }
	positions := Net(legs, keep)
	require.Len(t, positions, 3)

	assert.Equal(t, "A", positions[0].EntityID)
	assert.Equal(t, early.UTC1, positions[0].Slot.UTC1)
	assert.Equal(t, 8.0, positions[0].Volume)
	assert.Equal(t, 130.0, positions[0].Revenue, "3×10 + 5×20 within one slot")

	assert.Equal(t, "A", positions[1].EntityID)
	assert.Equal(t, late.UTC1, positions[1].Slot.UTC1)

	assert.Equal(t, "B", positions[2].EntityID)

	// Shuffled input produces the identical sequence.
	again := Net([]Leg{legs[3], legs[0], legs[2], legs[1]}, keep)
	assert.Equal(t, positions, again)
}

func TestKeepFilterDropsUntrackedEntities(t *testing.T) {
	s := slotAt(t, 6)
	positions := Net([]Leg{{Seller: "X", Buyer: "Y", Volume: 1, Price: 1, Slot: s}}, func(e string) bool { return false })
	assert.Empty(t, positions)
}
