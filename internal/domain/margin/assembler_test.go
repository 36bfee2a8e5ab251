package margin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cierzo-energy/margen/internal/domain/records"
	"github.com/cierzo-energy/margen/internal/domain/timegrid"
)

func newAssembler(t *testing.T) (*Assembler, *timegrid.GridSet) {
	t.Helper()
	grids := timegrid.NewGridSet()
	return NewAssembler(grids), grids
}

func hourSlot(t *testing.T, grids *timegrid.GridSet, d timegrid.Date, idx int) timegrid.Slot {
	t.Helper()
	g, err := grids.Get(d, timegrid.Hourly)
	require.NoError(t, err)
	s, ok := g.ByIndex(idx)
	require.True(t, ok)
	return s
}

func quarterSlot(t *testing.T, grids *timegrid.GridSet, d timegrid.Date, idx int) timegrid.Slot {
	t.Helper()
	g, err := grids.Get(d, timegrid.QuarterHourly)
	require.NoError(t, err)
	s, ok := g.ByIndex(idx)
	require.True(t, ok)
	return s
}

var day = timegrid.NewDate(2024, time.June, 12)

func TestQuantityWithoutPriceStaysNull(t *testing.T) {
	a, grids := newAssembler(t)
	s := hourSlot(t, grids, day, 10)

	out, stats, err := a.Assemble(
		[]records.Quantity{{
			EntityID: "GUIG", Namespace: records.NamespaceSchedule, Market: "Bilaterales",
			ValueKind: records.KindEnergy, Slot: s, Value: 100,
		}},
		nil, nil, nil, Options{},
	)
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, 100.0, out[0].Quantity)
	assert.Nil(t, out[0].Price, "no price record, no price")
	assert.Nil(t, out[0].Margin, "never coerced to zero")
	assert.Equal(t, 1, stats.Joined)
}

func TestMarketWidePriceJoins(t *testing.T) {
	a, grids := newAssembler(t)
	s := hourSlot(t, grids, day, 5)

	out, _, err := a.Assemble(
		[]records.Quantity{{EntityID: "GUIG", Market: "aFRR Subir", Direction: records.DirectionUp, ValueKind: records.KindEnergy, Slot: s, Value: 4}},
		[]records.Price{{Market: "aFRR Subir", Direction: records.DirectionUp, Slot: s, Value: 25.5, Indicator: 682}},
		nil, nil, Options{},
	)
	require.NoError(t, err)
	require.Len(t, out, 1)

	require.NotNil(t, out[0].Price)
	assert.Equal(t, 25.5, *out[0].Price)
	require.NotNil(t, out[0].Margin)
	assert.Equal(t, 102.0, *out[0].Margin)
}

func TestPerUnitPriceBeatsNothingAndZeroPriceIsValid(t *testing.T) {
	a, grids := newAssembler(t)
	s := hourSlot(t, grids, day, 7)

	out, _, err := a.Assemble(
		[]records.Quantity{
			{EntityID: "GUIG", Market: "RR Subir", Direction: records.DirectionUp, ValueKind: records.KindEnergy, Slot: s, Value: 10},
			{EntityID: "MLTB", Market: "RR Subir", Direction: records.DirectionUp, ValueKind: records.KindEnergy, Slot: s, Value: 5},
		},
		[]records.Price{
			{EntityID: "GUIG", Market: "RR Subir", Direction: records.DirectionUp, Slot: s, Value: 0},
		},
		nil, nil, Options{},
	)
	require.NoError(t, err)
	require.Len(t, out, 2)

	// Sorted: GUIG before MLTB.
	require.NotNil(t, out[0].Price)
	assert.Equal(t, 0.0, *out[0].Price, "zero is a real price")
	require.NotNil(t, out[0].Margin)
	assert.Equal(t, 0.0, *out[0].Margin)

	assert.Nil(t, out[1].Price, "MLTB has no price row of its own")
}

func TestPriceWithoutQuantityIsDropped(t *testing.T) {
	a, grids := newAssembler(t)
	s := hourSlot(t, grids, day, 3)

	out, stats, err := a.Assemble(
		nil,
		[]records.Price{{Market: "aFRR Bajar", Direction: records.DirectionDown, Slot: s, Value: 30, Indicator: 683}},
		nil, nil, Options{},
	)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 1, stats.PriceWithoutDemand)
}

func TestHourlyPriceAppliesToQuarterQuantities(t *testing.T) {
	a, grids := newAssembler(t)
	hs := hourSlot(t, grids, day, 11) // 10:00
	q1 := quarterSlot(t, grids, day, 41)
	q2 := quarterSlot(t, grids, day, 42)
	require.Equal(t, 10, q1.Madrid.Hour())

	out, _, err := a.Assemble(
		[]records.Quantity{
			{EntityID: "GUIG", Market: "mFRR Subir", Direction: records.DirectionUp, ValueKind: records.KindEnergy, Slot: q1, Value: 2},
			{EntityID: "GUIG", Market: "mFRR Subir", Direction: records.DirectionUp, ValueKind: records.KindEnergy, Slot: q2, Value: 3},
		},
		[]records.Price{{Market: "mFRR Subir", Direction: records.DirectionUp, Slot: hs, Value: 40, Indicator: 677}},
		nil, nil, Options{},
	)
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, r := range out {
		require.NotNil(t, r.Price, "the hourly price covers its quarters")
		assert.Equal(t, 40.0, *r.Price)
	}
	assert.Equal(t, 80.0, *out[0].Margin)
	assert.Equal(t, 120.0, *out[1].Margin)
}

func TestKeepRestrictsToMatchedEntities(t *testing.T) {
	a, grids := newAssembler(t)
	s := hourSlot(t, grids, day, 1)

	keep := func(id string) bool { return id == "GUIG" }
	out, _, err := a.Assemble(
		[]records.Quantity{
			{EntityID: "GUIG", Market: "P48", ValueKind: records.KindEnergy, Slot: s, Value: 1},
			{EntityID: "ZZZZ", Market: "P48", ValueKind: records.KindEnergy, Slot: s, Value: 2},
		},
		nil, nil, keep, Options{},
	)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "GUIG", out[0].EntityID)
}

func TestDuplicateQuantityKeepsFirstAndCounts(t *testing.T) {
	a, grids := newAssembler(t)
	s := hourSlot(t, grids, day, 2)

	out, stats, err := a.Assemble(
		[]records.Quantity{
			{EntityID: "GUIG", Market: "P48", ValueKind: records.KindEnergy, Slot: s, Value: 1},
			{EntityID: "guig", Market: "P48", ValueKind: records.KindEnergy, Slot: s, Value: 9},
		},
		nil, nil, nil, Options{},
	)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1.0, out[0].Quantity)
	assert.Equal(t, 1, stats.DuplicateQuantity)
}

func TestPrejoinedTradeRowsPassThrough(t *testing.T) {
	a, grids := newAssembler(t)
	s := hourSlot(t, grids, day, 15)

	zero := 0.0
	out, _, err := a.Assemble(nil, nil, []Record{{
		EntityID: "GUIG", Market: "MIC", ValueKind: records.KindEnergy,
		Slot: s, Quantity: 0, Margin: &zero,
	}}, nil, Options{})
	require.NoError(t, err)
	require.Len(t, out, 1, "zero net positions still appear")
	assert.Nil(t, out[0].Price)
	require.NotNil(t, out[0].Margin)
	assert.Equal(t, 0.0, *out[0].Margin)
}

func TestHourlyRollupSumsAndRederivesPrice(t *testing.T) {
	a, grids := newAssembler(t)
	hs := hourSlot(t, grids, day, 11)

	var quantities []records.Quantity
	for i := 41; i <= 44; i++ {
		quantities = append(quantities, records.Quantity{
			EntityID: "GUIG", Market: "mFRR Subir", Direction: records.DirectionUp,
			ValueKind: records.KindEnergy, Slot: quarterSlot(t, grids, day, i), Value: 2.5,
		})
	}
	prices := []records.Price{{Market: "mFRR Subir", Direction: records.DirectionUp, Slot: hs, Value: 40, Indicator: 677}}

	out, _, err := a.Assemble(quantities, prices, nil, nil, Options{TargetHourly: true})
	require.NoError(t, err)
	require.Len(t, out, 1)

	r := out[0]
	assert.Equal(t, timegrid.Hourly, r.Slot.Resolution)
	assert.Equal(t, 10.0, r.Quantity)
	require.NotNil(t, r.Margin)
	assert.Equal(t, 400.0, *r.Margin)
	require.NotNil(t, r.Price)
	assert.Equal(t, 40.0, *r.Price)
}

func TestHourlyRollupWithMissingPriceStaysNull(t *testing.T) {
	a, grids := newAssembler(t)

	out, _, err := a.Assemble(
		[]records.Quantity{
			{EntityID: "GUIG", Market: "PDVD", ValueKind: records.KindEnergy, Slot: quarterSlot(t, grids, day, 1), Value: 1},
			{EntityID: "GUIG", Market: "PDVD", ValueKind: records.KindEnergy, Slot: quarterSlot(t, grids, day, 2), Value: 1},
		},
		nil, nil, nil, Options{TargetHourly: true},
	)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2.0, out[0].Quantity)
	assert.Nil(t, out[0].Price)
	assert.Nil(t, out[0].Margin, "a hole in the hour leaves the total undefined")
}

func TestHourlyRollupZeroQuantityLeavesPriceNull(t *testing.T) {
	a, grids := newAssembler(t)

	m1, m2 := 50.0, -50.0
	out, _, err := a.Assemble(nil, nil, []Record{
		{EntityID: "GUIG", Market: "MIC", ValueKind: records.KindEnergy, Slot: quarterSlot(t, grids, day, 5), Quantity: 5, Margin: &m1},
		{EntityID: "GUIG", Market: "MIC", ValueKind: records.KindEnergy, Slot: quarterSlot(t, grids, day, 6), Quantity: -5, Margin: &m2},
	}, nil, Options{TargetHourly: true})
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, 0.0, out[0].Quantity)
	require.NotNil(t, out[0].Margin)
	assert.Equal(t, 0.0, *out[0].Margin)
	assert.Nil(t, out[0].Price, "undefined, not zero, when nothing nets out")
}

func TestDeterministicOrderingAcrossInputPermutations(t *testing.T) {
	a, grids := newAssembler(t)
	s1 := hourSlot(t, grids, day, 1)
	s2 := hourSlot(t, grids, day, 2)

	quantities := []records.Quantity{
		{EntityID: "MLTB", Market: "P48", ValueKind: records.KindEnergy, Slot: s1, Value: 1},
		{EntityID: "GUIG", Market: "PDBC", ValueKind: records.KindEnergy, Slot: s2, Value: 2},
		{EntityID: "GUIG", Market: "P48", ValueKind: records.KindEnergy, Slot: s1, Value: 3},
		{EntityID: "GUIG", Market: "P48", ValueKind: records.KindEnergy, Slot: s2, Value: 4},
	}

	first, _, err := a.Assemble(quantities, nil, nil, nil, Options{})
	require.NoError(t, err)

	reversed := []records.Quantity{quantities[3], quantities[2], quantities[1], quantities[0]}
	second, _, err := a.Assemble(reversed, nil, nil, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, "GUIG", first[0].EntityID)
	assert.Equal(t, "P48", first[0].Market)
	assert.Equal(t, 3.0, first[0].Quantity)
	assert.Equal(t, "PDBC", first[2].Market, "P48 sorts before PDBC for GUIG")
	assert.Equal(t, "MLTB", first[3].EntityID)
}

func TestFallBackDayRollupKeepsDuplicateHoursApart(t *testing.T) {
	a, grids := newAssembler(t)
	fall := timegrid.NewDate(2024, time.October, 27)

	qGrid, err := grids.Get(fall, timegrid.QuarterHourly)
	require.NoError(t, err)

	var quantities []records.Quantity
	for _, s := range qGrid.Slots() {
		if s.DSTFlag == timegrid.FallDupA || s.DSTFlag == timegrid.FallDupB {
			quantities = append(quantities, records.Quantity{
				EntityID: "GUIG", Market: "PDVD", ValueKind: records.KindEnergy, Slot: s, Value: 1,
			})
		}
	}
	require.Len(t, quantities, 8)

	out, _, err := a.Assemble(quantities, nil, nil, nil, Options{TargetHourly: true})
	require.NoError(t, err)
	require.Len(t, out, 2, "the repeated hour stays two rows")
	assert.Equal(t, timegrid.FallDupA, out[0].Slot.DSTFlag)
	assert.Equal(t, timegrid.FallDupB, out[1].Slot.DSTFlag)
	assert.Equal(t, 4.0, out[0].Quantity)
	assert.Equal(t, 4.0, out[1].Quantity)
}
