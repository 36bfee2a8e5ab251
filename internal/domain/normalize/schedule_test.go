package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cierzo-energy/margen/internal/domain/market"
	"github.com/cierzo-energy/margen/internal/domain/records"
	"github.com/cierzo-energy/margen/internal/domain/timegrid"
)

var rrSubir = market.Market{
	Name: "RR Subir",
	Quantity: market.QuantitySpec{
		Source: market.SourceI90, Sheet: "06",
		ValueKind: records.KindEnergy, Direction: records.DirectionUp,
		Filters: []market.Filter{{Column: "Sentido", Values: []string{"Subir"}}},
	},
	Price: market.PriceSpec{
		Kind: market.PriceSheet, Sheet: "11",
		Filters: []market.Filter{
			{Column: "Sentido", Values: []string{"Subir"}},
			{Column: "Tipo", Values: []string{"RR"}},
		},
	},
}

func TestScheduleQuantitiesHourlySheet(t *testing.T) {
	n := testNormalizer()
	day := timegrid.NewDate(2024, time.June, 12)

	tbl := Table{
		Source:  "I90DIA06",
		Columns: []string{"Unidad de Programación", "Sentido", "00-01", "01-02", "02-03"},
		Rows: [][]string{
			{"GUIG", "Subir", "5", "0", "3,5"},
			{"ZZZZ", "Subir", "1", "", "2"},
			{"MLTB", "Bajar", "4", "", ""},
		},
	}

	out, stats, err := n.ScheduleQuantities(tbl, rrSubir, day, keepUnits("GUIG", "MLTB"))
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "GUIG", out[0].EntityID)
	assert.Equal(t, records.NamespaceSchedule, out[0].Namespace)
	assert.Equal(t, "RR Subir", out[0].Market)
	assert.Equal(t, records.DirectionUp, out[0].Direction)
	assert.Equal(t, 0, out[0].Slot.Madrid.Hour())
	assert.Equal(t, 5.0, out[0].Value)

	assert.Equal(t, 2, out[1].Slot.Madrid.Hour())
	assert.Equal(t, 3.5, out[1].Value, "decimal comma accepted")

	assert.Equal(t, 1, stats.UnknownUnit, "ZZZZ is outside the allow-list")
	assert.Equal(t, 1, stats.FilteredOut, "Bajar row fails the Sentido filter")
	assert.Equal(t, 1, stats.ZeroDropped)
	assert.Equal(t, 2, stats.Records)
}

func TestScheduleQuantitiesSpringDayRejectsSkippedHourLabel(t *testing.T) {
	n := testNormalizer()
	spring := timegrid.NewDate(2024, time.March, 31)

	tbl := Table{
		Source:  "I90DIA01",
		Columns: []string{"UP", "00-01", "01-02", "02-03", "03-04"},
		Rows: [][]string{
			{"GUIG", "1", "2", "7", "3"},
		},
	}
	m := market.Market{Name: "PDVP", Quantity: market.QuantitySpec{Source: market.SourceI90, Sheet: "01", ValueKind: records.KindEnergy}}

	out, stats, err := n.ScheduleQuantities(tbl, m, spring, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, 1, stats.BadLabel, "02-03 does not exist on the short day")
	hours := []int{out[0].Slot.Madrid.Hour(), out[1].Slot.Madrid.Hour(), out[2].Slot.Madrid.Hour()}
	assert.Equal(t, []int{0, 1, 3}, hours)
}

func TestScheduleQuantitiesFallBackSplitsDuplicatedHour(t *testing.T) {
	n := testNormalizer()
	fall := timegrid.NewDate(2024, time.October, 27)

	tbl := Table{
		Source:  "I90DIA02",
		Columns: []string{"UP", "02-03a", "02-03b"},
		Rows:    [][]string{{"GUIG", "10", "20"}},
	}
	m := market.Market{Name: "P48", Quantity: market.QuantitySpec{Source: market.SourceI90, Sheet: "02", ValueKind: records.KindEnergy}}

	out, _, err := n.ScheduleQuantities(tbl, m, fall, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, timegrid.FallDupA, out[0].Slot.DSTFlag)
	assert.Equal(t, timegrid.FallDupB, out[1].Slot.DSTFlag)
	assert.NotEqual(t, out[0].Slot.UTC1, out[1].Slot.UTC1, "the two passes are distinct instants")
	assert.Equal(t, out[0].Slot.Madrid.Hour(), out[1].Slot.Madrid.Hour())
}

func TestScheduleQuantitiesQuarterSheet(t *testing.T) {
	n := testNormalizer()
	day := timegrid.NewDate(2025, time.July, 1)

	tbl := Table{
		Source:  "I90DIA03",
		Columns: []string{"UP", "Sentido", "1", "2", "3", "4", "5"},
		Rows:    [][]string{{"GUIG", "Subir", "1", "", "", "2", "3"}},
	}
	m := market.Market{
		Name: "Restricciones tecnicas Subir",
		Quantity: market.QuantitySpec{
			Source: market.SourceI90, Sheet: "03", ValueKind: records.KindEnergy, Direction: records.DirectionUp,
			Filters: []market.Filter{{Column: "Sentido", Values: []string{"Subir"}}},
		},
	}

	out, _, err := n.ScheduleQuantities(tbl, m, day, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, timegrid.QuarterHourly, out[0].Slot.Resolution)
	assert.Equal(t, 0, out[0].Slot.Madrid.Minute())
	assert.Equal(t, 45, out[1].Slot.Madrid.Minute(), "label 4 is the fourth quarter of hour zero")
	assert.Equal(t, 1, out[2].Slot.Madrid.Hour())
	assert.Equal(t, 0, out[2].Slot.Madrid.Minute())
}

func TestScheduleQuantitiesSpringQuarterHole(t *testing.T) {
	n := testNormalizer()
	spring := timegrid.NewDate(2025, time.March, 30)

	tbl := Table{
		Source:  "I90DIA03",
		Columns: []string{"UP", "1", "2", "3", "4", "8", "9", "13"},
		Rows:    [][]string{{"GUIG", "1", "", "", "", "2", "5", "3"}},
	}
	m := market.Market{Name: "PDVP", Quantity: market.QuantitySpec{Source: market.SourceI90, Sheet: "01", ValueKind: records.KindEnergy}}

	out, stats, err := n.ScheduleQuantities(tbl, m, spring, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, 1, stats.BadLabel, "label 9 sits inside the skipped hour")
	assert.Equal(t, 45, out[1].Slot.Madrid.Minute())
	assert.Equal(t, 1, out[1].Slot.Madrid.Hour())
	assert.Equal(t, 3, out[2].Slot.Madrid.Hour(), "label 13 lands after the gap")
}

func TestScheduleQuantitiesNoPeriodColumns(t *testing.T) {
	n := testNormalizer()
	tbl := Table{Source: "I90DIA06", Columns: []string{"UP", "Sentido"}, Rows: [][]string{{"GUIG", "Subir"}}}

	_, _, err := n.ScheduleQuantities(tbl, rrSubir, timegrid.NewDate(2024, time.June, 12), nil)
	require.ErrorIs(t, err, ErrNoPeriodColumns)
}

func TestSheetPricesPerUnitWithFiltersAndZeros(t *testing.T) {
	n := testNormalizer()
	day := timegrid.NewDate(2024, time.June, 12)

	tbl := Table{
		Source:  "I90DIA11",
		Columns: []string{"Unidad de Programación", "Sentido", "Tipo", "00-01", "01-02"},
		Rows: [][]string{
			{"GUIG", "Subir", "RR", "0", "12,5"},
			{"GUIG", "Subir", "Desvíos", "99", "99"},
			{"MLTB", "Bajar", "RR", "88", ""},
		},
	}

	out, stats, err := n.SheetPrices(tbl, rrSubir, day)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "GUIG", out[0].EntityID, "sheet prices are scoped per unit")
	assert.Equal(t, 0.0, out[0].Value, "zero is a real price")
	assert.Equal(t, 12.5, out[1].Value)
	assert.Equal(t, 2, stats.FilteredOut, "wrong Tipo and wrong Sentido rows are gone")
}

func TestSheetPricesMarketWideWithoutUnitColumn(t *testing.T) {
	n := testNormalizer()
	day := timegrid.NewDate(2024, time.June, 12)

	tbl := Table{
		Source:  "I90DIA09",
		Columns: []string{"Concepto", "00-01"},
		Rows:    [][]string{{"Precio", "31,2"}},
	}
	m := market.Market{
		Name:     "Restricciones tecnicas Subir",
		Quantity: market.QuantitySpec{Source: market.SourceI90, Sheet: "03", ValueKind: records.KindEnergy, Direction: records.DirectionUp},
		Price:    market.PriceSpec{Kind: market.PriceSheet, Sheet: "09"},
	}

	out, _, err := n.SheetPrices(tbl, m, day)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "", out[0].EntityID, "no unit column means a market-wide price")
	assert.Equal(t, 31.2, out[0].Value)
}
