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

var pdbc = market.Market{
	Name:     "PDBC",
	Quantity: market.QuantitySpec{Source: market.SourceOMIE, File: "pdbc", ValueKind: records.KindEnergy},
	Price:    market.PriceSpec{Kind: market.PriceOMIEFile, File: "marginalpdbc"},
}

func TestOMIEQuantitiesHourly(t *testing.T) {
	n := testNormalizer()
	day := timegrid.NewDate(2024, time.June, 12)

	tbl := Table{
		Source:  "pdbc_20240612.1",
		Columns: []string{"Year", "Month", "Day", "Period", "Unit", "Quantity", "Unused", "Type", "NumOf"},
		Rows: [][]string{
			{"2024", "6", "12", "1", "GUIG", "10.5", "", "C", "1"},
			{"2024", "6", "12", "2", "GUIG", "0", "", "C", "1"},
			{"2024", "6", "12", "3", "ZZZZ", "7", "", "C", "1"},
			{"2024", "6", "12", "24", "GUIG", "8", "", "C", "1"},
		},
	}

	out, stats, err := n.OMIEQuantities(tbl, pdbc, day, keepUnits("GUIG"))
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, records.NamespaceOffer, out[0].Namespace)
	assert.Equal(t, timegrid.Hourly, out[0].Slot.Resolution)
	assert.Equal(t, 0, out[0].Slot.Madrid.Hour())
	assert.Equal(t, 10.5, out[0].Value)
	assert.Equal(t, 23, out[1].Slot.Madrid.Hour(), "period 24 is the last hour")

	assert.Equal(t, 1, stats.ZeroDropped)
	assert.Equal(t, 1, stats.UnknownUnit)
}

func TestOMIEQuantitiesQuarterInference(t *testing.T) {
	n := testNormalizer()
	day := timegrid.NewDate(2025, time.July, 1)

	tbl := Table{
		Source:  "pdvd_20250701.1",
		Columns: []string{"Year", "Month", "Day", "Period", "Unit", "Quantity", "Type"},
		Rows: [][]string{
			{"2025", "7", "1", "1", "GUIG", "2", "C"},
			{"2025", "7", "1", "96", "GUIG", "3", "C"},
		},
	}
	pdvd := market.Market{Name: "PDVD", Quantity: market.QuantitySpec{Source: market.SourceOMIE, File: "pdvd", ValueKind: records.KindEnergy}}

	out, _, err := n.OMIEQuantities(tbl, pdvd, day, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, timegrid.QuarterHourly, out[0].Slot.Resolution, "period 96 forces quarter-hourly")
	assert.Equal(t, 23, out[1].Slot.Madrid.Hour())
	assert.Equal(t, 45, out[1].Slot.Madrid.Minute())
}

func TestOMIEQuantitiesSessionFilter(t *testing.T) {
	n := testNormalizer()
	day := timegrid.NewDate(2024, time.June, 12)

	tbl := Table{
		Source:  "pibci_20240612.1",
		Columns: []string{"Year", "Month", "Day", "Period", "Session", "Unit", "Quantity", "Flag", "Type"},
		Rows: [][]string{
			{"2024", "6", "12", "5", "1", "GUIG", "4", "", "C"},
			{"2024", "6", "12", "5", "2", "GUIG", "6", "", "C"},
			{"2024", "6", "12", "6", "2", "GUIG", "1", "", "C"},
		},
	}
	pibc2 := market.Market{
		Name:     "PIBC s02",
		Quantity: market.QuantitySpec{Source: market.SourceOMIE, File: "pibci", ValueKind: records.KindEnergy, Session: 2},
	}

	out, stats, err := n.OMIEQuantities(tbl, pibc2, day, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, 6.0, out[0].Value, "only session 2 rows survive")
	assert.Equal(t, 1, stats.FilteredOut)
}

func TestOMIEQuantitiesSessionColumnRequired(t *testing.T) {
	n := testNormalizer()
	tbl := Table{
		Source:  "pibci_20240612.1",
		Columns: []string{"Year", "Month", "Day", "Period", "Unit", "Quantity"},
		Rows:    [][]string{{"2024", "6", "12", "1", "GUIG", "4"}},
	}
	pibc1 := market.Market{Name: "PIBC s01", Quantity: market.QuantitySpec{Source: market.SourceOMIE, File: "pibci", ValueKind: records.KindEnergy, Session: 1}}

	_, _, err := n.OMIEQuantities(tbl, pibc1, timegrid.NewDate(2024, time.June, 12), nil)
	require.Error(t, err)
}

func TestOMIEQuantitiesFallBackHourlyPeriods(t *testing.T) {
	n := testNormalizer()
	fall := timegrid.NewDate(2024, time.October, 27)

	tbl := Table{
		Source:  "pdbc_20241027.1",
		Columns: []string{"Year", "Month", "Day", "Period", "Unit", "Quantity", "Unused", "Type", "NumOf"},
		Rows: [][]string{
			{"2024", "10", "27", "3", "GUIG", "1", "", "C", "1"},
			{"2024", "10", "27", "4", "GUIG", "2", "", "C", "1"},
			{"2024", "10", "27", "25", "GUIG", "3", "", "C", "1"},
		},
	}

	out, _, err := n.OMIEQuantities(tbl, pdbc, fall, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, timegrid.Hourly, out[0].Slot.Resolution, "25 periods is still hourly")
	assert.Equal(t, timegrid.FallDupA, out[0].Slot.DSTFlag)
	assert.Equal(t, timegrid.FallDupB, out[1].Slot.DSTFlag)
	assert.Equal(t, out[0].Slot.Madrid.Hour(), out[1].Slot.Madrid.Hour())
	assert.NotEqual(t, out[0].Slot.UTC1, out[1].Slot.UTC1)
	assert.Equal(t, 23, out[2].Slot.Madrid.Hour())
}

func TestOMIEPricesMarginalES(t *testing.T) {
	n := testNormalizer()
	day := timegrid.NewDate(2024, time.June, 12)

	tbl := Table{
		Source:  "marginalpdbc_20240612.1",
		Columns: []string{"Year", "Month", "Day", "Period", "MarginalPT", "MarginalES"},
		Rows: [][]string{
			{"2024", "6", "12", "1", "48.10", "50.25"},
			{"2024", "6", "12", "2", "47.00", "0"},
		},
	}

	out, _, err := n.OMIEPrices(tbl, pdbc, day)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "", out[0].EntityID, "marginal prices are market-wide")
	assert.Equal(t, 50.25, out[0].Value, "the Spanish column wins over the Portuguese one")
	assert.Equal(t, 0.0, out[1].Value, "zero prices are kept")
	assert.Equal(t, 1, out[1].Slot.Madrid.Hour())
}

func TestOMIEPricesBadPeriodCounted(t *testing.T) {
	n := testNormalizer()
	tbl := Table{
		Source:  "marginalpdbc_20240612.1",
		Columns: []string{"Year", "Month", "Day", "Period", "MarginalPT", "MarginalES"},
		Rows: [][]string{
			{"2024", "6", "12", "x", "1", "2"},
			{"2024", "6", "12", "1", "1", "2"},
		},
	}

	out, stats, err := n.OMIEPrices(tbl, pdbc, timegrid.NewDate(2024, time.June, 12))
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, 1, stats.BadLabel)
}
