package normalize

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cierzo-energy/margen/internal/domain/market"
	"github.com/cierzo-energy/margen/internal/domain/timegrid"
)

func testRegistry() *market.Registry {
	return &market.Registry{
		UnitColumns: []string{
			"Unidad de Programación", "Unidad de Programacion", "Participante del Mercado",
			"Codigo", "Coduog", "Código", "UP", "Unidad", "Unit",
		},
		GeoDefault:     8741,
		GeoByIndicator: map[int]int{613: 3},
	}
}

func testNormalizer() *Normalizer {
	return New(testRegistry(), timegrid.NewGridSet())
}

func keepUnits(units ...string) func(string) bool {
	set := make(map[string]bool, len(units))
	for _, u := range units {
		set[u] = true
	}
	return func(id string) bool { return set[id] }
}

func mustGrid(t *testing.T, n *Normalizer, d timegrid.Date, res timegrid.Resolution) *timegrid.Grid {
	t.Helper()
	g, err := n.grids.Get(d, res)
	require.NoError(t, err)
	return g
}
