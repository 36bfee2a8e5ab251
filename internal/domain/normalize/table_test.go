package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPromoteHeaderSkipsPreambleAndCleansFloatHeaders(t *testing.T) {
	raw := [][]string{
		{"", "I90 diario", ""},
		{""},
		{"Unidad de Programación", "Sentido", "1.0", "2.0"},
		{"GUIG", "Subir", "5", "3"},
		{"", "", "", ""},
		{"MLTB", "Bajar", "1", ""},
	}
	tbl := PromoteHeader("I90DIA06", raw)

	assert.Equal(t, []string{"Unidad de Programación", "Sentido", "1", "2"}, tbl.Columns)
	assert.Len(t, tbl.Rows, 2, "padding rows with an empty first cell are dropped")
	assert.Equal(t, "GUIG", tbl.Rows[0][0])
	assert.Equal(t, "MLTB", tbl.Rows[1][0])
}

func TestPromoteHeaderEmptyGrid(t *testing.T) {
	tbl := PromoteHeader("empty", nil)
	assert.True(t, tbl.Empty())
	assert.Nil(t, tbl.Columns)
}

func TestColMatchesCaseInsensitively(t *testing.T) {
	tbl := Table{Columns: []string{" Unidad Venta ", "PRECIO", "cantidad"}}

	assert.Equal(t, 0, tbl.Col("UNIDAD VENTA"))
	assert.Equal(t, 1, tbl.Col("Precio"))
	assert.Equal(t, 2, tbl.Col("CANTIDAD"))
	assert.Equal(t, -1, tbl.Col("Contrato"))
	assert.Equal(t, 1, tbl.ColAny("Contrato", "Precio"))
	assert.Equal(t, -1, tbl.ColAny("Contrato", "Fecha"))
}

func TestCellToleratesRaggedRows(t *testing.T) {
	row := []string{"GUIG", " 5,5 "}
	assert.Equal(t, "GUIG", Cell(row, 0))
	assert.Equal(t, "5,5", Cell(row, 1))
	assert.Equal(t, "", Cell(row, 2))
	assert.Equal(t, "", Cell(row, -1))
}

func TestParseNumber(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"1234.56", 1234.56, true},
		{"1234,56", 1234.56, true},
		{"1.234,56", 1234.56, true},
		{"1,234.56", 1234.56, true},
		{"-3,5", -3.5, true},
		{" 42 ", 42, true},
		{"0", 0, true},
		{"", 0, false},
		{"n/a", 0, false},
		{"12.34.56", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseNumber(tc.in)
		assert.Equal(t, tc.ok, ok, "input %q", tc.in)
		if tc.ok {
			assert.Equal(t, tc.want, got, "input %q", tc.in)
		}
	}
}
