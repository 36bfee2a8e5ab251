package i90

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeDayArchive(t *testing.T) string {
	t.Helper()

	wb := excelize.NewFile()
	require.NoError(t, wb.SetSheetName("Sheet1", "I90DIA03"))
	rows := [][]interface{}{
		{"", "Información del mercado de producción"},
		{"Unidad de Programación", "Sentido", "00-01", "01-02"},
		{"ABO1", "Subir", "10.5", "11.0"},
		{"ABO2", "Bajar", "3.0", ""},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, wb.SetSheetRow("I90DIA03", cell, &row))
	}
	buf, err := wb.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, wb.Close())

	path := filepath.Join(t.TempDir(), "I90DIA_20240612.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("I90DIA_20240612.xlsx")
	require.NoError(t, err)
	_, err = w.Write(buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestSheetPromotesHeaderPastPreamble(t *testing.T) {
	path := writeDayArchive(t)
	r := NewReader()
	defer r.Close()

	table, found, err := r.Sheet(path, "03")
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, "I90DIA03", table.Source)
	assert.Equal(t, []string{"Unidad de Programación", "Sentido", "00-01", "01-02"}, table.Columns)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "ABO1", table.Rows[0][0])
	assert.Equal(t, "11.0", table.Rows[0][3])
}

func TestSheetAbsentFromWorkbook(t *testing.T) {
	path := writeDayArchive(t)
	r := NewReader()
	defer r.Close()

	_, found, err := r.Sheet(path, "99")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMissingArchiveIsGap(t *testing.T) {
	r := NewReader()
	defer r.Close()

	_, found, err := r.Sheet(filepath.Join(t.TempDir(), "I90DIA_19990101.zip"), "03")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWorkbookSharedAcrossSheets(t *testing.T) {
	path := writeDayArchive(t)
	r := NewReader()
	defer r.Close()

	_, found, err := r.Sheet(path, "03")
	require.NoError(t, err)
	require.True(t, found)

	// Second sheet of the same day resolves from the open workbook even
	// after the archive is gone.
	require.NoError(t, os.Remove(path))
	_, found, err = r.Sheet(path, "03")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestArchiveWithoutWorkbookMember(t *testing.T) {
	path := filepath.Join(t.TempDir(), "I90DIA_20240612.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("readme.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("not a workbook"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	r := NewReader()
	defer r.Close()
	_, _, err = r.Sheet(path, "03")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no spreadsheet member")
}
