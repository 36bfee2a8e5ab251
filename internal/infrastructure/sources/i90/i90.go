// Package i90 reads the system operator's I90 day archives: one zip per day
// holding a single workbook whose numbered sheets carry the per-unit schedule
// and settlement tables.
package i90

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/cierzo-energy/margen/internal/domain/normalize"
)

// SheetName resolves a registry sheet number to the workbook sheet name.
func SheetName(number string) string {
	return "I90DIA" + number
}

// Reader opens I90 day archives and serves their sheets as raw tables.
// Workbooks stay open across Sheet calls until Close, so reading several
// sheets of one day parses the archive once. Not safe for concurrent use.
type Reader struct {
	workbooks map[string]*excelize.File
}

// NewReader returns a Reader with no open workbooks.
func NewReader() *Reader {
	return &Reader{workbooks: make(map[string]*excelize.File)}
}

// Sheet reads the numbered sheet ("03" resolves to I90DIA03) out of a day
// archive. A missing archive or a sheet the workbook does not carry is an
// expected gap, reported as found=false with no error.
func (r *Reader) Sheet(zipPath, sheetNumber string) (normalize.Table, bool, error) {
	wb, found, err := r.workbook(zipPath)
	if err != nil || !found {
		return normalize.Table{}, false, err
	}

	name := SheetName(sheetNumber)
	idx, err := wb.GetSheetIndex(name)
	if err != nil {
		return normalize.Table{}, false, fmt.Errorf("%s: sheet %s: %w", zipPath, name, err)
	}
	if idx < 0 {
		return normalize.Table{}, false, nil
	}

	raw, err := wb.GetRows(name)
	if err != nil {
		return normalize.Table{}, false, fmt.Errorf("%s: read sheet %s: %w", zipPath, name, err)
	}
	return normalize.PromoteHeader(name, raw), true, nil
}

// workbook returns the open workbook for a day archive, opening and caching
// it on first use. The first spreadsheet member of the zip is the workbook.
func (r *Reader) workbook(zipPath string) (*excelize.File, bool, error) {
	if wb, ok := r.workbooks[zipPath]; ok {
		return wb, true, nil
	}
	if _, err := os.Stat(zipPath); os.IsNotExist(err) {
		return nil, false, nil
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, false, fmt.Errorf("open %s: %w", zipPath, err)
	}
	defer zr.Close()

	var member *zip.File
	for _, f := range zr.File {
		lower := strings.ToLower(f.Name)
		if strings.HasSuffix(lower, ".xlsx") || strings.HasSuffix(lower, ".xls") {
			member = f
			break
		}
	}
	if member == nil {
		return nil, false, fmt.Errorf("%s: no spreadsheet member", zipPath)
	}

	rc, err := member.Open()
	if err != nil {
		return nil, false, fmt.Errorf("%s: open member %s: %w", zipPath, member.Name, err)
	}
	b, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, false, fmt.Errorf("%s: read member %s: %w", zipPath, member.Name, err)
	}

	wb, err := excelize.OpenReader(bytes.NewReader(b))
	if err != nil {
		return nil, false, fmt.Errorf("%s: parse workbook %s: %w", zipPath, member.Name, err)
	}
	r.workbooks[zipPath] = wb
	return wb, true, nil
}

// Close releases every cached workbook.
func (r *Reader) Close() error {
	var firstErr error
	for path, wb := range r.workbooks {
		if err := wb.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close workbook %s: %w", path, err)
		}
	}
	r.workbooks = make(map[string]*excelize.File)
	return firstErr
}
