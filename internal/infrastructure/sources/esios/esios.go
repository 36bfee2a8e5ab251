// Package esios reads per-indicator CSV exports of the system operator's
// information service: one file per indicator and month, with tz-aware
// datetime, value and geo columns.
package esios

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/cierzo-energy/margen/internal/domain/normalize"
)

// Reader parses indicator exports.
type Reader struct{}

// NewReader returns a Reader.
func NewReader() *Reader { return &Reader{} }

// Indicator reads one export file. The payload is UTF-8 with a Latin-1
// fallback for older exports. A missing file is an expected gap.
func (r *Reader) Indicator(path string) (normalize.Table, bool, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return normalize.Table{}, false, nil
	}
	if err != nil {
		return normalize.Table{}, false, fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(b) {
		if b, err = charmap.ISO8859_1.NewDecoder().Bytes(b); err != nil {
			return normalize.Table{}, false, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	cr := csv.NewReader(bytes.NewReader(b))
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return normalize.Table{}, false, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return normalize.Table{Source: filepath.Base(path)}, true, nil
	}
	return normalize.Table{
		Source:  filepath.Base(path),
		Columns: records[0],
		Rows:    records[1:],
	}, true, nil
}
