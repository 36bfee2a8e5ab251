// Package filecache memoizes parsed source tables for one unit of work, so
// sibling markets reading the same sheet or archive member parse it once.
package filecache

import (
	"github.com/cierzo-energy/margen/internal/domain/normalize"
	"github.com/cierzo-energy/margen/internal/infrastructure/sources/esios"
	"github.com/cierzo-energy/margen/internal/infrastructure/sources/i90"
	"github.com/cierzo-energy/margen/internal/infrastructure/sources/omie"
)

type entry struct {
	table normalize.Table
	found bool
}

// Manager fronts the archive readers with per-table memoization. Not safe
// for concurrent use; give each worker its own manager.
type Manager struct {
	i90    *i90.Reader
	omie   *omie.Reader
	esios  *esios.Reader
	tables map[string]entry
}

// New returns a manager with empty memos.
func New() *Manager {
	return &Manager{
		i90:    i90.NewReader(),
		omie:   omie.NewReader(),
		esios:  esios.NewReader(),
		tables: make(map[string]entry),
	}
}

// I90Sheet reads one sheet of an I90 day archive.
func (m *Manager) I90Sheet(zipPath, sheetNumber string) (normalize.Table, bool, error) {
	return m.memo("i90|"+zipPath+"|"+sheetNumber, func() (normalize.Table, bool, error) {
		return m.i90.Sheet(zipPath, sheetNumber)
	})
}

// OMIEDay reads the day members for a file prefix out of a monthly archive.
func (m *Manager) OMIEDay(zipPath, filePrefix, dayStamp string) (normalize.Table, bool, error) {
	return m.memo("omie|"+zipPath+"|"+filePrefix+"|"+dayStamp, func() (normalize.Table, bool, error) {
		return m.omie.Day(zipPath, filePrefix, dayStamp)
	})
}

// Indicator reads one indicator export file.
func (m *Manager) Indicator(path string) (normalize.Table, bool, error) {
	return m.memo("esios|"+path, func() (normalize.Table, bool, error) {
		return m.esios.Indicator(path)
	})
}

// memo caches hits and expected gaps; errors stay uncached so a retry
// reattempts the read.
func (m *Manager) memo(key string, read func() (normalize.Table, bool, error)) (normalize.Table, bool, error) {
	if e, ok := m.tables[key]; ok {
		return e.table, e.found, nil
	}
	table, found, err := read()
	if err != nil {
		return normalize.Table{}, false, err
	}
	m.tables[key] = entry{table: table, found: found}
	return table, found, nil
}

// Close releases open workbooks and drops every memoized table.
func (m *Manager) Close() error {
	m.tables = make(map[string]entry)
	return m.i90.Close()
}
