// Package market holds the declarative registry that drives normalization:
// one entry per market product, naming its quantity source, filters and
// price source. Adding a market is a registry edit, not new code.
package market

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cierzo-energy/margen/internal/domain/pricing"
	"github.com/cierzo-energy/margen/internal/domain/records"
	"github.com/cierzo-energy/margen/internal/domain/timegrid"
)

// SourceKind names the archive family a quantity series comes from.
type SourceKind string

const (
	SourceI90  SourceKind = "i90"
	SourceOMIE SourceKind = "omie"
)

// PriceKind names where a market's price comes from.
type PriceKind string

const (
	PriceNone      PriceKind = "none"      // schedule only, margin stays null
	PriceSheet     PriceKind = "sheet"     // per-unit settlement price sheet
	PriceIndicator PriceKind = "indicator" // market-wide indicator series with validity windows
	PriceOMIEFile  PriceKind = "omie_file" // market-wide marginal price file
	PriceInline    PriceKind = "inline"    // trade rows carry their own price
)

// Filter keeps rows whose column value matches one of the configured values.
type Filter struct {
	Column string   `yaml:"column"`
	Values []string `yaml:"values"`
}

// Match reports whether a raw cell value passes the filter.
func (f Filter) Match(value string) bool {
	v := strings.TrimSpace(value)
	for _, want := range f.Values {
		if v == want {
			return true
		}
	}
	return false
}

// Window mirrors pricing.Window with YAML date strings; empty means open.
type Window struct {
	Indicator int    `yaml:"indicator"`
	From      string `yaml:"from,omitempty"`
	To        string `yaml:"to,omitempty"`
}

// QuantitySpec says where and how a market's quantities are read.
type QuantitySpec struct {
	Source    SourceKind        `yaml:"source"`
	Sheet     string            `yaml:"sheet,omitempty"`   // I90 sheet number, e.g. "03"
	File      string            `yaml:"file,omitempty"`    // OMIE file prefix, e.g. "pdbc"
	ValueKind records.ValueKind `yaml:"value_kind"`
	Direction records.Direction `yaml:"direction,omitempty"`
	Session   int               `yaml:"session,omitempty"` // intraday auction session, 0 = n/a
	Filters   []Filter          `yaml:"filters,omitempty"`
}

// PriceSpec says where a market's prices come from.
type PriceSpec struct {
	Kind    PriceKind `yaml:"kind"`
	Sheet   string    `yaml:"sheet,omitempty"`
	File    string    `yaml:"file,omitempty"`
	Filters []Filter  `yaml:"filters,omitempty"`
	Windows []Window  `yaml:"windows,omitempty"`
}

// Market is one registry entry.
type Market struct {
	Name     string       `yaml:"name"`
	Quantity QuantitySpec `yaml:"quantity"`
	Price    PriceSpec    `yaml:"price"`
}

// Trades reports whether the market is settled from trade legs with inline
// prices (continuous intraday).
func (m Market) Trades() bool { return m.Price.Kind == PriceInline }

// Registry is the full market table plus shared lookup configuration.
type Registry struct {
	// UnitColumns are the candidate header names scanned to find the unit
	// code column in schedule sheets.
	UnitColumns []string `yaml:"unit_columns"`
	// GeoDefault is the geo area kept for indicator rows unless overridden.
	GeoDefault int `yaml:"geo_default"`
	// GeoByIndicator overrides the kept geo area per indicator id.
	GeoByIndicator map[int]int `yaml:"geo_by_indicator"`
	Markets        []Market    `yaml:"markets"`

	// Fingerprint is the hex SHA-256 of the registry file as loaded. Cached
	// rows are keyed on it, so editing the registry invalidates them.
	Fingerprint string `yaml:"-"`
}

// Load reads and validates a registry file.
func Load(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read market registry: %w", err)
	}
	var r Registry
	if err := yaml.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal market registry: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("market registry validation failed: %w", err)
	}
	hash := sha256.Sum256(b)
	r.Fingerprint = hex.EncodeToString(hash[:])
	return &r, nil
}

// Validate checks structural coherence of the registry. Window overlap is not
// checked here; that is the price selector's construction-time job.
func (r *Registry) Validate() error {
	if len(r.Markets) == 0 {
		return fmt.Errorf("no markets configured")
	}
	if len(r.UnitColumns) == 0 {
		return fmt.Errorf("no unit column candidates configured")
	}
	seen := make(map[string]bool, len(r.Markets))
	for _, m := range r.Markets {
		if m.Name == "" {
			return fmt.Errorf("market with empty name")
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate market %q", m.Name)
		}
		seen[m.Name] = true

		switch m.Quantity.Source {
		case SourceI90:
			if m.Quantity.Sheet == "" {
				return fmt.Errorf("market %q: i90 quantity needs a sheet", m.Name)
			}
		case SourceOMIE:
			if m.Quantity.File == "" {
				return fmt.Errorf("market %q: omie quantity needs a file prefix", m.Name)
			}
		default:
			return fmt.Errorf("market %q: unknown quantity source %q", m.Name, m.Quantity.Source)
		}

		switch m.Quantity.ValueKind {
		case records.KindEnergy, records.KindPower:
		default:
			return fmt.Errorf("market %q: unknown value kind %q", m.Name, m.Quantity.ValueKind)
		}
		switch m.Quantity.Direction {
		case records.DirectionNone, records.DirectionUp, records.DirectionDown:
		default:
			return fmt.Errorf("market %q: unknown direction %q", m.Name, m.Quantity.Direction)
		}

		switch m.Price.Kind {
		case PriceNone, PriceInline:
		case PriceSheet:
			if m.Price.Sheet == "" {
				return fmt.Errorf("market %q: sheet price needs a sheet", m.Name)
			}
		case PriceOMIEFile:
			if m.Price.File == "" {
				return fmt.Errorf("market %q: file price needs a file prefix", m.Name)
			}
		case PriceIndicator:
			if len(m.Price.Windows) == 0 {
				return fmt.Errorf("market %q: indicator price needs validity windows", m.Name)
			}
		default:
			return fmt.Errorf("market %q: unknown price kind %q", m.Name, m.Price.Kind)
		}

		for _, w := range m.Price.Windows {
			if w.Indicator <= 0 {
				return fmt.Errorf("market %q: window without indicator id", m.Name)
			}
			if _, _, err := w.bounds(); err != nil {
				return fmt.Errorf("market %q: %w", m.Name, err)
			}
		}
	}
	return nil
}

func (w Window) bounds() (from, to timegrid.Date, err error) {
	if w.From != "" {
		if from, err = timegrid.ParseDate(w.From); err != nil {
			return from, to, fmt.Errorf("window from: %w", err)
		}
	}
	if w.To != "" {
		if to, err = timegrid.ParseDate(w.To); err != nil {
			return from, to, fmt.Errorf("window to: %w", err)
		}
	}
	return from, to, nil
}

// ByName returns the market entry with the given name.
func (r *Registry) ByName(name string) (Market, bool) {
	for _, m := range r.Markets {
		if m.Name == name {
			return m, true
		}
	}
	return Market{}, false
}

// GeoFor returns the geo area whose rows are kept for an indicator.
func (r *Registry) GeoFor(indicator int) int {
	if geo, ok := r.GeoByIndicator[indicator]; ok {
		return geo
	}
	return r.GeoDefault
}

// I90Sheets returns every distinct I90 sheet referenced for quantities or
// prices, sorted.
func (r *Registry) I90Sheets() []string {
	seen := make(map[string]bool)
	for _, m := range r.Markets {
		if m.Quantity.Source == SourceI90 {
			seen[m.Quantity.Sheet] = true
		}
		if m.Price.Kind == PriceSheet {
			seen[m.Price.Sheet] = true
		}
	}
	sheets := make([]string, 0, len(seen))
	for s := range seen {
		sheets = append(sheets, s)
	}
	sort.Strings(sheets)
	return sheets
}

// OMIEFiles returns every distinct OMIE file prefix referenced, sorted.
func (r *Registry) OMIEFiles() []string {
	seen := make(map[string]bool)
	for _, m := range r.Markets {
		if m.Quantity.Source == SourceOMIE {
			seen[m.Quantity.File] = true
		}
		if m.Price.Kind == PriceOMIEFile {
			seen[m.Price.File] = true
		}
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// PriceSeries converts every indicator-priced market into its selector
// series. Validation guarantees the window strings parse.
func (r *Registry) PriceSeries() []pricing.Series {
	var series []pricing.Series
	for _, m := range r.Markets {
		if m.Price.Kind != PriceIndicator {
			continue
		}
		s := pricing.Series{Market: m.Name, Direction: m.Quantity.Direction}
		for _, w := range m.Price.Windows {
			from, to, err := w.bounds()
			if err != nil {
				continue // unreachable after Validate
			}
			s.Windows = append(s.Windows, pricing.Window{Indicator: w.Indicator, From: from, To: to})
		}
		series = append(series, s)
	}
	return series
}
