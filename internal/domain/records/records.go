// Package records defines the canonical rows exchanged between the
// normalization, pricing, netting and assembly stages.
package records

import (
	"strings"

	"github.com/cierzo-energy/margen/internal/domain/timegrid"
)

// Namespace identifies which identifier universe an entity code belongs to:
// schedule-side programming units (UP) or offer-side market units (UO).
type Namespace string

const (
	NamespaceSchedule Namespace = "schedule"
	NamespaceOffer    Namespace = "offer"
)

// Direction is the regulation sense of a market series, empty when the
// market has no up/down split.
type Direction string

const (
	DirectionNone Direction = ""
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// ValueKind distinguishes energy quantities (MWh) from power bands (MW).
type ValueKind string

const (
	KindEnergy ValueKind = "energy"
	KindPower  ValueKind = "power"
)

// Quantity is one normalized scheduled or traded amount.
// Unique per (EntityID, Market, Direction, Slot) within a run.
type Quantity struct {
	EntityID  string
	Namespace Namespace
	Market    string
	Direction Direction
	ValueKind ValueKind
	Slot      timegrid.Slot
	Value     float64
}

// Price is one normalized price observation. EntityID is empty for
// market-wide series (indicators, marginal price files) and set for
// per-unit settlement price sheets. Indicator is zero for sheet, file and
// inline prices.
type Price struct {
	EntityID  string
	Market    string
	Direction Direction
	Slot      timegrid.Slot
	Value     float64
	Indicator int
}

// NormalizeEntityID folds an entity code to its comparison form:
// surrounding whitespace trimmed, case folded.
func NormalizeEntityID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
