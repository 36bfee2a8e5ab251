// Package pricing routes each market, direction and date to the price
// indicator whose validity window covers it.
package pricing

import (
	"fmt"
	"sort"

	"github.com/cierzo-energy/margen/internal/domain/records"
	"github.com/cierzo-energy/margen/internal/domain/timegrid"
)

// Window is one indicator validity interval. From is inclusive, To exclusive;
// a zero Date leaves that side unbounded. Cutovers switch at local midnight of
// To/From, so the day before a switch still prices on the old indicator.
type Window struct {
	Indicator int
	From      timegrid.Date
	To        timegrid.Date
}

// Contains reports whether the window covers the local date.
func (w Window) Contains(d timegrid.Date) bool {
	if !w.From.IsZero() && d.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !d.Before(w.To) {
		return false
	}
	return true
}

func (w Window) String() string {
	from, to := "open", "open"
	if !w.From.IsZero() {
		from = w.From.String()
	}
	if !w.To.IsZero() {
		to = w.To.String()
	}
	return fmt.Sprintf("indicator %d [%s, %s)", w.Indicator, from, to)
}

// Series is the window table for one (market, direction).
type Series struct {
	Market    string
	Direction records.Direction
	Windows   []Window
}

// ConflictError reports overlapping validity windows for one series. It is a
// configuration defect: with an overlap, a whole day's margin would silently
// price on whichever indicator happened to win.
type ConflictError struct {
	Market    string
	Direction records.Direction
	A, B      Window
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("price window conflict for %s/%s: %s overlaps %s",
		e.Market, directionLabel(e.Direction), e.A, e.B)
}

func directionLabel(d records.Direction) string {
	if d == records.DirectionNone {
		return "-"
	}
	return string(d)
}

type seriesKey struct {
	market    string
	direction records.Direction
}

// Selector resolves (market, direction, date) to an indicator id.
// Windows are validated disjoint at construction; selection can therefore
// never see more than one candidate.
type Selector struct {
	windows map[seriesKey][]Window
}

// NewSelector validates all series and builds the selector. Overlapping
// windows within a series return a *ConflictError and no selector.
func NewSelector(series []Series) (*Selector, error) {
	s := &Selector{windows: make(map[seriesKey][]Window, len(series))}
	for _, sr := range series {
		ws := append([]Window(nil), sr.Windows...)
		sort.Slice(ws, func(i, j int) bool {
			if ws[i].From.IsZero() != ws[j].From.IsZero() {
				return ws[i].From.IsZero()
			}
			return ws[i].From.Before(ws[j].From)
		})
		for i := 0; i < len(ws); i++ {
			if !ws[i].From.IsZero() && !ws[i].To.IsZero() && !ws[i].From.Before(ws[i].To) {
				return nil, fmt.Errorf("pricing: empty window for %s/%s: %s",
					sr.Market, directionLabel(sr.Direction), ws[i])
			}
			for j := i + 1; j < len(ws); j++ {
				if overlaps(ws[i], ws[j]) {
					return nil, &ConflictError{Market: sr.Market, Direction: sr.Direction, A: ws[i], B: ws[j]}
				}
			}
		}
		key := seriesKey{market: sr.Market, direction: sr.Direction}
		if _, dup := s.windows[key]; dup {
			return nil, fmt.Errorf("pricing: duplicate series %s/%s", sr.Market, directionLabel(sr.Direction))
		}
		s.windows[key] = ws
	}
	return s, nil
}

// overlaps reports whether two half-open windows share any date.
func overlaps(a, b Window) bool {
	aEndsBeforeB := !a.To.IsZero() && !b.From.IsZero() && !b.From.Before(a.To)
	bEndsBeforeA := !b.To.IsZero() && !a.From.IsZero() && !a.From.Before(b.To)
	return !aEndsBeforeB && !bEndsBeforeA
}

// Indicator returns the indicator valid for the date, or false when no window
// covers it (price undefined, not an error).
func (s *Selector) Indicator(market string, dir records.Direction, d timegrid.Date) (int, bool) {
	for _, w := range s.windows[seriesKey{market: market, direction: dir}] {
		if w.Contains(d) {
			return w.Indicator, true
		}
	}
	return 0, false
}

// Indicators returns the distinct indicator ids referenced by any series,
// sorted ascending. The engine uses it to plan which indicator files to read.
func (s *Selector) Indicators() []int {
	seen := make(map[int]bool)
	for _, ws := range s.windows {
		for _, w := range ws {
			seen[w.Indicator] = true
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
