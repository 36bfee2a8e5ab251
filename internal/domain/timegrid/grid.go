package timegrid

import (
	"fmt"
	"time"
)

// Grid is the full slot sequence for one local day at one resolution:
// 23/24/25 slots hourly, 92/96/100 quarter-hourly.
type Grid struct {
	date       Date
	resolution Resolution
	kind       DayKind
	slots      []Slot
	byLabel    map[string]int
}

// DayGrid enumerates the canonical slots of date at the given resolution.
// Slots are generated by stepping absolute instants from local midnight to the
// next local midnight, so the spring-forward hour is skipped and the fall-back
// hour repeated without special cases.
func DayGrid(date Date, res Resolution) (*Grid, error) {
	start := date.Midnight()
	end := date.AddDays(1).Midnight()
	if !start.Before(end) {
		return nil, fmt.Errorf("timegrid: invalid day bounds for %s", date)
	}

	step := res.SlotDuration()
	hours := int(end.Sub(start) / time.Hour)
	kind := DayNormal
	switch hours {
	case 23:
		kind = DaySpringForward
	case 25:
		kind = DayFallBack
	case 24:
	default:
		return nil, fmt.Errorf("timegrid: %s spans %d hours, expected 23, 24 or 25", date, hours)
	}

	// Locate the transition instant, if any, by scanning for an offset change.
	var transition time.Time
	if kind != DayNormal {
		prev := offsetAt(start)
		for t := start.Add(step); t.Before(end); t = t.Add(step) {
			if off := offsetAt(t); off != prev {
				transition = t
				break
			}
		}
	}

	g := &Grid{date: date, resolution: res, kind: kind}
	idx := 1
	for t := start; t.Before(end); t = t.Add(step) {
		flag := DSTNormal
		switch kind {
		case DaySpringForward:
			if t.Equal(transition) {
				flag = SpringGap
			}
		case DayFallBack:
			if !t.Before(transition.Add(-time.Hour)) && t.Before(transition) {
				flag = FallDupA
			} else if !t.Before(transition) && t.Before(transition.Add(time.Hour)) {
				flag = FallDupB
			}
		}
		g.slots = append(g.slots, Slot{
			LocalDate:   date,
			PeriodIndex: idx,
			Resolution:  res,
			Madrid:      t.In(madrid),
			UTC1:        t.In(utc1),
			DSTFlag:     flag,
		})
		idx++
	}

	g.byLabel = make(map[string]int, len(g.slots))
	for i, label := range g.Labels() {
		g.byLabel[label] = i
	}
	return g, nil
}

// Date returns the grid's local calendar day.
func (g *Grid) Date() Date { return g.date }

// Resolution returns the grid's native resolution.
func (g *Grid) Resolution() Resolution { return g.resolution }

// Kind reports the day's DST classification.
func (g *Grid) Kind() DayKind { return g.kind }

// Len returns the number of slots in the day.
func (g *Grid) Len() int { return len(g.slots) }

// Slots returns the day's slots in period order. Callers must not mutate.
func (g *Grid) Slots() []Slot { return g.slots }

// ByIndex returns the slot at the 1-based sequential period index.
func (g *Grid) ByIndex(periodIndex int) (Slot, bool) {
	if periodIndex < 1 || periodIndex > len(g.slots) {
		return Slot{}, false
	}
	return g.slots[periodIndex-1], true
}

// ByLabel resolves a raw source period label to its slot. Unknown labels,
// including labels for the nonexistent spring-forward hour, return false.
func (g *Grid) ByLabel(label string) (Slot, bool) {
	i, ok := g.byLabel[label]
	if !ok {
		return Slot{}, false
	}
	return g.slots[i], true
}

// Occurrence disambiguates a wall clock inside the fall-back repeated hour.
type Occurrence int

const (
	OccurUnspecified Occurrence = iota
	OccurFirst                  // summer-time pass
	OccurSecond                 // standard-time pass
)

// ByClock resolves a local wall clock reading to its slot. A clock inside the
// repeated fall-back hour resolves via occ; unspecified defaults to the first
// pass. A clock inside the spring-forward gap has no slot.
func (g *Grid) ByClock(hour, minute int, occ Occurrence) (Slot, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return Slot{}, fmt.Errorf("timegrid: clock %02d:%02d out of range", hour, minute)
	}
	wantMin := 0
	if g.resolution == QuarterHourly {
		wantMin = (minute / 15) * 15
	}

	var matches []Slot
	for _, s := range g.slots {
		if s.Madrid.Hour() == hour && s.Madrid.Minute() == wantMin {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return Slot{}, fmt.Errorf("timegrid: %s %02d:%02d does not exist on the local clock", g.date, hour, minute)
	case 1:
		return matches[0], nil
	default:
		if occ == OccurSecond {
			return matches[1], nil
		}
		return matches[0], nil
	}
}

// ByInstant buckets an absolute instant into its containing slot. Instants
// outside the local day return false.
func (g *Grid) ByInstant(t time.Time) (Slot, bool) {
	start := g.date.Midnight()
	if t.Before(start) {
		return Slot{}, false
	}
	pos := int(t.Sub(start) / g.resolution.SlotDuration())
	if pos < 0 || pos >= len(g.slots) {
		return Slot{}, false
	}
	return g.slots[pos], true
}

// HourlyContainer maps a quarter-hourly slot to its containing hourly slot on
// the same local day. Hour containment is computed on the fixed-offset clock,
// so it is stable across DST transitions.
func (g *Grid) HourlyContainer(s Slot) (Slot, bool) {
	if g.resolution != Hourly || s.Resolution != QuarterHourly || s.LocalDate != g.date {
		return Slot{}, false
	}
	hourStart := s.UTC1.Truncate(time.Hour)
	start := g.date.Midnight().In(utc1)
	pos := int(hourStart.Sub(start) / time.Hour)
	if pos < 0 || pos >= len(g.slots) {
		return Slot{}, false
	}
	return g.slots[pos], true
}

func offsetAt(t time.Time) int {
	_, off := t.In(madrid).Zone()
	return off
}

// GridSet lazily builds and memoizes day grids, shared across a run.
type GridSet struct {
	grids map[gridKey]*Grid
}

type gridKey struct {
	date Date
	res  Resolution
}

// NewGridSet returns an empty grid cache.
func NewGridSet() *GridSet {
	return &GridSet{grids: make(map[gridKey]*Grid)}
}

// Get returns the grid for (date, res), building it on first use.
func (gs *GridSet) Get(date Date, res Resolution) (*Grid, error) {
	k := gridKey{date: date, res: res}
	if g, ok := gs.grids[k]; ok {
		return g, nil
	}
	g, err := DayGrid(date, res)
	if err != nil {
		return nil, err
	}
	gs.grids[k] = g
	return g, nil
}
