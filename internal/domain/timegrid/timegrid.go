// Package timegrid builds the canonical time axis for the Spanish market day:
// hourly or quarter-hourly slots carrying both the DST-observing Madrid wall
// clock and a fixed UTC+1 reference clock.
package timegrid

import (
	"fmt"
	"time"

	_ "time/tzdata" // bundled zone database for images without zoneinfo
)

// Resolution is the native granularity of a slot sequence.
type Resolution string

const (
	Hourly        Resolution = "hourly"
	QuarterHourly Resolution = "quarter_hourly"
)

// SlotDuration returns the wall-clock length of one slot.
func (r Resolution) SlotDuration() time.Duration {
	if r == QuarterHourly {
		return 15 * time.Minute
	}
	return time.Hour
}

// PerHour returns how many slots cover one hour.
func (r Resolution) PerHour() int {
	if r == QuarterHourly {
		return 4
	}
	return 1
}

// DSTFlag marks a slot's relation to a DST transition on its date.
type DSTFlag string

const (
	DSTNormal DSTFlag = "normal"
	// SpringGap marks the first slot after the skipped spring-forward hour.
	SpringGap DSTFlag = "spring_gap"
	// FallDupA and FallDupB split the repeated fall-back local hour: the first
	// pass still on summer time, the second back on standard time.
	FallDupA DSTFlag = "fall_dup_a"
	FallDupB DSTFlag = "fall_dup_b"
)

// DayKind classifies a local calendar day by its DST behavior.
type DayKind int

const (
	DayNormal DayKind = iota
	DaySpringForward
	DayFallBack
)

func (k DayKind) String() string {
	switch k {
	case DaySpringForward:
		return "spring_forward"
	case DayFallBack:
		return "fall_back"
	default:
		return "normal"
	}
}

var madrid = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Madrid")
	if err != nil {
		panic(fmt.Sprintf("timegrid: load Europe/Madrid: %v", err))
	}
	return loc
}()

// utc1 is Madrid wall time with DST stripped: a fixed +01:00 year-round.
var utc1 = time.FixedZone("UTC+1", 3600)

// Madrid returns the Europe/Madrid location used for all local-clock math.
func Madrid() *time.Location { return madrid }

// UTC1 returns the fixed-offset reference zone.
func UTC1() *time.Location { return utc1 }

// Date is a calendar day on the Madrid clock. Comparable, usable as a map key.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate builds a Date without validation.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Year: year, Month: month, Day: day}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.ParseInLocation("2006-01-02", s, madrid)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// DateOf returns the Madrid calendar day containing t.
func DateOf(t time.Time) Date {
	y, m, d := t.In(madrid).Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool { return d == Date{} }

// MonthKey returns YYYYMM, the monthly output chunk key.
func (d Date) MonthKey() string {
	return fmt.Sprintf("%04d%02d", d.Year, d.Month)
}

// Compact returns YYYYMMDD, the stamp used in archive and member names.
func (d Date) Compact() string {
	return fmt.Sprintf("%04d%02d%02d", d.Year, d.Month, d.Day)
}

// Midnight returns local midnight starting this day.
func (d Date) Midnight() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, madrid)
}

// AddDays returns the calendar day n days later (or earlier for negative n).
func (d Date) AddDays(n int) Date {
	return DateOf(d.Midnight().AddDate(0, 0, n))
}

// Before reports whether d precedes o.
func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

// After reports whether d follows o.
func (d Date) After(o Date) bool { return o.Before(d) }

// DatesBetween returns every calendar day from from to to inclusive.
func DatesBetween(from, to Date) []Date {
	if to.Before(from) {
		return nil
	}
	var days []Date
	for d := from; !to.Before(d); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

// Slot is one canonical time bucket of the Madrid market day.
type Slot struct {
	LocalDate   Date
	PeriodIndex int // 1-based sequential position within the local day
	Resolution  Resolution
	Madrid      time.Time // slot start on the Europe/Madrid clock
	UTC1        time.Time // slot start on the fixed +01:00 clock
	DSTFlag     DSTFlag
}

// Key identifies a slot for joins and map lookups. The UTC+1 instant is
// unique within a resolution, including across the fall-back repeated hour.
type Key struct {
	Unix       int64
	Resolution Resolution
}

// Key returns the slot's join key.
func (s Slot) Key() Key {
	return Key{Unix: s.UTC1.Unix(), Resolution: s.Resolution}
}

// Less orders slots by reference instant, then resolution.
func Less(a, b Slot) bool {
	au, bu := a.UTC1.Unix(), b.UTC1.Unix()
	if au != bu {
		return au < bu
	}
	return a.Resolution < b.Resolution
}

// InferResolution infers a file's native resolution from its maximum observed
// period index. The longest hourly day (fall-back) has 25 periods; anything
// above that can only be quarter-hourly.
func InferResolution(maxPeriodIndex int) Resolution {
	if maxPeriodIndex > 25 {
		return QuarterHourly
	}
	return Hourly
}
