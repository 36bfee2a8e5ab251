package timegrid

import (
	"fmt"
	"strconv"
)

// Labels returns the day's raw period labels in slot order, following the
// conventions of the Spanish settlement files.
//
// Hourly labels are wall-clock hour ranges "00-01".."23-24". The fall-back
// day repeats "02-03" with "a"/"b" suffixes; the spring-forward day simply
// has no "02-03" column.
//
// Quarter-hourly labels are wall-clock derived "1".."96" (q = 4h + m/15 + 1),
// which leaves the hole "9".."12" on the spring-forward day. The fall-back
// day instead numbers its 100 periods contiguously.
func (g *Grid) Labels() []string {
	labels := make([]string, 0, len(g.slots))
	for i, s := range g.slots {
		labels = append(labels, g.label(i, s))
	}
	return labels
}

func (g *Grid) label(pos int, s Slot) string {
	if g.resolution == Hourly {
		h := s.Madrid.Hour()
		base := fmt.Sprintf("%02d-%02d", h, h+1)
		switch s.DSTFlag {
		case FallDupA:
			return base + "a"
		case FallDupB:
			return base + "b"
		}
		return base
	}
	if g.kind == DayFallBack {
		return strconv.Itoa(pos + 1)
	}
	return strconv.Itoa(s.Madrid.Hour()*4 + s.Madrid.Minute()/15 + 1)
}
