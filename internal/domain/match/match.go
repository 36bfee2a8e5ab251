// Package match reconciles the two entity namespaces: schedule-side
// programming units against offer-side market units.
package match

import (
	"sort"
	"strings"

	"github.com/cierzo-energy/margen/internal/domain/records"
)

// Report summarizes namespace coverage for one run. Names are display forms
// (trimmed, original case), sorted. MatchRate is |both| / |either|.
type Report struct {
	Matched      []string
	ScheduleOnly []string
	OfferOnly    []string
	MatchRate    float64
}

// Result is the computed intersection. It is a pure function of the current
// run's observed sets and is never reused across runs, since filters and the
// date range change what is observed.
type Result struct {
	report  Report
	matched map[string]bool
}

// Compute intersects the two observed identifier sets under the canonical
// normalization (trim, case-fold). The schedule-side spelling wins as the
// display form for matched names.
func Compute(scheduleIDs, offerIDs []string) *Result {
	schedule := collect(scheduleIDs)
	offer := collect(offerIDs)

	r := &Result{matched: make(map[string]bool)}
	either := make(map[string]bool, len(schedule)+len(offer))

	for norm, display := range schedule {
		either[norm] = true
		if _, ok := offer[norm]; ok {
			r.matched[norm] = true
			r.report.Matched = append(r.report.Matched, display)
		} else {
			r.report.ScheduleOnly = append(r.report.ScheduleOnly, display)
		}
	}
	for norm, display := range offer {
		if either[norm] {
			continue
		}
		either[norm] = true
		r.report.OfferOnly = append(r.report.OfferOnly, display)
	}

	sort.Strings(r.report.Matched)
	sort.Strings(r.report.ScheduleOnly)
	sort.Strings(r.report.OfferOnly)
	if len(either) > 0 {
		r.report.MatchRate = float64(len(r.matched)) / float64(len(either))
	}
	return r
}

func collect(ids []string) map[string]string {
	m := make(map[string]string, len(ids))
	for _, id := range ids {
		norm := records.NormalizeEntityID(id)
		if norm == "" {
			continue
		}
		if _, ok := m[norm]; !ok {
			// Trim only; the original casing stays the readable form.
			m[norm] = strings.TrimSpace(id)
		}
	}
	return m
}

// Contains reports whether the entity is present in both namespaces.
func (r *Result) Contains(entityID string) bool {
	return r.matched[records.NormalizeEntityID(entityID)]
}

// Report returns the coverage summary.
func (r *Result) Report() Report { return r.report }
