package handlers

import (
	"net/http"
	"time"

	"github.com/cierzo-energy/margen/internal/persistence"
)

// CoverageResponse summarizes persisted rows per day over a range. Days
// without rows are absent, which is exactly the gap an operator looks for
// after a backfill.
type CoverageResponse struct {
	From      string                    `json:"from"`
	To        string                    `json:"to"`
	Days      []persistence.DayCoverage `json:"days"`
	Generated time.Time                 `json:"generated"`
}

// Coverage handles GET /coverage?from=YYYY-MM-DD&to=YYYY-MM-DD. The range
// defaults to the last 31 days when not given.
func (h *Handlers) Coverage(w http.ResponseWriter, r *http.Request) {
	if h.repos == nil || h.repos.Margins == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "persistence_disabled",
			"Coverage lookup requires the database to be enabled")
		return
	}

	now := time.Now()
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if to == "" {
		to = now.Format("2006-01-02")
	}
	if from == "" {
		from = now.AddDate(0, 0, -30).Format("2006-01-02")
	}
	for _, day := range []string{from, to} {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid_day",
				"Range bounds must be formatted YYYY-MM-DD")
			return
		}
	}
	if to < from {
		h.writeError(w, r, http.StatusBadRequest, "invalid_range",
			"Range end precedes range start")
		return
	}

	days, err := h.repos.Margins.Coverage(r.Context(), from, to)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "coverage_query_failed",
			"Failed to query coverage")
		return
	}
	if days == nil {
		days = []persistence.DayCoverage{}
	}

	h.writeJSON(w, http.StatusOK, CoverageResponse{
		From:      from,
		To:        to,
		Days:      days,
		Generated: time.Now().UTC(),
	})
}
