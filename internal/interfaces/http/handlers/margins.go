package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cierzo-energy/margen/internal/persistence"
)

// MarginsResponse carries one day of persisted margin rows in output order.
type MarginsResponse struct {
	Day       string                  `json:"day"`
	Unit      string                  `json:"unit,omitempty"`
	Count     int                     `json:"count"`
	Rows      []persistence.MarginRow `json:"rows"`
	Generated time.Time               `json:"generated"`
}

// Margins handles GET /margins/{day}: the persisted rows of one local day.
// An optional ?unit= query narrows the result to a single entity.
func (h *Handlers) Margins(w http.ResponseWriter, r *http.Request) {
	if h.repos == nil || h.repos.Margins == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "persistence_disabled",
			"Margin row lookup requires the database to be enabled")
		return
	}

	day := mux.Vars(r)["day"]
	if _, err := time.Parse("2006-01-02", day); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_day",
			"Day must be formatted YYYY-MM-DD")
		return
	}
	unit := r.URL.Query().Get("unit")

	rows, err := h.repos.Margins.ListByDay(r.Context(), day, unit)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "margin_query_failed",
			"Failed to query margin rows")
		return
	}

	if rows == nil {
		rows = []persistence.MarginRow{}
	}

	h.writeJSON(w, http.StatusOK, MarginsResponse{
		Day:       day,
		Unit:      unit,
		Count:     len(rows),
		Rows:      rows,
		Generated: time.Now().UTC(),
	})
}
