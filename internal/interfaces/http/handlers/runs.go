package handlers

import (
	"net/http"
	"strconv"
	"time"

	httpContracts "github.com/cierzo-energy/margen/internal/http"
)

// Runs handles GET /runs: recorded engine runs, newest first.
func (h *Handlers) Runs(w http.ResponseWriter, r *http.Request) {
	if h.repos == nil || h.repos.Runs == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "persistence_disabled",
			"Run history requires the database to be enabled")
		return
	}

	limit := 20 // default
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	runs, err := h.repos.Runs.Latest(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "run_query_failed",
			"Failed to query run history")
		return
	}

	infos := make([]httpContracts.RunInfo, 0, len(runs))
	for _, run := range runs {
		info := httpContracts.RunInfo{
			ID:         run.ID,
			FromDay:    run.FromDay,
			ToDay:      run.ToDay,
			Status:     run.Status,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
			Rows:       run.Rows,
			Dropped:    run.Dropped,
		}
		if run.Error != nil {
			info.Error = *run.Error
		}
		infos = append(infos, info)
	}

	h.writeJSON(w, http.StatusOK, httpContracts.RunsResponse{
		Runs:      infos,
		Count:     len(infos),
		Generated: time.Now().UTC(),
	})
}
