package handlers

import (
	"net/http"
	"time"

	httpContracts "github.com/cierzo-energy/margen/internal/http"
)

// Status handles GET /status: the live view of the engine's progress board.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		h.writeJSON(w, http.StatusOK, httpContracts.StatusResponse{
			Timestamp: time.Now().UTC(),
			State:     "idle",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, h.tracker.Snapshot())
}
