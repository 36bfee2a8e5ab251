// Package handlers implements the monitor endpoints: health, engine status,
// run history and persisted margin rows. Everything is read-only JSON.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	httpContracts "github.com/cierzo-energy/margen/internal/http"
	"github.com/cierzo-energy/margen/internal/infrastructure/cache"
	"github.com/cierzo-energy/margen/internal/persistence"
)

// CacheStats exposes row cache counters to the monitor endpoints.
type CacheStats interface {
	Stats() cache.Stats
}

// Config carries the static facts the endpoints report.
type Config struct {
	Version    string
	BuildStamp string
	DataRoot   string
}

// Handlers manages all monitor endpoint handlers.
type Handlers struct {
	cfg       Config
	tracker   *httpContracts.StatusTracker
	repos     *persistence.Repository
	dbHealth  persistence.RepositoryHealth
	cache     CacheStats
	startTime time.Time
}

// NewHandlers creates a handlers instance. Repos and cache may be nil when
// the corresponding subsystem is disabled; the endpoints degrade instead of
// failing.
func NewHandlers(cfg Config, tracker *httpContracts.StatusTracker, repos *persistence.Repository, dbHealth persistence.RepositoryHealth, cacheStats CacheStats) *Handlers {
	return &Handlers{
		cfg:       cfg,
		tracker:   tracker,
		repos:     repos,
		dbHealth:  dbHealth,
		cache:     cacheStats,
		startTime: time.Now(),
	}
}

// writeJSON writes JSON response with proper error handling
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

// writeError writes standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID, _ := r.Context().Value("request_id").(string)

	errorResp := httpContracts.ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	}

	h.writeJSON(w, status, errorResp)
}

// NotFound handles 404 responses
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}
