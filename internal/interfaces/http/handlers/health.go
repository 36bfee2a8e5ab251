package handlers

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/cierzo-energy/margen/internal/infrastructure/cache"
	"github.com/cierzo-energy/margen/internal/persistence"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string    `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp  time.Time `json:"timestamp"`
	Uptime     string    `json:"uptime"`
	Version    string    `json:"version"`
	BuildStamp string    `json:"build_stamp"`

	System   SystemInfo              `json:"system"`
	Database persistence.HealthCheck `json:"database"`
	Cache    *cache.Stats            `json:"cache,omitempty"`

	Checks map[string]CheckResult `json:"checks"`
}

// SystemInfo provides system-level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
	MemSys        uint64 `json:"mem_sys_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status    string        `json:"status"` // "pass", "warn", "fail"
	Message   string        `json:"message"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	response := h.gatherHealthInfo(r)
	response.Checks["health_endpoint"] = CheckResult{
		Status:    "pass",
		Message:   "Health endpoint responding",
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

	// Degraded still answers 200: the engine can run, just not at full
	// capability.
	status := http.StatusOK
	if response.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// gatherHealthInfo collects all health information
func (h *Handlers) gatherHealthInfo(r *http.Request) HealthResponse {
	response := HealthResponse{
		Timestamp:  time.Now().UTC(),
		Uptime:     time.Since(h.startTime).String(),
		Version:    h.cfg.Version,
		BuildStamp: h.cfg.BuildStamp,
		System:     h.getSystemInfo(),
		Checks:     make(map[string]CheckResult),
	}

	h.addDatabaseCheck(r, &response)
	h.addCacheCheck(&response)
	h.addDataRootCheck(&response)
	h.addSystemChecks(&response)

	response.Status = h.calculateOverallStatus(response.Checks)

	return response
}

// getSystemInfo collects system runtime information
func (h *Handlers) getSystemInfo() SystemInfo {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		MemAlloc:      memStats.Alloc,
		MemSys:        memStats.Sys,
		NumGC:         memStats.NumGC,
	}
}

// addDatabaseCheck probes the persistence layer. A disabled database reports
// healthy with a note, not a warning: file output still works without it.
func (h *Handlers) addDatabaseCheck(r *http.Request, response *HealthResponse) {
	if h.dbHealth == nil {
		response.Checks["database"] = CheckResult{
			Status:    "warn",
			Message:   "No database health source wired",
			Timestamp: time.Now(),
		}
		return
	}

	started := time.Now()
	health := h.dbHealth.Health(r.Context())
	response.Database = health

	check := CheckResult{
		Status:    "pass",
		Message:   "Database responding",
		Duration:  time.Since(started),
		Timestamp: time.Now(),
	}
	if !health.Healthy {
		check.Status = "fail"
		check.Message = strings.Join(health.Errors, "; ")
	} else if len(health.Errors) > 0 {
		check.Message = health.Errors[0]
	}
	response.Checks["database"] = check
}

// addCacheCheck reports row cache counters. Backend errors only degrade:
// the cache spills to its local map and the run keeps going.
func (h *Handlers) addCacheCheck(response *HealthResponse) {
	if h.cache == nil {
		return
	}

	stats := h.cache.Stats()
	response.Cache = &stats

	check := CheckResult{
		Status:    "pass",
		Message:   "Row cache healthy",
		Timestamp: time.Now(),
	}
	if stats.Errors > 0 {
		check.Status = "warn"
		check.Message = fmt.Sprintf("%d backend errors, %d local fallbacks", stats.Errors, stats.Fallbacks)
	}
	response.Checks["row_cache"] = check
}

// addDataRootCheck verifies the source archive root exists
func (h *Handlers) addDataRootCheck(response *HealthResponse) {
	if h.cfg.DataRoot == "" {
		return
	}

	check := CheckResult{
		Status:    "pass",
		Message:   fmt.Sprintf("Data root present: %s", h.cfg.DataRoot),
		Timestamp: time.Now(),
	}
	if info, err := os.Stat(h.cfg.DataRoot); err != nil || !info.IsDir() {
		check.Status = "warn"
		check.Message = fmt.Sprintf("Data root missing: %s", h.cfg.DataRoot)
	}
	response.Checks["data_root"] = check
}

// addSystemChecks adds system-level health checks
func (h *Handlers) addSystemChecks(response *HealthResponse) {
	memUsagePercent := float64(response.System.MemAlloc) / float64(response.System.MemSys) * 100

	if memUsagePercent > 90 {
		response.Checks["memory"] = CheckResult{
			Status:    "fail",
			Message:   fmt.Sprintf("Memory usage critical: %.1f%%", memUsagePercent),
			Timestamp: time.Now(),
		}
	} else if memUsagePercent > 75 {
		response.Checks["memory"] = CheckResult{
			Status:    "warn",
			Message:   fmt.Sprintf("Memory usage high: %.1f%%", memUsagePercent),
			Timestamp: time.Now(),
		}
	} else {
		response.Checks["memory"] = CheckResult{
			Status:    "pass",
			Message:   fmt.Sprintf("Memory usage normal: %.1f%%", memUsagePercent),
			Timestamp: time.Now(),
		}
	}

	if response.System.NumGoroutines > 1000 {
		response.Checks["goroutines"] = CheckResult{
			Status:    "warn",
			Message:   fmt.Sprintf("High goroutine count: %d", response.System.NumGoroutines),
			Timestamp: time.Now(),
		}
	} else {
		response.Checks["goroutines"] = CheckResult{
			Status:    "pass",
			Message:   fmt.Sprintf("Goroutine count normal: %d", response.System.NumGoroutines),
			Timestamp: time.Now(),
		}
	}

	uptime := time.Since(h.startTime)
	if uptime < time.Minute {
		response.Checks["uptime"] = CheckResult{
			Status:    "warn",
			Message:   "Service recently started",
			Timestamp: time.Now(),
		}
	} else {
		response.Checks["uptime"] = CheckResult{
			Status:    "pass",
			Message:   fmt.Sprintf("Service uptime: %s", uptime.String()),
			Timestamp: time.Now(),
		}
	}
}

// calculateOverallStatus determines overall service health
func (h *Handlers) calculateOverallStatus(checks map[string]CheckResult) string {
	for _, check := range checks {
		if check.Status == "fail" {
			return "unhealthy"
		}
	}
	for _, check := range checks {
		if check.Status == "warn" {
			return "degraded"
		}
	}
	return "healthy"
}
