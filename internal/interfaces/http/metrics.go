package http

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// MetricsRegistry holds all Prometheus metrics for the margin engine.
type MetricsRegistry struct {
	// Stage duration metrics
	StageDuration *prometheus.HistogramVec
	StagesTotal   *prometheus.CounterVec

	// Cache performance metrics
	CacheHitRatio prometheus.Gauge
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec

	// Row production metrics
	RowsEmitted *prometheus.CounterVec
	RowsDropped *prometheus.CounterVec

	// Unit failure metrics
	UnitErrors *prometheus.CounterVec

	// Run-level metrics
	ActiveUnits prometheus.Gauge
	TotalRuns   prometheus.Counter
	RunDuration *prometheus.HistogramVec
}

// NewMetricsRegistry creates a metrics registry bound to the default
// Prometheus registerer, which is what the monitor endpoint serves.
func NewMetricsRegistry() *MetricsRegistry {
	return newMetricsRegistry(prometheus.DefaultRegisterer)
}

func newMetricsRegistry(reg prometheus.Registerer) *MetricsRegistry {
	registry := &MetricsRegistry{
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "margen_stage_duration_seconds",
				Help:    "Duration of each pipeline stage in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"stage", "result"},
		),

		StagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "margen_stages_total",
				Help: "Total number of pipeline stages executed",
			},
			[]string{"stage", "result"},
		),

		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "margen_cache_hit_ratio",
				Help: "Current cache hit ratio (0.0 to 1.0)",
			},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "margen_cache_hits_total",
				Help: "Total number of cache hits by cache type",
			},
			[]string{"cache_type"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "margen_cache_misses_total",
				Help: "Total number of cache misses by cache type",
			},
			[]string{"cache_type"},
		),

		RowsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "margen_rows_emitted_total",
				Help: "Total number of margin rows produced by market and value kind",
			},
			[]string{"market", "value_kind"},
		),

		RowsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "margen_rows_dropped_total",
				Help: "Total number of source rows dropped by market and reason",
			},
			[]string{"market", "reason"},
		),

		UnitErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "margen_unit_errors_total",
				Help: "Total number of work unit errors by stage",
			},
			[]string{"stage", "error_type"},
		),

		ActiveUnits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "margen_active_units",
				Help: "Number of work units currently being processed",
			},
		),

		TotalRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "margen_runs_total",
				Help: "Total number of engine runs started",
			},
		),

		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "margen_run_duration_seconds",
				Help:    "Duration of complete engine runs in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		registry.StageDuration,
		registry.StagesTotal,
		registry.CacheHitRatio,
		registry.CacheHits,
		registry.CacheMisses,
		registry.RowsEmitted,
		registry.RowsDropped,
		registry.UnitErrors,
		registry.ActiveUnits,
		registry.TotalRuns,
		registry.RunDuration,
	)

	return registry
}

// StageTimer tracks execution time for pipeline stages
type StageTimer struct {
	metrics *MetricsRegistry
	stage   Stage
	start   time.Time
}

// StartStageTimer begins timing a pipeline stage
func (m *MetricsRegistry) StartStageTimer(stage Stage) *StageTimer {
	return &StageTimer{
		metrics: m,
		stage:   stage,
		start:   time.Now(),
	}
}

// Stop completes the stage timing and records the metric
func (st *StageTimer) Stop(result StageResult) {
	duration := time.Since(st.start)
	st.metrics.StageDuration.WithLabelValues(string(st.stage), string(result)).Observe(duration.Seconds())
	st.metrics.StagesTotal.WithLabelValues(string(st.stage), string(result)).Inc()

	log.Debug().
		Str("stage", string(st.stage)).
		Str("result", string(result)).
		Dur("duration", duration).
		Msg("Pipeline stage completed")
}

// RecordCacheHit records a cache hit for the specified cache type
func (m *MetricsRegistry) RecordCacheHit(cacheType string) {
	m.CacheHits.WithLabelValues(cacheType).Inc()
	m.updateCacheHitRatio()
}

// RecordCacheMiss records a cache miss for the specified cache type
func (m *MetricsRegistry) RecordCacheMiss(cacheType string) {
	m.CacheMisses.WithLabelValues(cacheType).Inc()
	m.updateCacheHitRatio()
}

// RecordRows records margin rows emitted for a market
func (m *MetricsRegistry) RecordRows(market, valueKind string, count int) {
	if count <= 0 {
		return
	}
	m.RowsEmitted.WithLabelValues(market, valueKind).Add(float64(count))
}

// RecordDrops records source rows discarded for a market
func (m *MetricsRegistry) RecordDrops(market, reason string, count int) {
	if count <= 0 {
		return
	}
	m.RowsDropped.WithLabelValues(market, reason).Add(float64(count))
}

// RecordUnitError records a work unit failure
func (m *MetricsRegistry) RecordUnitError(stage Stage, errorType string) {
	m.UnitErrors.WithLabelValues(string(stage), errorType).Inc()
	log.Warn().
		Str("stage", string(stage)).
		Str("error_type", errorType).
		Msg("Unit error recorded")
}

// UnitStarted increments the active unit gauge
func (m *MetricsRegistry) UnitStarted() {
	m.ActiveUnits.Inc()
}

// UnitFinished decrements the active unit gauge
func (m *MetricsRegistry) UnitFinished() {
	m.ActiveUnits.Dec()
}

// RunStarted counts a new engine run
func (m *MetricsRegistry) RunStarted() {
	m.TotalRuns.Inc()
}

// ObserveRun records the duration of a finished engine run
func (m *MetricsRegistry) ObserveRun(result StageResult, duration time.Duration) {
	m.RunDuration.WithLabelValues(string(result)).Observe(duration.Seconds())
}

// updateCacheHitRatio calculates and updates the cache hit ratio
func (m *MetricsRegistry) updateCacheHitRatio() {
	hitMetrics := &io_prometheus_client.Metric{}
	missMetrics := &io_prometheus_client.Metric{}

	totalHits := 0.0
	totalMisses := 0.0

	for _, cacheType := range []string{CacheRows, CacheTables} {
		if hitCounter, err := m.CacheHits.GetMetricWithLabelValues(cacheType); err == nil {
			if err := hitCounter.Write(hitMetrics); err == nil {
				totalHits += hitMetrics.GetCounter().GetValue()
			}
		}

		if missCounter, err := m.CacheMisses.GetMetricWithLabelValues(cacheType); err == nil {
			if err := missCounter.Write(missMetrics); err == nil {
				totalMisses += missMetrics.GetCounter().GetValue()
			}
		}
	}

	total := totalHits + totalMisses
	if total > 0 {
		m.CacheHitRatio.Set(totalHits / total)
	}
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func (m *MetricsRegistry) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Cache types tracked by the hit ratio gauge.
const (
	CacheRows   = "rows"   // Redis-backed margin row cache
	CacheTables = "tables" // per-run source table memo
)

// Stage identifies a phase of the margin pipeline.
type Stage string

const (
	StageFetch    Stage = "fetch"
	StageAssemble Stage = "assemble"
	StageNet      Stage = "net"
	StagePrice    Stage = "price"
	StageMerge    Stage = "merge"
	StagePersist  Stage = "persist"
	StageExport   Stage = "export"
)

// StageResult represents the result of a pipeline stage
type StageResult string

const (
	ResultSuccess StageResult = "success"
	ResultError   StageResult = "error"
	ResultSkipped StageResult = "skipped"
)

// Global metrics registry instance
var DefaultMetrics *MetricsRegistry

// InitializeMetrics initializes the global metrics registry. Calling it
// again is a no-op: the collectors are already registered.
func InitializeMetrics() {
	if DefaultMetrics != nil {
		return
	}
	DefaultMetrics = NewMetricsRegistry()
	log.Info().Msg("Prometheus metrics registry initialized")
}
