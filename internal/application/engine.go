// Package application orchestrates margin runs: it plans (date, source)
// work units over a day range, fans them across a worker pool, and folds
// the surviving batches through netting, matching and assembly into the
// final margin table.
package application

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cierzo-energy/margen/internal/domain/margin"
	"github.com/cierzo-energy/margen/internal/domain/market"
	"github.com/cierzo-energy/margen/internal/domain/match"
	"github.com/cierzo-energy/margen/internal/domain/netting"
	"github.com/cierzo-energy/margen/internal/domain/normalize"
	"github.com/cierzo-energy/margen/internal/domain/pricing"
	"github.com/cierzo-energy/margen/internal/domain/records"
	"github.com/cierzo-energy/margen/internal/domain/timegrid"
	httpContracts "github.com/cierzo-energy/margen/internal/http"
	"github.com/cierzo-energy/margen/internal/infrastructure/async"
	"github.com/cierzo-energy/margen/internal/infrastructure/cache"
	"github.com/cierzo-energy/margen/internal/infrastructure/filecache"
	"github.com/cierzo-energy/margen/internal/infrastructure/runlock"
	"github.com/cierzo-energy/margen/internal/infrastructure/sources"
	httpserver "github.com/cierzo-energy/margen/internal/interfaces/http"
	"github.com/cierzo-energy/margen/internal/persistence"
)

// DefaultUnits is the production entity allow-list, applied when neither
// the request nor the configuration names units.
var DefaultUnits = []string{"GUIG", "GUIB", "MLTG", "MLTB", "SLTG", "SLTB", "TJEG", "TJEB"}

// RunRequest scopes one engine invocation to an inclusive local day range.
type RunRequest struct {
	From, To   timegrid.Date
	Units      []string // entity allow-list; empty falls back to config, then DefaultUnits
	Resolution string   // "native" or "hourly"; empty falls back to config
}

// UnitError is one work unit that exhausted its retries. The run continues
// without its batch; the report carries the hole.
type UnitError struct {
	Date   string // local day, or YYYYMM for monthly units
	Source string
	Err    error
}

func (e UnitError) Error() string {
	return fmt.Sprintf("unit %s %s: %v", e.Source, e.Date, e.Err)
}

func (e UnitError) Unwrap() error { return e.Err }

// RunReport is the accounting of one finished run: what was produced, what
// was dropped and which expected sources never arrived.
type RunReport struct {
	RunID          string
	From, To       timegrid.Date
	Resolution     string
	UnitsTotal     int
	UnitsFailed    []UnitError
	MissingSources []string
	Rows           int
	Stored         int
	Source         normalize.Stats
	Assembly       margin.Stats
	Match          match.Report
	Pool           async.Metrics
	Cache          cache.Stats
	Duration       time.Duration
}

// Deps are the optional infrastructure collaborators. Every field may be
// nil: the engine then runs without cross-run caching, leasing, storage or
// a progress board.
type Deps struct {
	Rows    *cache.RowCache
	Locker  *runlock.Locker
	Repo    *persistence.Repository
	Tracker *httpContracts.StatusTracker
}

// Engine executes margin runs against a loaded market registry.
type Engine struct {
	cfg      EngineConfig
	registry *market.Registry
	selector *pricing.Selector
	grids    *timegrid.GridSet
	norm     *normalize.Normalizer
	paths    sources.Paths
	deps     Deps
}

// NewEngine builds the price selector from the registry's window tables and
// wires the pipeline. Overlapping price windows fail construction, before
// any unit can run on an ambiguous configuration.
func NewEngine(cfg EngineConfig, registry *market.Registry, deps Deps) (*Engine, error) {
	selector, err := pricing.NewSelector(registry.PriceSeries())
	if err != nil {
		return nil, err
	}
	grids := timegrid.NewGridSet()
	return &Engine{
		cfg:      cfg,
		registry: registry,
		selector: selector,
		grids:    grids,
		norm:     normalize.New(registry, grids),
		paths:    cfg.SourcePaths(),
		deps:     deps,
	}, nil
}

type unitKind int

const (
	unitI90 unitKind = iota
	unitOMIE
	unitIndicator
)

// workUnit is one (date, source) slice of the run: a day's I90 archive, a
// day's members of one OMIE file, or a month of one indicator export.
type workUnit struct {
	kind      unitKind
	date      timegrid.Date   // the day; for monthly units the first in-range day
	days      []timegrid.Date // monthly units: every in-range day of the month
	source    string          // "i90", an OMIE file prefix, or "indicator/<id>"
	indicator int
}

func (u workUnit) label() string {
	if u.kind == unitIndicator {
		return u.date.MonthKey()
	}
	return u.date.String()
}

// cacheKey identifies the unit's normalized batch. The registry fingerprint
// is part of the key, so editing markets.yaml invalidates cached batches.
func (u workUnit) cacheKey(fingerprint string) string {
	span := u.date.Compact()
	if n := len(u.days); n > 0 {
		span = u.days[0].Compact() + "_" + u.days[n-1].Compact()
	}
	return "batch|" + fingerprint + "|" + u.source + "|" + span
}

// planUnits enumerates the run's work units in a fixed order: per day the
// I90 archive then each OMIE file, then per month each indicator export.
// Merging in this order keeps reruns byte-identical.
func (e *Engine) planUnits(from, to timegrid.Date) []workUnit {
	days := timegrid.DatesBetween(from, to)
	needI90 := len(e.registry.I90Sheets()) > 0
	files := e.registry.OMIEFiles()

	var units []workUnit
	for _, d := range days {
		if needI90 {
			units = append(units, workUnit{kind: unitI90, date: d, source: "i90"})
		}
		for _, f := range files {
			units = append(units, workUnit{kind: unitOMIE, date: d, source: f})
		}
	}

	indicators := e.selector.Indicators()
	for _, span := range monthSpans(days) {
		for _, ind := range indicators {
			units = append(units, workUnit{
				kind:      unitIndicator,
				date:      span[0],
				days:      span,
				source:    "indicator/" + strconv.Itoa(ind),
				indicator: ind,
			})
		}
	}
	return units
}

// monthSpans splits an ordered day range into per-month runs of days.
func monthSpans(days []timegrid.Date) [][]timegrid.Date {
	var spans [][]timegrid.Date
	for _, d := range days {
		if n := len(spans); n > 0 && spans[n-1][0].MonthKey() == d.MonthKey() {
			spans[n-1] = append(spans[n-1], d)
			continue
		}
		spans = append(spans, []timegrid.Date{d})
	}
	return spans
}

// UnitInfo describes one planned work unit.
type UnitInfo struct {
	Date   string `json:"date"`
	Source string `json:"source"`
}

// Plan lists the units a run over the range would dispatch, without touching
// any archive. It backs the dry-run mode.
func (e *Engine) Plan(from, to timegrid.Date) []UnitInfo {
	units := e.planUnits(from, to)
	infos := make([]UnitInfo, len(units))
	for i, u := range units {
		infos[i] = UnitInfo{Date: u.label(), Source: u.source}
	}
	return infos
}

// Run processes the requested day range and returns the assembled margin
// records in output order. On cancellation or a fatal stage error nothing
// is returned: partial aggregation state is discarded, never emitted.
func (e *Engine) Run(ctx context.Context, req RunRequest) ([]margin.Record, *RunReport, error) {
	if req.From.IsZero() || req.To.IsZero() || req.To.Before(req.From) {
		return nil, nil, fmt.Errorf("invalid day range %s..%s", req.From, req.To)
	}
	resolution := req.Resolution
	if resolution == "" {
		resolution = e.cfg.Resolution
	}
	if resolution != "native" && resolution != "hourly" {
		return nil, nil, fmt.Errorf("resolution must be native or hourly, got %q", resolution)
	}
	allow := req.Units
	if len(allow) == 0 {
		allow = e.cfg.Units
	}
	if len(allow) == 0 {
		allow = DefaultUnits
	}
	keep := allowFunc(allow)

	runID := uuid.NewString()[:8]
	logger := log.With().Str("run_id", runID).Logger()
	started := time.Now()

	if e.deps.Locker != nil {
		scope := req.From.Compact() + "_" + req.To.Compact()
		lease, err := e.deps.Locker.Acquire(ctx, scope)
		if err != nil {
			return nil, nil, err
		}
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				logger.Warn().Err(err).Msg("run lease release failed")
			}
		}()
		stop := e.refreshLease(ctx, lease, logger)
		defer stop()
	}

	work := e.planUnits(req.From, req.To)
	logger.Info().
		Str("from", req.From.String()).
		Str("to", req.To.String()).
		Int("units", len(work)).
		Int("entities", len(allow)).
		Str("resolution", resolution).
		Msg("run started")

	if met := httpserver.DefaultMetrics; met != nil {
		met.RunStarted()
	}
	if e.deps.Tracker != nil {
		e.deps.Tracker.BeginRun(runID, req.From.String(), req.To.String(), len(work))
	}
	if e.deps.Repo != nil && e.deps.Repo.Runs != nil {
		run := persistence.Run{
			ID:        runID,
			FromDay:   req.From.String(),
			ToDay:     req.To.String(),
			Status:    persistence.RunRunning,
			StartedAt: time.Now().UTC(),
		}
		if err := e.deps.Repo.Runs.Start(ctx, run); err != nil {
			logger.Warn().Err(err).Msg("run bookkeeping unavailable")
		}
	}

	recs, report, runErr := e.execute(ctx, runID, req, work, keep, resolution, logger)

	duration := time.Since(started)
	status := persistence.RunCompleted
	result := httpserver.ResultSuccess
	if runErr != nil {
		status = persistence.RunFailed
		result = httpserver.ResultError
	}
	var rows, dropped int64
	if report != nil {
		report.Duration = duration
		rows = int64(report.Rows)
		dropped = int64(report.Source.Dropped())
	}
	if e.deps.Repo != nil && e.deps.Repo.Runs != nil {
		// Bookkeeping survives cancellation: the close-out uses its own context.
		if err := e.deps.Repo.Runs.Finish(context.Background(), runID, status, rows, dropped, runErr); err != nil {
			logger.Warn().Err(err).Msg("run bookkeeping unavailable")
		}
	}
	if e.deps.Tracker != nil {
		e.deps.Tracker.EndRun(status, runErr)
	}
	if met := httpserver.DefaultMetrics; met != nil {
		met.ObserveRun(result, duration)
	}

	if runErr != nil {
		logger.Error().Err(runErr).Dur("duration", duration).Msg("run failed")
		return nil, nil, runErr
	}
	logger.Info().
		Int("rows", report.Rows).
		Int("dropped", report.Source.Dropped()).
		Int("failed_units", len(report.UnitsFailed)).
		Int("missing_sources", len(report.MissingSources)).
		Float64("match_rate", report.Match.MatchRate).
		Dur("duration", duration).
		Msg("run finished")
	return recs, report, nil
}

// execute runs dispatch and the single-threaded aggregation tail.
func (e *Engine) execute(ctx context.Context, runID string, req RunRequest, work []workUnit, keep func(string) bool, resolution string, logger zerolog.Logger) ([]margin.Record, *RunReport, error) {
	pool := async.NewPool[unitBatch](e.cfg.PoolConfig())
	tasks := make([]async.Task[unitBatch], len(work))
	for i, u := range work {
		tasks[i] = e.unitTask(u, keep)
	}
	results, err := pool.Run(ctx, tasks)
	if err != nil {
		return nil, nil, err
	}

	report := &RunReport{
		RunID:      runID,
		From:       req.From,
		To:         req.To,
		Resolution: resolution,
		UnitsTotal: len(work),
	}

	// Merge by concatenation in unit order. Failed slots become coverage
	// holes, not run killers.
	mergeTimer := startStage(httpserver.StageMerge)
	var (
		quantities []records.Quantity
		prices     []records.Price
		legs       = make(map[string][]netting.Leg)
	)
	schedIDs := newIDSet()
	offerIDs := newIDSet()
	for i, res := range results {
		u := work[i]
		if res.Err != nil {
			report.UnitsFailed = append(report.UnitsFailed, UnitError{Date: u.label(), Source: u.source, Err: res.Err})
			logger.Warn().Str("source", u.source).Str("date", u.label()).Err(res.Err).Msg("unit failed")
			if met := httpserver.DefaultMetrics; met != nil {
				met.RecordUnitError(httpserver.StageFetch, errClass(res.Err))
			}
			if e.deps.Tracker != nil {
				e.deps.Tracker.UnitDone(0, 0)
			}
			continue
		}
		b := res.Value
		quantities = append(quantities, b.Quantities...)
		prices = append(prices, b.Prices...)
		for name, ls := range b.Legs {
			legs[name] = append(legs[name], ls...)
		}
		report.Source = addStats(report.Source, b.Stats)
		report.MissingSources = append(report.MissingSources, b.Missing...)
		for _, q := range b.Quantities {
			if q.Namespace == records.NamespaceSchedule {
				schedIDs.add(q.EntityID)
			} else {
				offerIDs.add(q.EntityID)
			}
		}
	}
	stopStage(mergeTimer, httpserver.ResultSuccess)

	netTimer := startStage(httpserver.StageNet)
	tradeMarkets := make([]string, 0, len(legs))
	for name := range legs {
		tradeMarkets = append(tradeMarkets, name)
	}
	sort.Strings(tradeMarkets)
	type nettedMarket struct {
		market    market.Market
		positions []netting.Position
	}
	netted := make([]nettedMarket, 0, len(tradeMarkets))
	for _, name := range tradeMarkets {
		m, _ := e.registry.ByName(name)
		positions := netting.Net(legs[name], keep)
		for _, p := range positions {
			offerIDs.add(p.EntityID)
		}
		netted = append(netted, nettedMarket{market: m, positions: positions})
	}
	stopStage(netTimer, httpserver.ResultSuccess)

	report.Match = match.Compute(schedIDs.ids, offerIDs.ids).Report()

	// Netted positions carry their own revenue, so they enter assembly
	// prejoined: quantity, implied price and margin in one row.
	priceTimer := startStage(httpserver.StagePrice)
	var prejoined []margin.Record
	for _, nm := range netted {
		for _, p := range nm.positions {
			rec := margin.Record{
				EntityID:  p.EntityID,
				Market:    nm.market.Name,
				Direction: nm.market.Quantity.Direction,
				ValueKind: nm.market.Quantity.ValueKind,
				Slot:      p.Slot,
				Quantity:  p.Volume,
			}
			revenue := p.Revenue
			rec.Margin = &revenue
			if implied, ok := p.ImpliedPrice(); ok {
				price := implied
				rec.Price = &price
			}
			prejoined = append(prejoined, rec)
		}
	}
	stopStage(priceTimer, httpserver.ResultSuccess)

	assembleTimer := startStage(httpserver.StageAssemble)
	assembler := margin.NewAssembler(e.grids)
	recs, astats, err := assembler.Assemble(quantities, prices, prejoined, keep, margin.Options{TargetHourly: resolution == "hourly"})
	if err != nil {
		stopStage(assembleTimer, httpserver.ResultError)
		return nil, nil, fmt.Errorf("assembly failed: %w", err)
	}
	stopStage(assembleTimer, httpserver.ResultSuccess)

	report.Assembly = astats
	report.Rows = len(recs)
	report.Pool = pool.Metrics()
	if e.deps.Rows != nil {
		report.Cache = e.deps.Rows.Stats()
	}
	if met := httpserver.DefaultMetrics; met != nil {
		counts := make(map[[2]string]int)
		for _, r := range recs {
			counts[[2]string{r.Market, string(r.ValueKind)}]++
		}
		for key, n := range counts {
			met.RecordRows(key[0], key[1], n)
		}
	}

	if e.deps.Repo != nil && e.deps.Repo.Margins != nil && len(recs) > 0 {
		persistTimer := startStage(httpserver.StagePersist)
		rows := marginRows(runID, recs)
		if err := e.deps.Repo.Margins.UpsertBatch(ctx, rows); err != nil {
			stopStage(persistTimer, httpserver.ResultError)
			return nil, nil, fmt.Errorf("failed to store margin rows: %w", err)
		}
		stopStage(persistTimer, httpserver.ResultSuccess)
		report.Stored = len(rows)
	}

	return recs, report, nil
}

// unitBatch is the immutable product of one work unit. It is what the row
// cache stores, so every field marshals.
type unitBatch struct {
	Quantities []records.Quantity       `json:"quantities,omitempty"`
	Prices     []records.Price          `json:"prices,omitempty"`
	Legs       map[string][]netting.Leg `json:"legs,omitempty"` // trade legs per market
	Stats      normalize.Stats          `json:"stats"`
	Missing    []string                 `json:"missing,omitempty"`
}

// unitTask wraps one work unit for the pool: probe the row cache, otherwise
// read and normalize with a unit-private file cache, then publish the batch.
func (e *Engine) unitTask(u workUnit, keep func(string) bool) async.Task[unitBatch] {
	return func(ctx context.Context) (unitBatch, error) {
		met := httpserver.DefaultMetrics
		if met != nil {
			met.UnitStarted()
			defer met.UnitFinished()
		}
		timer := startStage(httpserver.StageFetch)

		if b, ok := e.cachedBatch(ctx, u); ok {
			stopStage(timer, httpserver.ResultSuccess)
			e.countUnit(b)
			return b, nil
		}

		fc := filecache.New()
		defer fc.Close()

		b, err := e.buildUnit(fc, u, keep)
		if err != nil {
			stopStage(timer, httpserver.ResultError)
			return unitBatch{}, err
		}
		e.storeBatch(ctx, u, b)
		stopStage(timer, httpserver.ResultSuccess)
		e.countUnit(b)
		return b, nil
	}
}

func (e *Engine) countUnit(b unitBatch) {
	if e.deps.Tracker != nil {
		e.deps.Tracker.UnitDone(int64(b.Stats.Records), int64(b.Stats.Dropped()))
	}
}

// cachedBatch replays a prior run's batch for this unit. A stale or
// truncated entry reads as a miss and is rebuilt.
func (e *Engine) cachedBatch(ctx context.Context, u workUnit) (unitBatch, bool) {
	if e.deps.Rows == nil {
		return unitBatch{}, false
	}
	met := httpserver.DefaultMetrics
	raw, ok := e.deps.Rows.Get(ctx, u.cacheKey(e.registry.Fingerprint))
	if ok {
		var b unitBatch
		if err := json.Unmarshal(raw, &b); err == nil {
			if met != nil {
				met.RecordCacheHit(httpserver.CacheRows)
			}
			return b, true
		}
	}
	if met != nil {
		met.RecordCacheMiss(httpserver.CacheRows)
	}
	return unitBatch{}, false
}

func (e *Engine) storeBatch(ctx context.Context, u workUnit, b unitBatch) {
	if e.deps.Rows == nil {
		return
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return
	}
	e.deps.Rows.Set(ctx, u.cacheKey(e.registry.Fingerprint), raw)
}

func (e *Engine) buildUnit(fc *filecache.Manager, u workUnit, keep func(string) bool) (unitBatch, error) {
	switch u.kind {
	case unitOMIE:
		return e.buildOMIEDay(fc, u.source, u.date, keep)
	case unitIndicator:
		return e.buildIndicatorMonth(fc, u.indicator, u.days)
	default:
		return e.buildI90Day(fc, u.date, keep)
	}
}

// buildI90Day normalizes every I90-backed market of one day. Sibling sheets
// share the archive through the file cache, so the workbook parses once.
func (e *Engine) buildI90Day(fc *filecache.Manager, date timegrid.Date, keep func(string) bool) (unitBatch, error) {
	var b unitBatch
	zipPath := e.paths.I90Zip(date)
	if _, err := os.Stat(zipPath); os.IsNotExist(err) {
		b.Missing = append(b.Missing, fmt.Sprintf("i90 %s: day archive absent", date))
		return b, nil
	}
	for _, m := range e.registry.Markets {
		if m.Quantity.Source == market.SourceI90 {
			t, found, err := fc.I90Sheet(zipPath, m.Quantity.Sheet)
			if err != nil {
				return unitBatch{}, err
			}
			if !found {
				b.Missing = append(b.Missing, fmt.Sprintf("%s %s: i90 sheet %s absent", m.Name, date, m.Quantity.Sheet))
			} else {
				qs, st, err := e.norm.ScheduleQuantities(t, m, date, keep)
				if err != nil {
					return unitBatch{}, async.Permanent(fmt.Errorf("%s: %w", m.Name, err))
				}
				b.Quantities = append(b.Quantities, qs...)
				b.Stats = addStats(b.Stats, st)
				recordDrops(m.Name, st)
			}
		}
		if m.Price.Kind == market.PriceSheet {
			t, found, err := fc.I90Sheet(zipPath, m.Price.Sheet)
			if err != nil {
				return unitBatch{}, err
			}
			if !found {
				b.Missing = append(b.Missing, fmt.Sprintf("%s %s: i90 price sheet %s absent", m.Name, date, m.Price.Sheet))
			} else {
				ps, st, err := e.norm.SheetPrices(t, m, date)
				if err != nil {
					return unitBatch{}, async.Permanent(fmt.Errorf("%s: %w", m.Name, err))
				}
				b.Prices = append(b.Prices, ps...)
				b.Stats = addStats(b.Stats, st)
				recordDrops(m.Name, st)
			}
		}
	}
	return b, nil
}

// buildOMIEDay normalizes every market fed by one OMIE file prefix on one
// day: program quantities, marginal prices or trade legs.
func (e *Engine) buildOMIEDay(fc *filecache.Manager, file string, date timegrid.Date, keep func(string) bool) (unitBatch, error) {
	var b unitBatch
	zipPath := e.paths.OMIEZip(file, date)
	stamp := date.Compact()
	for _, m := range e.registry.Markets {
		if m.Quantity.Source == market.SourceOMIE && m.Quantity.File == file {
			t, found, err := fc.OMIEDay(zipPath, file, stamp)
			if err != nil {
				return unitBatch{}, err
			}
			switch {
			case !found:
				b.Missing = append(b.Missing, fmt.Sprintf("%s %s: omie %s absent", m.Name, date, file))
			case m.Trades():
				ls, st, err := e.norm.TradeLegs(t, date)
				if err != nil {
					return unitBatch{}, async.Permanent(fmt.Errorf("%s: %w", m.Name, err))
				}
				if len(ls) > 0 {
					if b.Legs == nil {
						b.Legs = make(map[string][]netting.Leg)
					}
					b.Legs[m.Name] = append(b.Legs[m.Name], ls...)
				}
				b.Stats = addStats(b.Stats, st)
				recordDrops(m.Name, st)
			default:
				qs, st, err := e.norm.OMIEQuantities(t, m, date, keep)
				if err != nil {
					return unitBatch{}, async.Permanent(fmt.Errorf("%s: %w", m.Name, err))
				}
				b.Quantities = append(b.Quantities, qs...)
				b.Stats = addStats(b.Stats, st)
				recordDrops(m.Name, st)
			}
		}
		if m.Price.Kind == market.PriceOMIEFile && m.Price.File == file {
			t, found, err := fc.OMIEDay(zipPath, file, stamp)
			if err != nil {
				return unitBatch{}, err
			}
			if !found {
				b.Missing = append(b.Missing, fmt.Sprintf("%s %s: omie %s absent", m.Name, date, file))
			} else {
				ps, st, err := e.norm.OMIEPrices(t, m, date)
				if err != nil {
					return unitBatch{}, async.Permanent(fmt.Errorf("%s: %w", m.Name, err))
				}
				b.Prices = append(b.Prices, ps...)
				b.Stats = addStats(b.Stats, st)
				recordDrops(m.Name, st)
			}
		}
	}
	return b, nil
}

// buildIndicatorMonth reads one indicator's monthly export and prices every
// windowed market whose selector resolves to this indicator, day by day. A
// day the export does not carry leaves prices undefined, which is not a gap.
func (e *Engine) buildIndicatorMonth(fc *filecache.Manager, indicator int, days []timegrid.Date) (unitBatch, error) {
	var b unitBatch
	if len(days) == 0 {
		return b, nil
	}
	path := e.paths.IndicatorCSV(indicator, days[0])
	t, found, err := fc.Indicator(path)
	if err != nil {
		return unitBatch{}, err
	}
	if !found {
		b.Missing = append(b.Missing, fmt.Sprintf("indicator %d %s: export absent", indicator, days[0].MonthKey()))
		return b, nil
	}
	for _, day := range days {
		for _, m := range e.registry.Markets {
			if m.Price.Kind != market.PriceIndicator {
				continue
			}
			id, ok := e.selector.Indicator(m.Name, m.Quantity.Direction, day)
			if !ok || id != indicator {
				continue
			}
			ps, st, err := e.norm.IndicatorPrices(t, m, indicator, day)
			if err != nil {
				return unitBatch{}, async.Permanent(fmt.Errorf("%s: %w", m.Name, err))
			}
			b.Prices = append(b.Prices, ps...)
			b.Stats = addStats(b.Stats, st)
			recordDrops(m.Name, st)
		}
	}
	return b, nil
}

// refreshLease extends the run lease in the background so long runs outlive
// the TTL. The returned stop function ends the refresher.
func (e *Engine) refreshLease(ctx context.Context, lease *runlock.Lease, logger zerolog.Logger) func() {
	interval := time.Duration(e.cfg.Lock.TTLMinutes) * time.Minute / 3
	if interval < time.Minute {
		interval = time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Extend(ctx); err != nil {
					logger.Warn().Err(err).Msg("run lease extension failed")
				}
			}
		}
	}()
	return func() { close(done) }
}

// marginRows flattens assembled records for storage.
func marginRows(runID string, recs []margin.Record) []persistence.MarginRow {
	now := time.Now().UTC()
	rows := make([]persistence.MarginRow, len(recs))
	for i, r := range recs {
		rows[i] = persistence.MarginRow{
			RunID:      runID,
			Day:        r.Slot.LocalDate.String(),
			EntityID:   r.EntityID,
			Market:     r.Market,
			Direction:  string(r.Direction),
			ValueKind:  string(r.ValueKind),
			MadridTS:   r.Slot.Madrid,
			UTC1TS:     r.Slot.UTC1,
			Resolution: string(r.Slot.Resolution),
			Quantity:   r.Quantity,
			Price:      r.Price,
			Margin:     r.Margin,
			CreatedAt:  now,
		}
	}
	return rows
}

// allowFunc builds the entity allow-list predicate under canonical id
// comparison.
func allowFunc(units []string) func(string) bool {
	set := make(map[string]bool, len(units))
	for _, u := range units {
		set[records.NormalizeEntityID(u)] = true
	}
	return func(id string) bool {
		return set[records.NormalizeEntityID(id)]
	}
}

// addStats folds normalization counters.
func addStats(a, b normalize.Stats) normalize.Stats {
	a.Rows += b.Rows
	a.Records += b.Records
	a.FilteredOut += b.FilteredOut
	a.UnknownUnit += b.UnknownUnit
	a.BadLabel += b.BadLabel
	a.BadNumber += b.BadNumber
	a.ZeroDropped += b.ZeroDropped
	return a
}

// recordDrops exports one normalization pass's discard counters.
func recordDrops(marketName string, st normalize.Stats) {
	met := httpserver.DefaultMetrics
	if met == nil {
		return
	}
	met.RecordDrops(marketName, "filtered", st.FilteredOut)
	met.RecordDrops(marketName, "unknown_unit", st.UnknownUnit)
	met.RecordDrops(marketName, "bad_label", st.BadLabel)
	met.RecordDrops(marketName, "bad_number", st.BadNumber)
	met.RecordDrops(marketName, "zero", st.ZeroDropped)
}

func startStage(stage httpserver.Stage) *httpserver.StageTimer {
	if httpserver.DefaultMetrics == nil {
		return nil
	}
	return httpserver.DefaultMetrics.StartStageTimer(stage)
}

func stopStage(t *httpserver.StageTimer, result httpserver.StageResult) {
	if t != nil {
		t.Stop(result)
	}
}

// errClass labels a unit failure for metrics.
func errClass(err error) string {
	if async.IsPermanent(err) {
		return "permanent"
	}
	return "transient"
}

// idSet accumulates distinct entity ids under canonical comparison, keeping
// the first spelling seen and the insertion order.
type idSet struct {
	seen map[string]bool
	ids  []string
}

func newIDSet() *idSet {
	return &idSet{seen: make(map[string]bool)}
}

func (s *idSet) add(id string) {
	norm := records.NormalizeEntityID(id)
	if s.seen[norm] {
		return
	}
	s.seen[norm] = true
	s.ids = append(s.ids, id)
}
