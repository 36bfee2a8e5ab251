package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/cierzo-energy/margen/internal/application"
	"github.com/cierzo-energy/margen/internal/domain/margin"
	"github.com/cierzo-energy/margen/internal/domain/market"
	"github.com/cierzo-energy/margen/internal/domain/timegrid"
	httpContracts "github.com/cierzo-energy/margen/internal/http"
	"github.com/cierzo-energy/margen/internal/infrastructure/cache"
	"github.com/cierzo-energy/margen/internal/infrastructure/db"
	"github.com/cierzo-energy/margen/internal/infrastructure/runlock"
	httpserver "github.com/cierzo-energy/margen/internal/interfaces/http"
	"github.com/cierzo-energy/margen/internal/interfaces/output"
)

// runRun executes a margin run over a day range
func runRun(cmd *cobra.Command, args []string) error {
	fromFlag, _ := cmd.Flags().GetString("from")
	toFlag, _ := cmd.Flags().GetString("to")
	unitsFlag, _ := cmd.Flags().GetString("units")
	resolution, _ := cmd.Flags().GetString("resolution")
	outDir, _ := cmd.Flags().GetString("out")
	format, _ := cmd.Flags().GetString("format")
	store, _ := cmd.Flags().GetBool("store")
	progress, _ := cmd.Flags().GetString("progress")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	cfgPath, _ := cmd.Flags().GetString("config")

	cmd.Flags().Visit(func(f *pflag.Flag) {
		log.Debug().Str("flag", f.Name).Str("value", f.Value.String()).Msg("Flag set")
	})

	// Validate progress mode
	switch progress {
	case "auto", "plain", "json":
		// valid
	default:
		return fmt.Errorf("invalid progress mode: %s (must be auto|plain|json)", progress)
	}

	if fromFlag == "" {
		return fmt.Errorf("--from is required (YYYY-MM-DD)")
	}
	from, err := timegrid.ParseDate(fromFlag)
	if err != nil {
		return fmt.Errorf("invalid --from: %w", err)
	}
	to := from
	if toFlag != "" {
		if to, err = timegrid.ParseDate(toFlag); err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
	}

	cfg, err := loadEngineConfig(cfgPath)
	if err != nil {
		return err
	}
	if outDir != "" {
		cfg.Output.Dir = outDir
	}
	if format != "" {
		cfg.Output.Format = format
	}
	if resolution != "" {
		cfg.Resolution = resolution
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	units := cfg.Units
	if unitsFlag != "" {
		units = splitList(unitsFlag)
	}

	registry, err := market.Load(cfg.RegistryPath)
	if err != nil {
		return fmt.Errorf("failed to load market registry: %w", err)
	}

	log.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Int("markets", len(registry.Markets)).
		Str("resolution", cfg.Resolution).
		Str("format", cfg.Output.Format).
		Bool("store", store).
		Msg("Starting margin run")

	if dryRun {
		eng, err := application.NewEngine(*cfg, registry, application.Deps{})
		if err != nil {
			return err
		}
		return printPlan(eng.Plan(from, to), resolveProgressMode(progress))
	}

	deps, cleanup, err := buildDeps(cfg, filepath.Dir(cfgPath), store)
	if err != nil {
		return err
	}
	defer cleanup()

	eng, err := application.NewEngine(*cfg, registry, deps)
	if err != nil {
		return err
	}

	// Ctrl-C cancels the run; partial results are discarded by the engine.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopProgress := startProgress(resolveProgressMode(progress), deps.Tracker)
	recs, rep, err := eng.Run(ctx, application.RunRequest{
		From:       from,
		To:         to,
		Units:      units,
		Resolution: cfg.Resolution,
	})
	stopProgress()
	if err != nil {
		return fmt.Errorf("margin run failed: %w", err)
	}

	paths, err := exportResults(cfg.Output.Dir, cfg.Output.Format, recs, rep)
	if err != nil {
		return err
	}

	fmt.Printf("✅ Run %s completed in %s\n", rep.RunID, rep.Duration.Round(time.Millisecond))
	fmt.Printf("Units: %d total, %d failed\n", rep.UnitsTotal, len(rep.UnitsFailed))
	fmt.Printf("Rows: %d margin rows (%d source observations dropped)\n", rep.Rows, rep.Source.Dropped())
	fmt.Printf("Match rate: %.0f%% (%d matched, %d schedule-only, %d offer-only)\n",
		rep.Match.MatchRate*100,
		len(rep.Match.Matched), len(rep.Match.ScheduleOnly), len(rep.Match.OfferOnly))
	if rep.Stored > 0 {
		fmt.Printf("Stored: %d rows in Postgres\n", rep.Stored)
	}
	for _, p := range paths {
		fmt.Printf("Wrote %s\n", p)
	}

	warnCoverage(rep)
	return nil
}

// buildDeps wires the optional run infrastructure: row cache, run lease,
// Postgres sink and the progress tracker. The returned cleanup closes
// whatever was opened.
func buildDeps(cfg *application.EngineConfig, cfgDir string, store bool) (application.Deps, func(), error) {
	deps := application.Deps{
		Tracker: httpContracts.NewStatusTracker(),
		Locker:  runlock.New(cfg.RunLock()),
	}
	cleanup := func() {}

	cacheCfg := loadCacheConfig(filepath.Join(cfgDir, "cache.yaml"))
	deps.Rows = cache.New(cacheCfg.RowCache())

	if store {
		dbCfg, err := loadDatabaseConfig(filepath.Join(cfgDir, "database.yaml"))
		if err != nil {
			return deps, cleanup, fmt.Errorf("--store needs a database config: %w", err)
		}
		conn := dbCfg.Connection()
		conn.Enabled = true
		manager, err := db.NewManager(conn)
		if err != nil {
			return deps, cleanup, fmt.Errorf("failed to open postgres: %w", err)
		}
		deps.Repo = manager.Repository()
		cleanup = func() {
			if err := manager.Close(); err != nil {
				log.Warn().Err(err).Msg("Closing postgres pool failed")
			}
		}
	}
	return deps, cleanup, nil
}

// resolveProgressMode maps auto onto plain for interactive terminals and
// json for pipes.
func resolveProgressMode(mode string) string {
	if mode != "auto" {
		return mode
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return "plain"
	}
	return "json"
}

// startProgress polls the shared tracker until stopped. Plain mode writes
// human lines to stderr, json mode one event per line to stdout.
func startProgress(mode string, tracker *httpContracts.StatusTracker) func() {
	if tracker == nil {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				snap := tracker.Snapshot()
				if snap.Current == nil {
					continue
				}
				switch mode {
				case "json":
					b, _ := json.Marshal(snap.Current)
					fmt.Println(string(b))
				default:
					fmt.Fprintf(os.Stderr, "progress: %d/%d units, %d rows, %d dropped\n",
						snap.Current.UnitsDone, snap.Current.UnitsTotal,
						snap.Current.Rows, snap.Current.Dropped)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// printPlan lists the work units a range would produce without running them.
func printPlan(infos []application.UnitInfo, mode string) error {
	if mode == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	for _, u := range infos {
		fmt.Printf("%-10s  %s\n", u.Date, u.Source)
	}
	fmt.Printf("%d work units\n", len(infos))
	return nil
}

// exportResults writes the margin table in the requested format plus the
// coverage artifact next to it.
func exportResults(dir, format string, recs []margin.Record, rep *application.RunReport) ([]string, error) {
	timer := httpserver.DefaultMetrics.StartStageTimer(httpserver.StageExport)

	emitter := output.NewEmitter()
	var paths []string
	switch format {
	case "xlsx":
		path, err := emitter.WriteXLSX(dir, recs)
		if err != nil {
			timer.Stop(httpserver.ResultError)
			return nil, fmt.Errorf("xlsx export failed: %w", err)
		}
		if path != "" {
			paths = append(paths, path)
		}
	default:
		csvPaths, err := emitter.WriteCSV(dir, recs)
		if err != nil {
			timer.Stop(httpserver.ResultError)
			return nil, fmt.Errorf("csv export failed: %w", err)
		}
		paths = csvPaths
	}

	covPath, err := emitter.WriteCoverage(dir, rep)
	if err != nil {
		timer.Stop(httpserver.ResultError)
		return nil, fmt.Errorf("coverage report failed: %w", err)
	}
	paths = append(paths, covPath)
	timer.Stop(httpserver.ResultSuccess)
	return paths, nil
}

// warnCoverage surfaces the holes a finished run left behind.
func warnCoverage(rep *application.RunReport) {
	for _, fu := range rep.UnitsFailed {
		log.Warn().
			Str("date", fu.Date).
			Str("source", fu.Source).
			Err(fu.Err).
			Msg("Work unit failed, coverage hole in the output")
	}
	if n := len(rep.MissingSources); n > 0 {
		sample := rep.MissingSources
		if len(sample) > 5 {
			sample = sample[:5]
		}
		log.Warn().
			Int("count", n).
			Strs("sample", sample).
			Msg("Source files absent")
	}
}
