package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cierzo-energy/margen/internal/application"
	httpmetrics "github.com/cierzo-energy/margen/internal/interfaces/http"
)

const (
	appName = "margen"
	version = "v1.4.0"
)

// buildStamp is overridden by the release build through -ldflags.
var buildStamp = "dev"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	// Initialize metrics system
	httpmetrics.InitializeMetrics()

	rootCmd := &cobra.Command{
		Use:     "margen",
		Short:   "Per-unit margin engine for the Spanish electricity markets",
		Version: version,
		Long: `margen turns collected I90, OMIE and ESIOS archives into a per-unit margin
table for the Spanish electricity markets.

A run walks a day range, normalizes every market configured in the registry,
nets bilateral trades, joins quantities with prices and writes monthly CSV or
XLSX chunks plus a coverage report. Failed work units become coverage holes,
never aborted runs.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			applyLogLevel(cmd)
		},
	}

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("config", "config/engine.yaml", "Engine config file; cache.yaml, database.yaml and monitor.yaml are read from the same directory")

	// Add run command for margin computation
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Compute margins over a day range",
		Long:  "Normalizes every configured market per day, nets bilateral trades, joins quantities with prices and writes the margin table with its coverage report",
		RunE:  runRun,
	}

	runCmd.Flags().String("from", "", "First day of the range (YYYY-MM-DD)")
	runCmd.Flags().String("to", "", "Last day of the range (YYYY-MM-DD), defaults to --from")
	runCmd.Flags().String("units", "", "Comma-separated programming unit codes (defaults to engine config)")
	runCmd.Flags().String("resolution", "", "Output resolution (native|hourly)")
	runCmd.Flags().String("out", "", "Output directory (defaults to engine config)")
	runCmd.Flags().String("format", "", "Output format (csv|xlsx)")
	runCmd.Flags().Bool("store", false, "Persist margin rows to Postgres (requires database.yaml)")
	runCmd.Flags().String("progress", "auto", "Progress output mode (auto|plain|json)")
	runCmd.Flags().Bool("dry-run", false, "List the work units the range would produce without reading any archive")

	// Add validate command for config checks
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and the market registry",
		Long:  "Loads the engine config and market registry, then builds the price window selector so overlapping windows fail here instead of mid-run",
		RunE:  runValidate,
	}

	// Add monitor command for HTTP endpoints
	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Start the read-only monitor HTTP server",
		Long:  "Serves /health, /status, /runs, /margins/{day}, /coverage and Prometheus /metrics for the margin engine",
		RunE:  runMonitor,
	}

	monitorCmd.Flags().String("addr", "", "Listen address (host:port), overrides monitor.yaml")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s (%s)\n", appName, version, buildStamp)
		},
	}

	rootCmd.AddCommand(runCmd)      // Margin runs
	rootCmd.AddCommand(validateCmd) // Config checks
	rootCmd.AddCommand(monitorCmd)  // Monitoring
	rootCmd.AddCommand(versionCmd)  // Build info

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// applyLogLevel reads the persistent flag and sets the global zerolog level.
func applyLogLevel(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("Unknown log level, staying on info")
		return
	}
	zerolog.SetGlobalLevel(parsed)
}

// Handler functions are implemented in their respective *_main.go files

// loadEngineConfig loads engine.yaml, falling back to the built-in defaults
// when no file exists so a fresh checkout runs against ./data unconfigured.
func loadEngineConfig(path string) (*application.EngineConfig, error) {
	cfg, err := application.LoadEngineConfig(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		log.Debug().Str("path", path).Msg("No engine config file, using defaults")
		return application.DefaultEngineConfig(), nil
	}
	return nil, err
}

// loadCacheConfig reads cache.yaml. An absent or unreadable file means the
// run keeps its in-process cache and skips Redis.
func loadCacheConfig(path string) *application.CacheConfig {
	cfg, err := application.LoadCacheConfig(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("Cache config unreadable, running without Redis")
		}
		return &application.CacheConfig{}
	}
	return cfg
}

// loadDatabaseConfig reads database.yaml, treating an absent file as
// persistence disabled. MARGEN_DB_DSN still applies so --store works with
// no config file at all.
func loadDatabaseConfig(path string) (*application.DatabaseConfig, error) {
	cfg, err := application.LoadDatabaseConfig(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return &application.DatabaseConfig{DSN: os.Getenv("MARGEN_DB_DSN")}, nil
	}
	return nil, err
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
