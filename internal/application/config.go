package application

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cierzo-energy/margen/internal/infrastructure/async"
	"github.com/cierzo-energy/margen/internal/infrastructure/cache"
	"github.com/cierzo-energy/margen/internal/infrastructure/db"
	"github.com/cierzo-energy/margen/internal/infrastructure/runlock"
	"github.com/cierzo-energy/margen/internal/infrastructure/sources"
	httpserver "github.com/cierzo-energy/margen/internal/interfaces/http"
)

// EngineConfig drives a margin run: where the collected source archives
// live, how wide the worker pool is, and where results go.
type EngineConfig struct {
	DataRoot     string `yaml:"data_root"`
	RegistryPath string `yaml:"registry_path"`
	Paths        struct {
		I90   string `yaml:"i90"`
		OMIE  string `yaml:"omie"`
		ESIOS string `yaml:"esios"`
	} `yaml:"paths"`
	Workers           int      `yaml:"workers"`
	MaxRetries        int      `yaml:"max_retries"`
	RetryBackoffMS    int      `yaml:"retry_backoff_ms"`
	SourceReadsPerSec float64  `yaml:"source_reads_per_sec"`
	Resolution        string   `yaml:"resolution"`
	Units             []string `yaml:"units"`
	Output            struct {
		Dir    string `yaml:"dir"`
		Format string `yaml:"format"`
	} `yaml:"output"`
	Lock struct {
		Enabled    bool   `yaml:"enabled"`
		Addr       string `yaml:"addr"`
		Password   string `yaml:"password"`
		DB         int    `yaml:"db"`
		TTLMinutes int    `yaml:"ttl_minutes"`
	} `yaml:"lock"`
}

// LoadEngineConfig loads and validates the engine configuration.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine config: %w", err)
	}

	var config EngineConfig
	if err := yaml.Unmarshal(b, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal engine config: %w", err)
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("engine config validation failed: %w", err)
	}
	return &config, nil
}

// DefaultEngineConfig returns the configuration used when no engine.yaml
// is present.
func DefaultEngineConfig() *EngineConfig {
	var config EngineConfig
	config.applyDefaults()
	return &config
}

func (c *EngineConfig) applyDefaults() {
	if c.DataRoot == "" {
		c.DataRoot = "data"
	}
	if c.RegistryPath == "" {
		c.RegistryPath = "config/markets.yaml"
	}
	if c.Resolution == "" {
		c.Resolution = "native"
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "out"
	}
	if c.Output.Format == "" {
		c.Output.Format = "csv"
	}
	if c.Lock.TTLMinutes <= 0 {
		c.Lock.TTLMinutes = 30
	}
}

// Validate checks enumerated fields and counter ranges.
func (c *EngineConfig) Validate() error {
	if c.Resolution != "native" && c.Resolution != "hourly" {
		return fmt.Errorf("resolution must be native or hourly, got %q", c.Resolution)
	}
	if c.Output.Format != "csv" && c.Output.Format != "xlsx" {
		return fmt.Errorf("output format must be csv or xlsx, got %q", c.Output.Format)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}

func (c *EngineConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

// SourcePaths returns the source path templates, with the collector layout
// defaults filled in for any template left empty.
func (c *EngineConfig) SourcePaths() sources.Paths {
	p := sources.DefaultPaths(c.DataRoot)
	if c.Paths.I90 != "" {
		p.I90 = c.Paths.I90
	}
	if c.Paths.OMIE != "" {
		p.OMIE = c.Paths.OMIE
	}
	if c.Paths.ESIOS != "" {
		p.ESIOS = c.Paths.ESIOS
	}
	return p
}

// PoolConfig maps the engine settings onto the worker pool.
func (c *EngineConfig) PoolConfig() async.PoolConfig {
	pc := async.DefaultPoolConfig()
	if c.Workers > 0 {
		pc.Workers = c.Workers
	}
	if c.MaxRetries > 0 {
		pc.MaxRetries = c.MaxRetries
	}
	if c.RetryBackoffMS > 0 {
		pc.RetryBackoff = c.RetryBackoff()
	}
	pc.RatePerSec = c.SourceReadsPerSec
	return pc
}

// RunLock maps the lock section onto the Redis lease config.
func (c *EngineConfig) RunLock() runlock.Config {
	return runlock.Config{
		Enabled:  c.Lock.Enabled,
		Addr:     c.Lock.Addr,
		Password: c.Lock.Password,
		DB:       c.Lock.DB,
		TTL:      time.Duration(c.Lock.TTLMinutes) * time.Minute,
	}
}

// CacheConfig controls the Redis row cache shared between runs.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	Redis   struct {
		Addr       string `yaml:"addr"`
		Password   string `yaml:"password"`
		DB         int    `yaml:"db"`
		TTLSeconds int    `yaml:"ttl_seconds"`
		KeyPrefix  string `yaml:"key_prefix"`
	} `yaml:"redis"`
}

func LoadCacheConfig(path string) (*CacheConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c CacheConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.Redis.TTLSeconds) * time.Second
}

// RowCache maps the cache section onto the row cache config.
func (c *CacheConfig) RowCache() cache.Config {
	return cache.Config{
		Enabled:   c.Enabled,
		Addr:      c.Redis.Addr,
		Password:  c.Redis.Password,
		DB:        c.Redis.DB,
		TTL:       c.TTL(),
		KeyPrefix: c.Redis.KeyPrefix,
	}
}

// DatabaseConfig controls optional Postgres persistence of margin rows and
// run bookkeeping. The DSN may be supplied through MARGEN_DB_DSN instead of
// the file, which keeps credentials out of checked-in config.
type DatabaseConfig struct {
	Enabled                bool   `yaml:"enabled"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	ConnMaxIdleMinutes     int    `yaml:"conn_max_idle_minutes"`
	QueryTimeoutSeconds    int    `yaml:"query_timeout_seconds"`
}

func LoadDatabaseConfig(path string) (*DatabaseConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read database config: %w", err)
	}
	var c DatabaseConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal database config: %w", err)
	}
	if dsn := os.Getenv("MARGEN_DB_DSN"); dsn != "" {
		c.DSN = dsn
	}
	return &c, nil
}

// Connection maps the database section onto the connection config,
// keeping the pool defaults for anything unset.
func (c *DatabaseConfig) Connection() db.Config {
	cfg := db.DefaultConfig()
	cfg.Enabled = c.Enabled
	cfg.DSN = c.DSN
	if c.MaxOpenConns > 0 {
		cfg.MaxOpenConns = c.MaxOpenConns
	}
	if c.MaxIdleConns > 0 {
		cfg.MaxIdleConns = c.MaxIdleConns
	}
	if c.ConnMaxLifetimeMinutes > 0 {
		cfg.ConnMaxLifetime = time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
	}
	if c.ConnMaxIdleMinutes > 0 {
		cfg.ConnMaxIdleTime = time.Duration(c.ConnMaxIdleMinutes) * time.Minute
	}
	if c.QueryTimeoutSeconds > 0 {
		cfg.QueryTimeout = time.Duration(c.QueryTimeoutSeconds) * time.Second
	}
	return cfg
}

// MonitorConfig controls the read-only HTTP monitor.
type MonitorConfig struct {
	Host                  string  `yaml:"host"`
	Port                  int     `yaml:"port"`
	ReadTimeoutSeconds    int     `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds   int     `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds    int     `yaml:"idle_timeout_seconds"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
	RateLimit             float64 `yaml:"rate_limit"`
	RateBurst             int     `yaml:"rate_burst"`
}

func LoadMonitorConfig(path string) (*MonitorConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c MonitorConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Server maps the monitor section onto the HTTP server config, keeping the
// server defaults for anything unset.
func (c *MonitorConfig) Server() httpserver.ServerConfig {
	cfg := httpserver.DefaultServerConfig()
	if c.Host != "" {
		cfg.Host = c.Host
	}
	if c.Port > 0 {
		cfg.Port = c.Port
	}
	if c.ReadTimeoutSeconds > 0 {
		cfg.ReadTimeout = time.Duration(c.ReadTimeoutSeconds) * time.Second
	}
	if c.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeout = time.Duration(c.WriteTimeoutSeconds) * time.Second
	}
	if c.IdleTimeoutSeconds > 0 {
		cfg.IdleTimeout = time.Duration(c.IdleTimeoutSeconds) * time.Second
	}
	if c.RequestTimeoutSeconds > 0 {
		cfg.RequestTimeout = time.Duration(c.RequestTimeoutSeconds) * time.Second
	}
	if c.RateLimit > 0 {
		cfg.RateLimit = c.RateLimit
	}
	if c.RateBurst > 0 {
		cfg.RateBurst = c.RateBurst
	}
	return cfg
}
