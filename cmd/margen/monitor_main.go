package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cierzo-energy/margen/internal/application"
	httpContracts "github.com/cierzo-energy/margen/internal/http"
	"github.com/cierzo-energy/margen/internal/infrastructure/cache"
	"github.com/cierzo-energy/margen/internal/infrastructure/db"
	httpserver "github.com/cierzo-energy/margen/internal/interfaces/http"
	"github.com/cierzo-energy/margen/internal/interfaces/http/handlers"
)

// runMonitor starts the read-only monitor HTTP server
func runMonitor(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	cfgPath, _ := cmd.Flags().GetString("config")
	cfgDir := filepath.Dir(cfgPath)

	engineCfg, err := loadEngineConfig(cfgPath)
	if err != nil {
		return err
	}

	srvCfg := httpserver.DefaultServerConfig()
	if monCfg, err := application.LoadMonitorConfig(filepath.Join(cfgDir, "monitor.yaml")); err == nil {
		srvCfg = monCfg.Server()
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("monitor config invalid: %w", err)
	}
	if addr != "" {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("invalid --addr: %w", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid --addr port: %w", err)
		}
		srvCfg.Host = host
		srvCfg.Port = port
	}

	// Postgres is optional here: without it /runs and /margins degrade and
	// /health reports the database check as disabled.
	dbCfg, err := loadDatabaseConfig(filepath.Join(cfgDir, "database.yaml"))
	if err != nil {
		return err
	}
	manager, err := db.NewManager(dbCfg.Connection())
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}
	defer manager.Close()

	var cacheStats handlers.CacheStats
	if cacheCfg := loadCacheConfig(filepath.Join(cfgDir, "cache.yaml")); cacheCfg.Enabled {
		cacheStats = cache.New(cacheCfg.RowCache())
	}

	handlerManager := handlers.NewHandlers(handlers.Config{
		Version:    version,
		BuildStamp: buildStamp,
		DataRoot:   engineCfg.DataRoot,
	}, httpContracts.NewStatusTracker(), manager.Repository(), manager.Health(), cacheStats)

	server, err := httpserver.NewServer(srvCfg, handlerManager, httpserver.DefaultMetrics)
	if err != nil {
		return err
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		listenAddr := server.GetAddress()
		log.Info().
			Str("health", fmt.Sprintf("http://%s/health", listenAddr)).
			Str("status", fmt.Sprintf("http://%s/status", listenAddr)).
			Str("runs", fmt.Sprintf("http://%s/runs", listenAddr)).
			Str("margins", fmt.Sprintf("http://%s/margins/{day}", listenAddr)).
			Str("coverage", fmt.Sprintf("http://%s/coverage", listenAddr)).
			Str("metrics", fmt.Sprintf("http://%s/metrics", listenAddr)).
			Msg("Monitor endpoints available")

		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
		return err
	}

	log.Info().Msg("Monitor server shutdown complete")
	return nil
}
