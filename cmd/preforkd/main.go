// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

// Package main is the entry point for the preforkd server.
//
// preforkd hosts an HTTP application behind a pre-fork worker pool: a master
// owns the single listening socket, a fixed set of workers share it, and the
// master respawns workers that die. Workers are supervised goroutines, not
// OS processes; crash isolation comes from per-request panic recovery and
// the master's respawn policy rather than address-space separation.
//
// # Startup Order
//
//  1. Configuration: layered load via Koanf v2 (defaults, config.yaml,
//     environment variables)
//  2. Logging: zerolog, JSON or console format
//  3. Listener: the serving socket binds once, before any worker starts; a
//     bind failure is fatal
//  4. Application: the hosted app is resolved by name from the registry
//  5. Supervision: the worker pool master, the admin server, the metrics
//     recorder and the store GC run under a suture tree
//
// # Configuration
//
// Everything is settable by environment variable, including:
//
//	BIND_HOST, BIND_PORT      serving socket (default 0.0.0.0:8080)
//	WORKER_COUNT              pool size (default: number of CPUs);
//	                          WEB_CONCURRENCY is honored as an alias
//	LOG_LEVEL, LOG_FORMAT     zerolog level and output format
//	ADMIN_ENABLED, ADMIN_PORT operator surface (default 127.0.0.1:9090)
//	STORE_PATH                account database directory; empty runs
//	                          the store in memory
//
// # Signal Handling
//
//   - SIGINT, SIGTERM: graceful shutdown; workers drain, in-flight requests
//     finish within the grace period
//   - SIGHUP: rolling restart; a fresh worker generation starts, the old
//     one drains, the socket stays bound throughout
//
// The process exits non-zero when the pool dies fatally, in particular when
// worker crashes exhaust the respawn budget.
package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/preforkd/preforkd/internal/accounts"
	"github.com/preforkd/preforkd/internal/admin"
	"github.com/preforkd/preforkd/internal/app"
	"github.com/preforkd/preforkd/internal/config"
	"github.com/preforkd/preforkd/internal/events"
	"github.com/preforkd/preforkd/internal/logging"
	"github.com/preforkd/preforkd/internal/master"
	"github.com/preforkd/preforkd/internal/metrics"
	"github.com/preforkd/preforkd/internal/supervisor"
	"github.com/preforkd/preforkd/internal/supervisor/services"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Int("workers", cfg.Workers.Count).
		Str("app", cfg.App.Name).
		Msg("Starting preforkd")

	// The socket binds exactly once, before any worker exists. Workers never
	// bind; they share this listener through the master.
	listener, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		logging.Fatal().Err(err).Str("addr", cfg.Server.Addr()).Msg("Failed to bind listening socket")
	}

	// Hosted applications. The accounts service is the bundled default;
	// further applications register here.
	accountsSvc := accounts.New(accounts.Config{
		StorePath:         cfg.App.StorePath,
		RateLimitRequests: cfg.App.RateLimitReqs,
		RateLimitWindow:   cfg.App.RateLimitWindow,
		CORSOrigins:       cfg.App.CORSOrigins,
	})
	registry := app.NewRegistry()
	registry.Register(accountsSvc.App())

	application, err := registry.Resolve(cfg.App.Name)
	if err != nil {
		logging.Fatal().Err(err).Msg("Unknown application")
	}

	bus := events.NewBus(64, events.NewWatermillLogger(logging.Logger()))
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event bus")
		}
	}()

	pool := master.New(master.Config{
		WorkerCount:       cfg.Workers.Count,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		RequestTimeout:    cfg.Server.RequestTimeout,
		KeepAliveTimeout:  cfg.Server.KeepAliveTimeout,
		MaxConnections:    cfg.Server.MaxConnections,
		StartupTimeout:    cfg.Workers.StartupTimeout,
		GracefulTimeout:   cfg.Workers.GracefulTimeout,
		HeartbeatInterval: cfg.Workers.HeartbeatInterval,
		HeartbeatMisses:   cfg.Workers.HeartbeatMisses,
		RespawnMax:        cfg.Workers.RespawnMax,
		RespawnWindow:     cfg.Workers.RespawnWindow,
	}, listener, application, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge zerolog to slog for sutureslog.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	tree.AddServingService(services.NewMasterService(pool))
	tree.AddObservabilityService(metrics.NewRecorder(bus))
	tree.AddObservabilityService(services.NewStoreGCService(accountsSvc, 5*time.Minute))

	if cfg.Admin.Enabled {
		adminServer := admin.NewServer(cfg.Admin.Addr(), pool)
		tree.AddObservabilityService(services.NewHTTPServerService("admin-server", adminServer, 10*time.Second))
		logging.Info().Str("addr", cfg.Admin.Addr()).Msg("Admin server enabled")
	}

	// SIGINT/SIGTERM drain the pool; SIGHUP rolls the worker generation.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				logging.Info().Msg("Received SIGHUP, rolling worker generation")
				go func() {
					if err := pool.Reload(); err != nil {
						logging.Error().Err(err).Msg("Rolling restart failed")
					}
				}()
				continue
			}
			logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			cancel()
			return
		}
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	var fatalErr error
	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutting down, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree stopped with error")
			fatalErr = err
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
			if fatalErr == nil {
				fatalErr = err
			}
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	// All workers have drained; release the application's resources so the
	// store flushes and unlocks cleanly.
	if closer, ok := application.(app.Closer); ok {
		if err := closer.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing application")
		}
	}

	if fatalErr != nil {
		logging.Error().Err(fatalErr).Msg("Exiting after fatal error")
		os.Exit(1)
	}
	logging.Info().Msg("Stopped gracefully")
}
