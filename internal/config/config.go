// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

// Package config holds the immutable configuration surface of preforkd.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: built-in defaults matching the classic deployment line
//     (bind 0.0.0.0:8080, log level info)
//  2. Config File: optional YAML config file (config.yaml)
//  3. Environment Variables: override any setting
//
// The returned Config is created once at startup and never mutated. Load
// validates all fields and fails fast with a descriptive error before any
// socket is bound.
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Config holds all preforkd configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Workers WorkersConfig `koanf:"workers"`
	App     AppConfig     `koanf:"app"`
	Admin   AdminConfig   `koanf:"admin"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig configures the listening socket and per-request limits.
type ServerConfig struct {
	// Host is the bind address. Default: 0.0.0.0
	Host string `koanf:"host"`

	// Port is the bind port. Default: 8080
	Port int `koanf:"port"`

	// ReadTimeout bounds reading a single request from a connection.
	ReadTimeout time.Duration `koanf:"read_timeout"`

	// WriteTimeout bounds writing a single response to a connection.
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// RequestTimeout bounds application handling of a single request.
	// A request exceeding it is aborted with a 500 and the connection
	// closed; the worker keeps serving.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// MaxConnections caps concurrently handled connections across all
	// workers. Connections beyond the cap are refused at the transport
	// level. This is the only backpressure mechanism.
	MaxConnections int `koanf:"max_connections"`

	// KeepAliveTimeout bounds waiting for the next request on an idle
	// keep-alive connection.
	KeepAliveTimeout time.Duration `koanf:"keepalive_timeout"`
}

// WorkersConfig configures the worker pool and its supervision.
type WorkersConfig struct {
	// Count is the number of workers sharing the listening socket.
	// Default: runtime.NumCPU(), minimum 1.
	Count int `koanf:"count"`

	// GracefulTimeout bounds draining of in-flight requests on shutdown
	// and reload. Workers still running past the deadline are
	// force-cancelled.
	GracefulTimeout time.Duration `koanf:"graceful_timeout"`

	// StartupTimeout bounds waiting for a full generation to reach
	// SERVING readiness at startup and on reload.
	StartupTimeout time.Duration `koanf:"startup_timeout"`

	// HeartbeatInterval is the worker liveness beat period while SERVING.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// HeartbeatMisses is the number of consecutive missed beats after
	// which the master declares a worker dead.
	HeartbeatMisses int `koanf:"heartbeat_misses"`

	// RespawnMax is the number of respawns tolerated within
	// RespawnWindow before the master treats crashes as a fatal
	// configuration or application failure and stops.
	RespawnMax int `koanf:"respawn_max"`

	// RespawnWindow is the sliding window for the respawn throttle.
	RespawnWindow time.Duration `koanf:"respawn_window"`
}

// AppConfig selects and configures the hosted application unit.
type AppConfig struct {
	// Name is the registered application to host, the analogue of the
	// module:attribute reference on the deployment command line.
	Name string `koanf:"name"`

	// StorePath is the data directory for applications that persist
	// state (the bundled accounts application uses BadgerDB here).
	// Empty selects an in-memory store.
	StorePath string `koanf:"store_path"`

	// RateLimitReqs / RateLimitWindow configure per-client request rate
	// limiting inside the bundled application router.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	// CORSOrigins lists allowed CORS origins for the bundled application.
	CORSOrigins []string `koanf:"cors_origins"`
}

// AdminConfig configures the operator-facing admin/metrics server. It is
// served off the worker pool's hot path by its own HTTP server.
type AdminConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
}

// LoggingConfig configures the structured logging surface.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Default returns a Config with all default values applied. The bind
// address and log level mirror the observed deployment defaults; worker
// count and timeouts are the resolved open questions.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			RequestTimeout:   30 * time.Second,
			MaxConnections:   1024,
			KeepAliveTimeout: 60 * time.Second,
		},
		Workers: WorkersConfig{
			Count:             runtime.NumCPU(),
			GracefulTimeout:   10 * time.Second,
			StartupTimeout:    30 * time.Second,
			HeartbeatInterval: 1 * time.Second,
			HeartbeatMisses:   3,
			RespawnMax:        5,
			RespawnWindow:     30 * time.Second,
		},
		App: AppConfig{
			Name:            "accounts",
			StorePath:       "",
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Admin: AdminConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Addr returns the bind address in host:port form.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the admin bind address in host:port form.
func (c *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
