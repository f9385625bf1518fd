// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package config

import (
	"fmt"
	"net"
)

// Validate checks that the configuration is well-formed. Any failure here is
// fatal: the process must exit with a descriptive error before binding.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateApp(); err != nil {
		return err
	}
	if err := c.validateAdmin(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Host != "" && net.ParseIP(c.Server.Host) == nil {
		return fmt.Errorf("BIND_HOST %q is not a valid IP address", c.Server.Host)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("BIND_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.Server.RequestTimeout)
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be at least 1, got %d", c.Server.MaxConnections)
	}
	if c.Server.KeepAliveTimeout <= 0 {
		return fmt.Errorf("KEEPALIVE_TIMEOUT must be positive, got %s", c.Server.KeepAliveTimeout)
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if c.Workers.Count < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.Workers.Count)
	}
	if c.Workers.GracefulTimeout <= 0 {
		return fmt.Errorf("GRACEFUL_TIMEOUT must be positive, got %s", c.Workers.GracefulTimeout)
	}
	if c.Workers.StartupTimeout <= 0 {
		return fmt.Errorf("STARTUP_TIMEOUT must be positive, got %s", c.Workers.StartupTimeout)
	}
	if c.Workers.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive, got %s", c.Workers.HeartbeatInterval)
	}
	if c.Workers.HeartbeatMisses < 1 {
		return fmt.Errorf("HEARTBEAT_MISSES must be at least 1, got %d", c.Workers.HeartbeatMisses)
	}
	if c.Workers.RespawnMax < 1 {
		return fmt.Errorf("RESPAWN_MAX must be at least 1, got %d", c.Workers.RespawnMax)
	}
	if c.Workers.RespawnWindow <= 0 {
		return fmt.Errorf("RESPAWN_WINDOW must be positive, got %s", c.Workers.RespawnWindow)
	}
	return nil
}

func (c *Config) validateApp() error {
	if c.App.Name == "" {
		return fmt.Errorf("APP_NAME must not be empty")
	}
	if c.App.RateLimitReqs < 1 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be at least 1, got %d", c.App.RateLimitReqs)
	}
	if c.App.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.App.RateLimitWindow)
	}
	return nil
}

func (c *Config) validateAdmin() error {
	if !c.Admin.Enabled {
		return nil
	}
	if c.Admin.Host != "" && net.ParseIP(c.Admin.Host) == nil {
		return fmt.Errorf("ADMIN_HOST %q is not a valid IP address", c.Admin.Host)
	}
	if c.Admin.Port < 1 || c.Admin.Port > 65535 {
		return fmt.Errorf("ADMIN_PORT must be between 1 and 65535, got %d", c.Admin.Port)
	}
	if c.Admin.Port == c.Server.Port && c.Admin.Host == c.Server.Host {
		return fmt.Errorf("ADMIN_PORT must differ from BIND_PORT when sharing a host")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "disabled":
	default:
		return fmt.Errorf("LOG_LEVEL %q is not valid (trace, debug, info, warn, error, fatal)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT %q is not valid (json, console)", c.Logging.Format)
	}
	return nil
}
