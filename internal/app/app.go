// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

// Package app defines the contract between the pre-fork server and the
// hosted application unit. The supervisor knows nothing about the
// application's internals: it is a callable that takes a request and returns
// a response or fails with an ApplicationError.
package app

import (
	"context"
	"net/http"
)

// Response is the transient value object an application returns for one
// request. It is fully owned by the worker handling the request and
// discarded after the response is written.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Application is the adapter contract. Handle performs no retries and no
// buffering; failures surface as *ApplicationError. Implementations must be
// safe for concurrent use: every worker invokes the same unit.
type Application interface {
	// Name identifies the application unit in logs and the registry.
	Name() string

	// Handle processes one request. The context carries the per-request
	// deadline; implementations should honor ctx cancellation.
	Handle(ctx context.Context, req *http.Request) (*Response, error)
}

// Initializer is implemented by applications that need startup work
// (opening stores, warming caches). Init must be idempotent: every worker
// calls it while STARTING, and an error fails that worker's startup.
type Initializer interface {
	Init(ctx context.Context) error
}

// Closer is implemented by applications that hold resources to release at
// shutdown, after all workers have drained.
type Closer interface {
	Close() error
}
