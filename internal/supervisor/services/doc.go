// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

// Package services contains suture.Service wrappers for the components the
// supervision tree runs: the worker pool master and the admin HTTP server.
package services
