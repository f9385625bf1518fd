// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

// Package middleware provides chi-compatible HTTP middleware shared by the
// hosted application router and the admin surface.
package middleware
