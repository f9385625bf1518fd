// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

// Package supervisor builds the suture supervision tree that runs the
// process: the worker pool master in one layer, the admin server and
// metrics recorder in another. Service wrappers live in the services
// subpackage.
package supervisor
