// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package app

import "fmt"

// ApplicationError wraps a failure inside the hosted application. It is a
// per-request error: the worker answers with a 5xx and keeps serving.
type ApplicationError struct {
	Cause error
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("application error: %v", e.Cause)
}

func (e *ApplicationError) Unwrap() error {
	return e.Cause
}
