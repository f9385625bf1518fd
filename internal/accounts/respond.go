// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package accounts

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/preforkd/preforkd/internal/logging"
)

// errorBody is the JSON error envelope for client-facing failures.
type errorBody struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{
		Status:  status,
		Error:   http.StatusText(status),
		Message: message,
	})
}
