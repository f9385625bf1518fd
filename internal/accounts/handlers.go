// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package accounts

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/preforkd/preforkd/internal/logging"
)

// ServiceName is the index document's service name.
const ServiceName = "Account REST API Service"

// ServiceVersion is the index document's API version.
const ServiceVersion = "1.0"

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Service) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    ServiceName,
		"version": ServiceVersion,
	})
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}

	var account Account
	if err := json.NewDecoder(r.Body).Decode(&account); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := account.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	account.stamp(uuid.New().String(), time.Now())
	if err := s.store.Create(&account); err != nil {
		s.log.Error().Err(err).Msg("Failed to create account")
		writeError(w, http.StatusInternalServerError, "could not create account")
		return
	}

	s.log.Info().
		Str("account_id", account.ID).
		Str("request_id", logging.RequestIDFromContext(r.Context())).
		Msg("Account created")

	w.Header().Set("Location", "/accounts/"+account.ID)
	writeJSON(w, http.StatusCreated, &account)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.List()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list accounts")
		writeError(w, http.StatusInternalServerError, "could not list accounts")
		return
	}
	if accounts == nil {
		accounts = []*Account{}
	}
	s.log.Debug().Int("count", len(accounts)).Msg("Accounts listed")
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	account, err := s.store.Get(id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, notFoundMessage(id))
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("account_id", id).Msg("Failed to read account")
		writeError(w, http.StatusInternalServerError, "could not read account")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.store.Get(id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, notFoundMessage(id))
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("account_id", id).Msg("Failed to read account")
		writeError(w, http.StatusInternalServerError, "could not update account")
		return
	}

	var update Account
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	// Identity fields are server-owned.
	update.ID = existing.ID
	if update.DateJoined == "" {
		update.DateJoined = existing.DateJoined
	}
	if err := update.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.Update(&update); err != nil {
		s.log.Error().Err(err).Str("account_id", id).Msg("Failed to update account")
		writeError(w, http.StatusInternalServerError, "could not update account")
		return
	}
	writeJSON(w, http.StatusOK, &update)
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Delete(id); err != nil {
		s.log.Error().Err(err).Str("account_id", id).Msg("Failed to delete account")
		writeError(w, http.StatusInternalServerError, "could not delete account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func notFoundMessage(id string) string {
	return fmt.Sprintf("Account with id [%s] couldn't be found.", id)
}

// requireJSON rejects bodies that are not declared application/json.
func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil || mediaType != "application/json" {
		writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	return true
}
