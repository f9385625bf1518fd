// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

// Package accounts is the bundled application: a REST service managing the
// lifecycle of customer accounts, served through the worker pool like any
// hosted application.
package accounts

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Account is one customer account record.
type Account struct {
	ID          string `json:"id"`
	Name        string `json:"name" validate:"required"`
	Email       string `json:"email" validate:"required,email"`
	Address     string `json:"address"`
	PhoneNumber string `json:"phone_number" validate:"omitempty,max=32"`
	DateJoined  string `json:"date_joined" validate:"omitempty,datetime=2006-01-02"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the account against its field constraints.
func (a *Account) Validate() error {
	if err := validate.Struct(a); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("field %s failed %s validation", jsonFieldName(f.Field()), f.Tag())
		}
		return err
	}
	return nil
}

// stamp fills server-assigned fields on create.
func (a *Account) stamp(id string, now time.Time) {
	a.ID = id
	if a.DateJoined == "" {
		a.DateJoined = now.Format("2006-01-02")
	}
}

// jsonFieldName maps struct field names to their wire names for error
// messages.
func jsonFieldName(field string) string {
	switch field {
	case "Name":
		return "name"
	case "Email":
		return "email"
	case "Address":
		return "address"
	case "PhoneNumber":
		return "phone_number"
	case "DateJoined":
		return "date_joined"
	default:
		return field
	}
}
