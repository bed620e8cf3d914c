// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package api

import (
	"net/http"

	"github.com/adlens/adlens/internal/validation"
)

// Request structs carry go-playground/validator tags and are checked
// before any handler logic runs.

// syncRequest is the body of the on-demand sync endpoint.
type syncRequest struct {
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
}

// entityRequest is the body of the optimistic update endpoint: field
// values to set on the entity.
type entityRequest struct {
	Fields map[string]string `json:"fields" validate:"required,min=1"`
}

// runsQuery is the validated query surface of the run listing endpoint.
type runsQuery struct {
	Limit int `validate:"min=0,max=1000"`
}

// validateRequest checks a tagged request struct and writes the 400
// response itself on failure. Returns true when the request is valid.
func validateRequest(w http.ResponseWriter, v interface{}) bool {
	if err := validation.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return false
	}
	return true
}
