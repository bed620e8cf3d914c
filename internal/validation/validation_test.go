// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package validation

import (
	"errors"
	"strings"
	"testing"
)

type sampleRequest struct {
	Name  string            `validate:"required"`
	Date  string            `validate:"omitempty,datetime=2006-01-02"`
	Items map[string]string `validate:"required,min=1"`
}

func TestStructValid(t *testing.T) {
	req := sampleRequest{
		Name:  "campaigns",
		Date:  "2026-08-29",
		Items: map[string]string{"status": "active"},
	}
	if err := Struct(&req); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestStructCollectsAllFieldErrors(t *testing.T) {
	err := Struct(&sampleRequest{Date: "29/08/2026"})
	if err == nil {
		t.Fatal("expected validation errors")
	}

	var verr *Errors
	if !errors.As(err, &verr) {
		t.Fatalf("expected *Errors, got %T", err)
	}
	if len(verr.Fields) != 3 {
		t.Fatalf("expected 3 field errors, got %d: %v", len(verr.Fields), verr)
	}

	msg := verr.Error()
	for _, want := range []string{"Name is required", "Date must be a date", "Items"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestStructEmptyMapFailsMin(t *testing.T) {
	err := Struct(&sampleRequest{
		Name:  "campaigns",
		Items: map[string]string{},
	})
	if err == nil {
		t.Fatal("expected empty map to fail min=1")
	}
}

func TestStructNonStructInput(t *testing.T) {
	if err := Struct("not a struct"); err == nil {
		t.Error("expected error for non-struct input")
	}
}
