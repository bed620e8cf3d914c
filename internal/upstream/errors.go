// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package upstream

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an upstream API failure. The sync core only needs
// this classification; the wire details stay inside the client.
type ErrorKind string

const (
	// ErrorNetwork covers transport failures: connection refused, DNS,
	// timeouts.
	ErrorNetwork ErrorKind = "network"

	// ErrorAuth covers rejected credentials. Retrying never helps; the
	// consumer layer surfaces these prominently.
	ErrorAuth ErrorKind = "auth"

	// ErrorRateLimit covers upstream 429 responses.
	ErrorRateLimit ErrorKind = "rateLimit"

	// ErrorAPI covers upstream server-side failures (5xx).
	ErrorAPI ErrorKind = "api"

	// ErrorUnknown covers everything else.
	ErrorUnknown ErrorKind = "unknown"
)

// APIError is a classified upstream failure.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %s error: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// KindOf extracts the error kind from err, or ErrorUnknown for errors
// that are not APIErrors.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ErrorUnknown
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return KindOf(err) == ErrorAuth }
