// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/models"
)

func testPartition() models.Partition {
	return models.Partition{AccountID: "acct-1", Scope: "campaign_performance"}
}

func testRange() models.DateRange {
	return models.NewDateRange(
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
	)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(config.UpstreamConfig{
		URL:     srv.URL,
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
	}, nil)
}

func TestFetchRangeSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization header: got %q", got)
		}
		if got := r.URL.Path; got != "/v1/accounts/acct-1/reports/campaign_performance" {
			t.Errorf("path: got %q", got)
		}
		if got := r.URL.Query().Get("start_date"); got != "2024-01-01" {
			t.Errorf("start_date: got %q", got)
		}
		if got := r.URL.Query().Get("end_date"); got != "2024-01-03" {
			t.Errorf("end_date: got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[{"date":"2024-01-01T00:00:00Z","impressions":100,"clicks":7}]}`))
	})

	records, err := client.FetchRange(context.Background(), testPartition(), testRange())
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Impressions != 100 || records[0].Clicks != 7 {
		t.Errorf("record mismatch: %+v", records[0])
	}
}

func TestFetchRangeErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, ErrorAuth},
		{http.StatusForbidden, ErrorAuth},
		{http.StatusTooManyRequests, ErrorRateLimit},
		{http.StatusInternalServerError, ErrorAPI},
		{http.StatusBadGateway, ErrorAPI},
		{http.StatusNotFound, ErrorUnknown},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})

			_, err := client.FetchRange(context.Background(), testPartition(), testRange())
			if err == nil {
				t.Fatal("expected error")
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %T", err)
			}
			if apiErr.Kind != tt.want {
				t.Errorf("kind: expected %s, got %s", tt.want, apiErr.Kind)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("status: expected %d, got %d", tt.status, apiErr.StatusCode)
			}
		})
	}
}

func TestFetchRangeNetworkError(t *testing.T) {
	client := NewHTTPClient(config.UpstreamConfig{
		URL:     "http://127.0.0.1:1", // Nothing listens here
		APIKey:  "k",
		Timeout: time.Second,
	}, nil)

	_, err := client.FetchRange(context.Background(), testPartition(), testRange())
	if KindOf(err) != ErrorNetwork {
		t.Errorf("expected network classification, got %v (kind %s)", err, KindOf(err))
	}
}

func TestFetchRangeTokenProviderFailure(t *testing.T) {
	client := NewHTTPClient(config.UpstreamConfig{URL: "http://example.invalid"},
		func() (string, error) { return "", errors.New("vault sealed") })

	_, err := client.FetchRange(context.Background(), testPartition(), testRange())
	if !IsAuth(err) {
		t.Errorf("token provider failure should classify as auth, got %v", err)
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != ErrorUnknown {
		t.Errorf("plain errors classify as unknown, got %s", got)
	}
}
