// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

// Package upstream talks to the ad-platform reporting API. The sync core
// sees only the Client interface and the APIError classification; the
// HTTP shapes stay private to this package.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/logging"
	"github.com/adlens/adlens/internal/models"
)

// Client fetches advertising performance records for a partition and
// date range.
type Client interface {
	FetchRange(ctx context.Context, p models.Partition, r models.DateRange) ([]models.AdRecord, error)
}

// TokenProvider supplies the API credential for each request. Credential
// storage and rotation live behind this function.
type TokenProvider func() (string, error)

// HTTPClient is the concrete ad-platform API client.
type HTTPClient struct {
	baseURL string
	tokens  TokenProvider
	http    *http.Client
}

// NewHTTPClient creates an API client from configuration. When cfg
// carries a static key, tokens may be nil.
func NewHTTPClient(cfg config.UpstreamConfig, tokens TokenProvider) *HTTPClient {
	if tokens == nil {
		key := cfg.APIKey
		tokens = func() (string, error) { return key, nil }
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: cfg.URL,
		tokens:  tokens,
		http:    &http.Client{Timeout: timeout},
	}
}

// reportResponse is the upstream report endpoint's body.
type reportResponse struct {
	Records []models.AdRecord `json:"records"`
}

// FetchRange retrieves one partition's daily records for the given
// range. Failures come back classified as *APIError.
func (c *HTTPClient) FetchRange(ctx context.Context, p models.Partition, r models.DateRange) ([]models.AdRecord, error) {
	token, err := c.tokens()
	if err != nil {
		return nil, &APIError{Kind: ErrorAuth, Message: "token provider failed", Err: err}
	}

	endpoint := fmt.Sprintf("%s/v1/accounts/%s/reports/%s",
		c.baseURL, url.PathEscape(p.AccountID), url.PathEscape(p.Scope))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &APIError{Kind: ErrorUnknown, Message: "build request", Err: err}
	}

	q := req.URL.Query()
	q.Set("start_date", models.DateKey(r.Start))
	q.Set("end_date", models.DateKey(r.End))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Kind: ErrorNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    string(body),
		}
		logging.Warn().
			Str("partition", p.String()).
			Int("status", resp.StatusCode).
			Str("kind", string(apiErr.Kind)).
			Msg("upstream fetch rejected")
		return nil, apiErr
	}

	var report reportResponse
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, &APIError{Kind: ErrorAPI, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
	}
	return report.Records, nil
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorAuth
	case status == http.StatusTooManyRequests:
		return ErrorRateLimit
	case status >= 500:
		return ErrorAPI
	default:
		return ErrorUnknown
	}
}
