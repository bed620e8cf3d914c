// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package optimistic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/adlens/adlens/internal/config"
)

// HTTPRemote talks to the ad platform's entity endpoints. It is the
// production Remote implementation.
type HTTPRemote struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPRemote creates a remote over the configured upstream.
func NewHTTPRemote(cfg config.UpstreamConfig) *HTTPRemote {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRemote{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch implements Remote.
func (r *HTTPRemote) Fetch(ctx context.Context, id string) (*Entity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.entityURL(id), nil)
	if err != nil {
		return nil, err
	}
	return r.do(req, id)
}

// Push implements Remote.
func (r *HTTPRemote) Push(ctx context.Context, e *Entity) (*Entity, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.entityURL(e.ID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return r.do(req, e.ID)
}

func (r *HTTPRemote) do(req *http.Request, id string) (*Entity, error) {
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("entity %s: upstream status %d: %s", id, resp.StatusCode, body)
	}

	var e Entity
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return nil, fmt.Errorf("entity %s: decode response: %w", id, err)
	}
	return &e, nil
}

func (r *HTTPRemote) entityURL(id string) string {
	return r.baseURL + "/v1/entities/" + id
}
