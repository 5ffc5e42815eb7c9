// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ExternalKV is the middle persistence tier: a remote key-value store
// consulted when the actor-local store is empty. Failures here are expected
// to be non-fatal; callers fall through to the next tier.
type ExternalKV interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores the value for key.
	Put(ctx context.Context, key string, value []byte) error
}

// maxExternalValueSize caps values read from the external store (4MB). A
// larger payload is corruption or a misconfigured endpoint, not a snapshot.
const maxExternalValueSize = 4 * 1024 * 1024

// HTTPKV speaks a plain GET/PUT key-value protocol:
//
//	GET <base>/kv/<key>  -> 200 + body, or 404
//	PUT <base>/kv/<key>  -> 2xx
type HTTPKV struct {
	base   string
	client *http.Client
}

// NewHTTPKV creates a client for an external KV endpoint. The timeout bounds
// every request; keep it short, this tier must never stall startup.
func NewHTTPKV(baseURL string, timeout time.Duration) *HTTPKV {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPKV{
		base:   baseURL,
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPKV) keyURL(key string) string {
	return h.base + "/kv/" + url.PathEscape(key)
}

func (h *HTTPKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.keyURL(key), nil)
	if err != nil {
		return nil, false, fmt.Errorf("build external kv request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("external kv get %q: %w", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("external kv get %q: status %d", key, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxExternalValueSize+1))
	if err != nil {
		return nil, false, fmt.Errorf("read external kv value %q: %w", key, err)
	}
	if len(body) > maxExternalValueSize {
		return nil, false, fmt.Errorf("external kv value %q exceeds %d bytes", key, maxExternalValueSize)
	}
	return body, true, nil
}

func (h *HTTPKV) Put(ctx context.Context, key string, value []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.keyURL(key), bytes.NewReader(value))
	if err != nil {
		return fmt.Errorf("build external kv request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("external kv put %q: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("external kv put %q: status %d", key, resp.StatusCode)
	}
	return nil
}
