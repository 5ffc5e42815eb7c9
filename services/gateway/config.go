// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gateway validates and negotiates realtime connections and routes
// their messages to the registry actor. It also exposes the REST-equivalent
// surface for non-realtime callers.
package gateway

import (
	"strings"
	"time"
)

// Default subprotocols, in server preference order. v2 is the extension
// point for a future signature scheme and currently delegates to v1.
const (
	ProtocolV1 = "vergraph.v1"
	ProtocolV2 = "vergraph.v2"
)

// CSRFHeader carries the one-time token on upgrade requests.
const CSRFHeader = "X-Vergraph-CSRF"

// SignatureHeader duplicates the snapshot signature on REST bump responses.
const SignatureHeader = "X-Vergraph-Signature"

// Config is the gateway's protocol-hardening configuration. Values come
// from the environment (VERGRAPH_* keys, loaded in cmd/vergraphd).
type Config struct {
	// ServerHost is the host (host or host:port) this server believes it is
	// reachable as. Upgrade requests must declare it in their Host header
	// unless the caller is a trusted proxy.
	ServerHost string

	// TrustedProxies lists caller IPs exempt from host validation.
	TrustedProxies []string

	// Subprotocols is the ordered list of supported realtime subprotocols.
	Subprotocols []string

	// CSRFTTL bounds both a token's validity window and how long its
	// consumed marker is retained.
	CSRFTTL time.Duration
}

// Normalize fills defaults and canonicalizes list entries.
func (c Config) Normalize() Config {
	if len(c.Subprotocols) == 0 {
		c.Subprotocols = []string{ProtocolV1, ProtocolV2}
	}
	if c.CSRFTTL <= 0 {
		c.CSRFTTL = 10 * time.Minute
	}
	for i, p := range c.TrustedProxies {
		c.TrustedProxies[i] = strings.TrimSpace(p)
	}
	for i, p := range c.Subprotocols {
		c.Subprotocols[i] = strings.TrimSpace(p)
	}
	return c
}

func (c Config) isTrustedProxy(ip string) bool {
	for _, p := range c.TrustedProxies {
		if p != "" && p == ip {
			return true
		}
	}
	return false
}
