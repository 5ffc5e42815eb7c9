// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vergraph/vergraph/observability"
	"github.com/vergraph/vergraph/services/signing"
	"github.com/vergraph/vergraph/services/store"
)

// websocketKeySize is the raw nonce length RFC 6455 §4.1 mandates for
// Sec-WebSocket-Key (16 bytes before base64).
const websocketKeySize = 16

// Machine-readable rejection reasons returned to callers and used as metric
// labels. Deliberately terse; details go to the log, not the wire.
const (
	ReasonHostMismatch  = "host_mismatch"
	ReasonBadNonce      = "bad_nonce"
	ReasonCSRFMissing   = "csrf_missing"
	ReasonCSRFInvalid   = "csrf_invalid"
	ReasonCSRFExpired   = "csrf_expired"
	ReasonCSRFReplayed  = "csrf_replayed"
	ReasonNoSubprotocol = "no_subprotocol"
	ReasonInternal      = "internal"
)

// RejectError aborts an upgrade with an HTTP status and a terse reason.
type RejectError struct {
	Status int
	Reason string
}

func (e *RejectError) Error() string {
	return e.Reason
}

// Guard runs the connection-upgrade security pipeline in strict order:
// host validation, key format validation, one-time CSRF validation,
// subprotocol negotiation. Any failure aborts the upgrade.
type Guard struct {
	cfg    Config
	signer *signing.Signer
	store  *store.Store
}

// NewGuard wires the pipeline. The signer provides the token verification
// primitive; the store provides the atomic consumed-set.
func NewGuard(cfg Config, signer *signing.Signer, st *store.Store) *Guard {
	return &Guard{cfg: cfg.Normalize(), signer: signer, store: st}
}

// Authorize validates an upgrade request and negotiates the subprotocol.
//
// Outputs:
//
//	string - The negotiated subprotocol for the accepted session.
//	*RejectError - Non-nil if the upgrade must be aborted. The error's
//	  Status and Reason are safe to return to the caller.
func (g *Guard) Authorize(c *gin.Context) (string, *RejectError) {
	// 1. Host validation. The declared target host must be this server,
	// unless the caller is a trusted proxy.
	if c.Request.Host != g.cfg.ServerHost && !g.cfg.isTrustedProxy(c.ClientIP()) {
		g.reject(c, ReasonHostMismatch,
			slog.String("declared_host", c.Request.Host),
			slog.String("server_host", g.cfg.ServerHost))
		return "", &RejectError{Status: http.StatusForbidden, Reason: ReasonHostMismatch}
	}

	// 2. Key format validation: if a handshake nonce is present it must be
	// base64 decoding to exactly 16 raw bytes.
	if key := c.GetHeader("Sec-WebSocket-Key"); key != "" {
		decoded, err := base64.StdEncoding.DecodeString(key)
		if err != nil || len(decoded) != websocketKeySize {
			g.reject(c, ReasonBadNonce)
			return "", &RejectError{Status: http.StatusBadRequest, Reason: ReasonBadNonce}
		}
	}

	// 3. One-time CSRF token: verified against the signing primitive, then
	// consumed atomically so replay is impossible even in-process.
	token := c.GetHeader(CSRFHeader)
	if token == "" {
		g.reject(c, ReasonCSRFMissing)
		observability.CSRFValidationsTotal.WithLabelValues("malformed").Inc()
		return "", &RejectError{Status: http.StatusForbidden, Reason: ReasonCSRFMissing}
	}
	if reason, rejErr := g.checkAndConsumeToken(c, token); rejErr != nil {
		g.reject(c, reason)
		return "", rejErr
	}

	// 4. Subprotocol negotiation.
	proto, ok := negotiateSubprotocol(requestedSubprotocols(c.Request), g.cfg.Subprotocols)
	if !ok {
		g.reject(c, ReasonNoSubprotocol,
			slog.String("requested", c.GetHeader("Sec-WebSocket-Protocol")))
		return "", &RejectError{Status: http.StatusBadRequest, Reason: ReasonNoSubprotocol}
	}

	observability.UpgradesTotal.WithLabelValues("accepted", "ok").Inc()
	return proto, nil
}

func (g *Guard) checkAndConsumeToken(c *gin.Context, token string) (string, *RejectError) {
	err := g.signer.CheckToken(c.Request.Context(), token, g.cfg.CSRFTTL)
	switch {
	case err == nil:
	case errors.Is(err, signing.ErrTokenMalformed):
		observability.CSRFValidationsTotal.WithLabelValues("malformed").Inc()
		return ReasonCSRFInvalid, &RejectError{Status: http.StatusForbidden, Reason: ReasonCSRFInvalid}
	case errors.Is(err, signing.ErrTokenExpired):
		observability.CSRFValidationsTotal.WithLabelValues("expired").Inc()
		return ReasonCSRFExpired, &RejectError{Status: http.StatusForbidden, Reason: ReasonCSRFExpired}
	case errors.Is(err, signing.ErrTokenSignature):
		observability.CSRFValidationsTotal.WithLabelValues("bad_signature").Inc()
		return ReasonCSRFInvalid, &RejectError{Status: http.StatusForbidden, Reason: ReasonCSRFInvalid}
	default:
		observability.CSRFValidationsTotal.WithLabelValues("bad_signature").Inc()
		return ReasonInternal, &RejectError{Status: http.StatusInternalServerError, Reason: ReasonInternal}
	}

	err = g.store.ConsumeToken(c.Request.Context(), token, g.cfg.CSRFTTL)
	if errors.Is(err, store.ErrTokenReplayed) {
		observability.CSRFValidationsTotal.WithLabelValues("replayed").Inc()
		return ReasonCSRFReplayed, &RejectError{Status: http.StatusForbidden, Reason: ReasonCSRFReplayed}
	}
	if err != nil {
		return ReasonInternal, &RejectError{Status: http.StatusInternalServerError, Reason: ReasonInternal}
	}

	observability.CSRFValidationsTotal.WithLabelValues("accepted").Inc()
	return "", nil
}

func (g *Guard) reject(c *gin.Context, reason string, extra ...any) {
	observability.UpgradesTotal.WithLabelValues("rejected", reason).Inc()
	attrs := append([]any{
		slog.String("reason", reason),
		slog.String("client_ip", c.ClientIP()),
		slog.String("path", c.Request.URL.Path),
	}, extra...)
	slog.Error("connection upgrade rejected", attrs...)
}

// requestedSubprotocols parses the client's Sec-WebSocket-Protocol headers
// into an ordered list.
func requestedSubprotocols(r *http.Request) []string {
	var out []string
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(header, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

// negotiateSubprotocol intersects the client's requested list with the
// server's ordered supported list.
//
// The server's preference order wins: the first supported protocol the
// client also offers is selected. An empty client list gets the server's
// first supported protocol; a non-empty list with no overlap fails.
func negotiateSubprotocol(requested, supported []string) (string, bool) {
	if len(supported) == 0 {
		return "", false
	}
	if len(requested) == 0 {
		return supported[0], true
	}
	for _, s := range supported {
		for _, r := range requested {
			if s == r {
				return s, true
			}
		}
	}
	return "", false
}
