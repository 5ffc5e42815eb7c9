// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vergraph/vergraph/services/actor"
	"github.com/vergraph/vergraph/services/bump"
	"github.com/vergraph/vergraph/services/registry"
	"github.com/vergraph/vergraph/services/signing"
)

// Inbound message types.
const (
	MsgRefresh = "refresh"
	MsgPing    = "ping"
	MsgBump    = "bump"
)

// WSRequest is the tagged union of inbound frames. Type selects which other
// fields are meaningful; it is validated before dispatch.
type WSRequest struct {
	Type       string `json:"type"`
	Scope      string `json:"scope,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
	Cascade    bool   `json:"cascade,omitempty"`
	DryRun     bool   `json:"dryRun,omitempty"`
	KeyVersion string `json:"keyVersion,omitempty"`
}

// WSRefreshResponse answers refresh frames with the full snapshot.
type WSRefreshResponse struct {
	Type      string               `json:"type"`
	Entities  registry.Snapshot    `json:"entities"`
	Lifecycle actor.LifecycleState `json:"lifecycle"`
}

// WSBumpResponse answers bump frames with the signed result.
type WSBumpResponse struct {
	Type string `json:"type"`
	actor.BumpResult
}

// WSError is the outbound error frame. Error strings stay terse; nothing
// internal crosses the wire.
type WSError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

var upgrader = websocket.Upgrader{
	// Origin enforcement is the Guard's host-validation step; the upgrader
	// itself accepts what the pipeline already cleared.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("failed to write WebSocket JSON", "error", err)
	}
	return err
}

// messageHandler handles one decoded frame for a negotiated protocol
// version. v2 currently delegates to v1; it exists so a future signature
// scheme can change the frame handling per protocol.
type messageHandler func(ctx context.Context, a *actor.Actor, ws *websocket.Conn, req WSRequest) error

func handlerForProtocol(proto string) messageHandler {
	if proto == ProtocolV2 {
		return handleMessageV2
	}
	return handleMessageV1
}

// HandleWebSocket runs the upgrade pipeline and then the session message
// loop, binding the session to the shared registry actor.
func HandleWebSocket(guard *Guard, a *actor.Actor) gin.HandlerFunc {
	return func(c *gin.Context) {
		proto, rejErr := guard.Authorize(c)
		if rejErr != nil {
			c.JSON(rejErr.Status, gin.H{"error": rejErr.Reason})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, http.Header{
			"Sec-WebSocket-Protocol": {proto},
		})
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		sessionID := uuid.New().String()
		a.AttachSession(sessionID)
		defer a.DetachSession(sessionID)
		slog.Info("realtime session started",
			"sessionID", sessionID, "protocol", proto)

		handle := handlerForProtocol(proto)

		for {
			var req WSRequest
			if err := ws.ReadJSON(&req); err != nil {
				slog.Info("realtime session closed", "sessionID", sessionID, "error", err.Error())
				return
			}

			if err := handle(c.Request.Context(), a, ws, req); err != nil {
				// Write failure; the peer is gone.
				return
			}
		}
	}
}

// handleMessageV1 is the v1 frame dispatcher.
func handleMessageV1(ctx context.Context, a *actor.Actor, ws *websocket.Conn, req WSRequest) error {
	switch req.Type {
	case MsgPing:
		return sendJSON(ws, gin.H{"type": "pong"})

	case MsgRefresh:
		snap, state := a.Refresh(ctx)
		return sendJSON(ws, WSRefreshResponse{
			Type:      "refresh_response",
			Entities:  snap,
			Lifecycle: state,
		})

	case MsgBump:
		params, err := bumpParamsFromWire(req.Scope, req.EntityID, req.Cascade, req.DryRun, req.KeyVersion)
		if err != nil {
			return sendJSON(ws, WSError{Type: "error", Error: err.Error()})
		}
		result, err := a.Bump(ctx, params)
		if err != nil {
			return sendJSON(ws, WSError{Type: "error", Error: wireError(err)})
		}
		return sendJSON(ws, WSBumpResponse{Type: "bump_response", BumpResult: result})

	default:
		return sendJSON(ws, WSError{Type: "error", Error: "unknown message type"})
	}
}

// handleMessageV2 delegates to v1 until the v2 signature scheme lands.
func handleMessageV2(ctx context.Context, a *actor.Actor, ws *websocket.Conn, req WSRequest) error {
	return handleMessageV1(ctx, a, ws, req)
}

// bumpParamsFromWire validates the dynamic fields of a bump frame into
// typed parameters.
func bumpParamsFromWire(scope, entityID string, cascade, dryRun bool, keyVersion string) (actor.BumpParams, error) {
	sc, err := bump.ParseScope(scope)
	if err != nil {
		return actor.BumpParams{}, err
	}
	kv, err := signing.ParseKeyVersion(keyVersion)
	if err != nil {
		return actor.BumpParams{}, err
	}
	return actor.BumpParams{
		Scope:      sc,
		EntityID:   entityID,
		Cascade:    cascade,
		DryRun:     dryRun,
		KeyVersion: kv,
	}, nil
}

// wireError maps internal errors to the short strings exposed to callers.
func wireError(err error) string {
	if errors.Is(err, bump.ErrEntityNotFound) {
		return "entity not found"
	}
	if errors.Is(err, signing.ErrKeyResolution) {
		return "signing failed"
	}
	return "internal error"
}
