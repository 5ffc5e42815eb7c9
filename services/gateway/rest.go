// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vergraph/vergraph/services/actor"
	"github.com/vergraph/vergraph/services/bump"
	"github.com/vergraph/vergraph/services/resolver"
	"github.com/vergraph/vergraph/services/signing"
)

// BumpRequest is the REST bump body. Gin's binding layer (go-playground
// validator underneath) rejects malformed requests before they reach the
// actor.
type BumpRequest struct {
	Scope      string `json:"scope" binding:"required,oneof=major minor patch"`
	EntityID   string `json:"entityId,omitempty"`
	Cascade    bool   `json:"cascade,omitempty"`
	DryRun     bool   `json:"dryRun,omitempty"`
	KeyVersion string `json:"keyVersion,omitempty" binding:"omitempty,oneof=v1 v2"`
}

// HealthCheck reports liveness and the actor's lifecycle state.
func HealthCheck(a *actor.Actor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"lifecycle": a.State(),
		})
	}
}

// GetRegistry returns the current snapshot and lifecycle state.
func GetRegistry(a *actor.Actor) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, state := a.Refresh(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"entities":  snap,
			"lifecycle": state,
		})
	}
}

// GetResolvedRegistry runs a read-only resolver pass over the snapshot.
// Dashboards use this to show live versions next to declared ones.
func GetResolvedRegistry(a *actor.Actor, r *resolver.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, state := a.Refresh(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"entities":  r.ResolveAll(snap),
			"lifecycle": state,
		})
	}
}

// GetAffectedEntities returns the transitive closure preview for an entity.
func GetAffectedEntities(a *actor.Actor) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		affected := a.AffectedEntities(id)
		if affected == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "entity not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entityId": id, "affected": affected})
	}
}

// HandleBump is the REST equivalent of the realtime bump message. The
// signature is duplicated into a response header so callers that only keep
// the body of a proxy log can still verify.
func HandleBump(a *actor.Actor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req BumpRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bump request"})
			return
		}

		params, err := bumpParamsFromWire(req.Scope, req.EntityID, req.Cascade, req.DryRun, req.KeyVersion)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := a.Bump(c.Request.Context(), params)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, bump.ErrEntityNotFound) {
				status = http.StatusBadRequest
			}
			slog.Error("bump request failed", "error", err, "entity", req.EntityID)
			c.JSON(status, gin.H{"error": wireError(err)})
			return
		}

		if result.Signature != "" {
			c.Header(SignatureHeader, result.Signature)
		}
		c.JSON(http.StatusOK, result)
	}
}

// MintCSRFToken issues a one-time upgrade token. This is the out-of-band
// channel the dashboard collaborator uses before opening a realtime
// connection.
func MintCSRFToken(signer *signing.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := signer.MintToken(c.Request.Context())
		if err != nil {
			slog.Error("failed to mint csrf token", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token minting failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	}
}
