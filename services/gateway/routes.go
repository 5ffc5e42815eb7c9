// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vergraph/vergraph/services/actor"
	"github.com/vergraph/vergraph/services/resolver"
	"github.com/vergraph/vergraph/services/signing"
)

// Deps carries everything the route table needs.
type Deps struct {
	Guard    *Guard
	Actor    *actor.Actor
	Resolver *resolver.Resolver
	Signer   *signing.Signer
}

// SetupRoutes registers the full HTTP surface on a gin engine.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", HealthCheck(deps.Actor))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.GET("/registry", GetRegistry(deps.Actor))
		v1.GET("/registry/resolved", GetResolvedRegistry(deps.Actor, deps.Resolver))
		v1.GET("/affected/:id", GetAffectedEntities(deps.Actor))
		v1.POST("/bump", HandleBump(deps.Actor))
		v1.POST("/token", MintCSRFToken(deps.Signer))
		v1.GET("/ws", HandleWebSocket(deps.Guard, deps.Actor))
	}
}
