// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package srcsession

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/srcsession/services/srcsession/telemetry"
)

// RegisterRoutes registers all session routes with the router.
//
// Description:
//
//	Registers all /v1/srcsession/* endpoints with the given Gin router group.
//	Identity keys contain "/" and ":" and are sent path-escaped, so the
//	engine must route on the raw path (see NewRouter).
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST   /v1/srcsession/documents - Open a document
//	GET    /v1/srcsession/documents - List open documents
//	GET    /v1/srcsession/documents/:key - Get one document
//	DELETE /v1/srcsession/documents/:key - Close a document
//	POST   /v1/srcsession/documents/:key/dirty - Mark dirty or saved
//	POST   /v1/srcsession/documents/:key/save - Upload and mark saved
//	GET    /v1/srcsession/documents/:key/commands - Compile commands
//	POST   /v1/srcsession/documents/:key/compile - Queue a compile
//	POST   /v1/srcsession/focus - Set the active document
//	GET    /v1/srcsession/events - Websocket event stream
//	GET    /v1/srcsession/health - Health check
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	srcsession := rg.Group("/srcsession")
	{
		// Document lifecycle
		srcsession.POST("/documents", handlers.HandleOpen)
		srcsession.GET("/documents", handlers.HandleListDocuments)
		srcsession.GET("/documents/:key", handlers.HandleGetDocument)
		srcsession.DELETE("/documents/:key", handlers.HandleClose)
		srcsession.POST("/documents/:key/dirty", handlers.HandleDirty)
		srcsession.POST("/documents/:key/save", handlers.HandleSave)
		srcsession.POST("/focus", handlers.HandleFocus)

		// Compile
		srcsession.GET("/documents/:key/commands", handlers.HandleCommands)
		srcsession.POST("/documents/:key/compile", handlers.HandleCompile)

		// Notifications
		srcsession.GET("/events", handlers.HandleEventStream)

		// Health checks
		srcsession.GET("/health", handlers.HandleHealth)
	}
}

// NewRouter builds a Gin engine serving the session routes.
//
// Description:
//
//	The engine routes on the escaped path so that a path-escaped identity
//	key stays one path segment, recovers from handler panics, traces every
//	request with otelgin and records request metrics. /metrics is served
//	when the Prometheus exporter is enabled.
//
// Inputs:
//
//	svc - The service to serve.
//	serviceName - Name reported on request spans.
//
// Outputs:
//
//	*gin.Engine - The configured engine.
func NewRouter(svc *Service, serviceName string) *gin.Engine {
	router := gin.New()
	router.UseRawPath = true
	router.UnescapePathValues = true
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	if metrics, err := telemetry.NewHTTPMetrics(otel.Meter("srcsession.http")); err == nil {
		router.Use(metrics.GinMiddleware())
	} else {
		slog.Warn("HTTP metrics disabled", "error", err)
	}
	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}

	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(svc))
	return router
}
