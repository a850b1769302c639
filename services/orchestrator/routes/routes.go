// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/graphask/services/orchestrator/handlers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes registers all endpoints on router.
//
// Endpoints:
//
//	GET    /health                         - Graph database reachability
//	GET    /metrics                        - Prometheus metrics from gatherer
//	POST   /v1/sessions                    - Start a conversation
//	POST   /v1/sessions/:sessionId/ask     - Ask a question
//	GET    /v1/sessions/:sessionId/history - Turns so far
//	GET    /v1/sessions/:sessionId/export  - Download the turns as JSON
//	POST   /v1/sessions/:sessionId/clear   - Forget the turns
//	DELETE /v1/sessions/:sessionId         - End a conversation
//	GET    /v1/schema                      - Current schema snapshot
//	POST   /v1/schema/refresh              - Re-introspect the database
//	GET    /v1/stats                       - Cache, session and schema stats
//
// gatherer may be nil, in which case /metrics is not registered.
func SetupRoutes(router *gin.Engine, h *handlers.Handlers, gatherer prometheus.Gatherer) {
	router.GET("/health", h.HandleHealth)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", h.HandleCreateSession)
			sessions.POST("/:sessionId/ask", h.HandleAsk)
			sessions.GET("/:sessionId/history", h.HandleGetHistory)
			sessions.GET("/:sessionId/export", h.HandleExportSession)
			sessions.POST("/:sessionId/clear", h.HandleClearSession)
			sessions.DELETE("/:sessionId", h.HandleDeleteSession)
		}
		v1.GET("/schema", h.HandleGetSchema)
		v1.POST("/schema/refresh", h.HandleRefreshSchema)
		v1.GET("/stats", h.HandleStats)
	}
}
