// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// SchemaResponse is returned by the schema endpoints.
type SchemaResponse struct {
	Version           uint64              `json:"version"`
	FetchedAt         string              `json:"fetched_at"`
	Labels            []string            `json:"labels"`
	RelationshipTypes []string            `json:"relationship_types"`
	Properties        map[string][]string `json:"properties,omitempty"`
	Summary           string              `json:"summary"`
}

// HandleGetSchema handles GET /v1/schema.
//
// Response:
//
//	200 OK: SchemaResponse
//	503 Service Unavailable: The graph database could not be introspected
func (h *Handlers) HandleGetSchema(c *gin.Context) {
	h.serveSchema(c, false)
}

// HandleRefreshSchema handles POST /v1/schema/refresh. The snapshot is
// re-fetched regardless of its age.
func (h *Handlers) HandleRefreshSchema(c *gin.Context) {
	h.serveSchema(c, true)
}

func (h *Handlers) serveSchema(c *gin.Context, force bool) {
	snap, err := h.pipeline.Schema().Fetch(c.Request.Context(), force)
	if err != nil {
		slog.Error("Schema fetch failed", "force", force, "error", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SchemaResponse{
		Version:           snap.Version,
		FetchedAt:         snap.FetchedAt.UTC().Format(time.RFC3339),
		Labels:            snap.Labels,
		RelationshipTypes: snap.RelationshipTypes,
		Properties:        snap.Properties,
		Summary:           snap.Summary(),
	})
}

// HandleStats handles GET /v1/stats.
func (h *Handlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipeline.Stats())
}

// HandleHealth handles GET /health.
//
// Response:
//
//	200 OK: Graph database reachable
//	503 Service Unavailable: Ping failed
func (h *Handlers) HandleHealth(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusOK, HealthResponse{Status: "ok", Graph: "unknown"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		slog.Warn("Health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Graph: "unreachable", Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Graph: "reachable"})
}
