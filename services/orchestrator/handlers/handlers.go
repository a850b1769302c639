// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the question pipeline over HTTP.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
	"github.com/AleutianAI/graphask/services/orchestrator/middleware"
	"github.com/AleutianAI/graphask/services/orchestrator/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// healthTimeout bounds the graph database ping behind /health.
const healthTimeout = 3 * time.Second

// Pinger checks connectivity to the graph database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers serves the session, schema and status endpoints.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in the pipeline.
type Handlers struct {
	pipeline *pipeline.Pipeline
	store    Pinger
}

// NewHandlers creates handlers for the given pipeline. store backs the
// health check and may be nil.
func NewHandlers(p *pipeline.Pipeline, store Pinger) *Handlers {
	return &Handlers{pipeline: p, store: store}
}

// =============================================================================
// Response Types
// =============================================================================

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`
}

// SessionResponse is returned by session administration endpoints.
type SessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status,omitempty"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status string `json:"status"`
	Graph  string `json:"graph"`
	Error  string `json:"error,omitempty"`
}

// =============================================================================
// Helpers
// =============================================================================

func getOrCreateRequestID(c *gin.Context) string {
	if requestID := middleware.GetRequestID(c); requestID != "" {
		return requestID
	}
	requestID := c.GetHeader(middleware.HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	middleware.SetRequestID(c, requestID)
	return requestID
}

// errorStatus maps an error returned by the pipeline or session manager to
// an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, pipeline.ErrEmptyQuestion):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case datatypes.IsKind(err, datatypes.KindCancelled):
		return http.StatusRequestTimeout, "REQUEST_CANCELLED"
	case datatypes.IsKind(err, datatypes.KindConnectionFailure):
		return http.StatusServiceUnavailable, "GRAPH_UNAVAILABLE"
	case datatypes.IsKind(err, datatypes.KindTimeout):
		return http.StatusGatewayTimeout, "GRAPH_TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	var pe *datatypes.PipelineError
	if errors.As(err, &pe) {
		msg = pe.UserMessage()
	}
	c.JSON(status, ErrorResponse{Error: msg, Code: code})
}
