// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	RequestID ──► read or mint X-Request-ID, store it in the Gin context
//	   │
//	   ▼
//	AccessLog ──► one structured record per request after the handler runs
//	   │
//	   ▼
//	Handler (retrieves the id via GetRequestID)
package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-ID"

// maxRequestIDLen bounds caller-supplied ids; longer ones are replaced.
const maxRequestIDLen = 128

// requestIDKey is the Gin context key for the request id.
const requestIDKey = "graphask_request_id"

// =============================================================================
// Context Helpers
// =============================================================================

// SetRequestID stores the request id in the Gin context and echoes it in
// the response header.
func SetRequestID(c *gin.Context, id string) {
	c.Set(requestIDKey, id)
	c.Header(HeaderRequestID, id)
}

// GetRequestID returns the id stored by RequestID, or "" when the
// middleware did not run.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func GetRequestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// =============================================================================
// Middleware
// =============================================================================

// RequestID creates a Gin middleware that assigns every request an id.
//
// # Description
//
// A caller-supplied X-Request-ID is kept when it is non-empty and at most
// maxRequestIDLen bytes; otherwise a UUID is generated. The id is stored
// for GetRequestID and returned in the response header.
//
// # Examples
//
//	router.Use(middleware.RequestID())
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		SetRequestID(c, id)
		c.Next()
	}
}

// AccessLog creates a Gin middleware that writes one record per request
// to logger after the handler chain completes.
//
// # Description
//
// Server errors log at Error, client errors at Warn, everything else at
// Debug so health checks and metric scrapes stay quiet at the default
// level. The record carries the request id when RequestID ran first.
//
// # Inputs
//
//   - logger: Destination. Nil uses slog.Default() at request time.
func AccessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		l := logger
		if l == nil {
			l = slog.Default()
		}
		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		l.LogAttrs(c.Request.Context(), level, "HTTP request",
			slog.String("request_id", GetRequestID(c)),
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
			slog.Int("bytes", c.Writer.Size()),
		)
	}
}
