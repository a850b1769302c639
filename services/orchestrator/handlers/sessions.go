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
	"fmt"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/graphask/services/orchestrator/conversation"
	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
)

// HandleCreateSession handles POST /v1/sessions.
//
// Response:
//
//	201 Created: SessionResponse
func (h *Handlers) HandleCreateSession(c *gin.Context) {
	id := h.pipeline.Sessions().NewSession()
	c.JSON(http.StatusCreated, SessionResponse{SessionID: id, Status: "created"})
}

// HandleAsk handles POST /v1/sessions/:sessionId/ask.
//
// Description:
//
//	Runs one question through the pipeline. A pipeline failure is still a
//	200 response: the body carries Status FAILED, the error kind and a
//	user-facing explanation.
//
// Request Body:
//
//	datatypes.AskRequest
//
// Response:
//
//	200 OK: datatypes.AskResponse
//	400 Bad Request: Missing or oversized question
//	404 Not Found: Unknown session
//	408 Request Timeout: Client went away before the answer was ready
func (h *Handlers) HandleAsk(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	sessionID := c.Param("sessionId")
	logger := slog.With("request_id", requestID, "handler", "HandleAsk", "session_id", sessionID)

	var req datatypes.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	if err := req.Validate(); err != nil {
		logger.Warn("Ask request failed validation", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	resp, err := h.pipeline.Ask(c.Request.Context(), sessionID, req.Question)
	if err != nil {
		logger.Warn("Ask did not complete", "error", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleGetHistory handles GET /v1/sessions/:sessionId/history.
func (h *Handlers) HandleGetHistory(c *gin.Context) {
	sessionID := c.Param("sessionId")
	turns, err := h.pipeline.Sessions().History(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if turns == nil {
		turns = []conversation.Turn{}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "turns": turns})
}

// HandleExportSession handles GET /v1/sessions/:sessionId/export.
//
// Response:
//
//	200 OK: JSON document with the session's turns, served as an attachment
//	404 Not Found: Unknown session
func (h *Handlers) HandleExportSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	data, err := h.pipeline.Sessions().Export(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=session-%s.json", sessionID))
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

// HandleClearSession handles POST /v1/sessions/:sessionId/clear.
func (h *Handlers) HandleClearSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.pipeline.Sessions().Clear(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionResponse{SessionID: sessionID, Status: "cleared"})
}

// HandleDeleteSession handles DELETE /v1/sessions/:sessionId.
func (h *Handlers) HandleDeleteSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.pipeline.Sessions().Delete(sessionID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionResponse{SessionID: sessionID, Status: "deleted"})
}
