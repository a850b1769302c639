// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxQuestionBytes bounds the size of a single question.
const MaxQuestionBytes = 4096

// =============================================================================
// Shared Validator Instance
// =============================================================================

// askValidate is the validator instance for ask datatypes.
var askValidate = validator.New()

// =============================================================================
// Turn Status
// =============================================================================

// TurnStatus is the outcome recorded on a conversation turn.
type TurnStatus string

const (
	StatusSuccess TurnStatus = "SUCCESS"
	StatusFailed  TurnStatus = "FAILED"
	StatusCached  TurnStatus = "CACHED"
)

// =============================================================================
// Ask Request / Response
// =============================================================================

// AskRequest is the body of POST /v1/sessions/:id/ask.
//
// # Validation
//
// Uses go-playground/validator:
//   - Question: required, at most MaxQuestionBytes bytes
type AskRequest struct {
	Question string `json:"question" validate:"required,max=4096"`
}

// Validate checks the request against its struct tags after trimming the
// question.
func (r *AskRequest) Validate() error {
	r.Question = strings.TrimSpace(r.Question)
	if err := askValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid ask request: %w", err)
	}
	return nil
}

// AskResponse is the result of one pipeline run as seen by the
// presentation layer.
//
// # Fields
//
//   - Answer: Conversational answer (or a failure explanation).
//   - Query: The generated query, empty when none was produced.
//   - Columns, Rows, Truncated: Structured result data.
//   - Status: SUCCESS, FAILED or CACHED.
//   - LatencyMs: Wall-clock time for the request.
//   - Attempts: Number of translation attempts made.
//   - ErrorKind: Set when Status is FAILED.
//   - Error: The underlying failure. Not serialized.
type AskResponse struct {
	SessionID string     `json:"session_id"`
	Question  string     `json:"question"`
	Answer    string     `json:"answer"`
	Query     string     `json:"query,omitempty"`
	Columns   []string   `json:"columns,omitempty"`
	Rows      []Row      `json:"rows"`
	Truncated bool       `json:"truncated"`
	Status    TurnStatus `json:"status"`
	LatencyMs int64      `json:"latency_ms"`
	Attempts  int        `json:"attempts"`
	ErrorKind ErrorKind  `json:"error_kind,omitempty"`

	// Error is the classified failure behind a FAILED status.
	Error *PipelineError `json:"-"`
}
