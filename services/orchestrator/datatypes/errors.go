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
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// ErrorKind classifies a pipeline failure for retry decisions and for the
// explanation shown to the user.
type ErrorKind string

const (
	// KindConnectionFailure means the graph store (schema or execution) is
	// unreachable. Fatal for the current request.
	KindConnectionFailure ErrorKind = "connection_failure"

	// KindModelError means the language model was unreachable or produced
	// output with no parsable query.
	KindModelError ErrorKind = "model_error"

	// KindInvalidQuery means the candidate query failed static validation.
	KindInvalidQuery ErrorKind = "invalid_query"

	// KindExecutionFailure means the store rejected the query at runtime.
	KindExecutionFailure ErrorKind = "execution_failure"

	// KindTimeout means execution or generation exceeded its budget.
	KindTimeout ErrorKind = "timeout"

	// KindCancelled means the caller abandoned the request.
	KindCancelled ErrorKind = "cancelled"
)

// PipelineError is the classified error returned across component
// boundaries.
//
// # Description
//
// PipelineError carries the failure kind, the operation that failed and,
// when one exists, the offending query so it can be shown for diagnostics.
// It wraps the underlying cause; use errors.As to recover it and KindOf to
// read the kind from any wrapped chain.
//
// # Thread Safety
//
// Immutable after construction.
type PipelineError struct {
	// Kind is the failure classification.
	Kind ErrorKind

	// Op names the failing operation, e.g. "schema.fetch", "engine.execute".
	Op string

	// Query is the query involved in the failure, if any.
	Query string

	// Err is the underlying cause. May be nil.
	Err error
}

// NewError builds a PipelineError.
func NewError(kind ErrorKind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

// WithQuery returns a copy of e that records the offending query.
func (e *PipelineError) WithQuery(query string) *PipelineError {
	cp := *e
	cp.Query = query
	return &cp
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// UserMessage returns the human-readable explanation recorded in the
// conversation turn and returned to the presentation layer.
func (e *PipelineError) UserMessage() string {
	switch e.Kind {
	case KindConnectionFailure:
		return "I couldn't reach the graph database. Please check the connection and reinitialize before asking again."
	case KindModelError:
		return "I couldn't turn that question into a graph query. Try rephrasing it with the names of the assets or relationships you're interested in."
	case KindInvalidQuery:
		if e.Query != "" {
			return fmt.Sprintf("The generated query was rejected because it is not a valid read-only query: %s", e.Query)
		}
		return "The generated query was rejected because it is not a valid read-only query."
	case KindExecutionFailure:
		return "The graph database rejected the generated query. The question may refer to something the graph doesn't model."
	case KindTimeout:
		return "That took too long to answer. Try narrowing the question, for example by naming a specific asset or domain."
	case KindCancelled:
		return "The request was cancelled."
	default:
		return "Something went wrong while answering the question."
	}
}

// KindOf extracts the ErrorKind from err's chain.
//
// # Outputs
//
//   - ErrorKind: The kind of the first PipelineError in the chain.
//   - bool: False if err contains no PipelineError.
func KindOf(err error) (ErrorKind, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// IsKind reports whether err's chain contains a PipelineError of kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
