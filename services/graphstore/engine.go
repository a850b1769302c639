// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultRowLimit is the most rows returned to the composer.
	DefaultRowLimit = 100

	// DefaultExecutionTimeout bounds one query execution.
	DefaultExecutionTimeout = 30 * time.Second
)

// Engine executes validated queries against a Store.
//
// # Description
//
// Engine adds the two guarantees the pipeline relies on: execution never
// outlives its timeout, and at most rowLimit rows come back. It asks the
// store for rowLimit+1 records; the extra record only signals truncation
// and is dropped.
//
// # Thread Safety
//
// Safe for concurrent use if the Store is.
type Engine struct {
	store Store
}

// NewEngine creates an engine over store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// Execute runs query with a timeout and row limit.
//
// # Inputs
//
//   - ctx: Caller context. Cancellation aborts execution.
//   - query: Validated read-only query.
//   - params: Query parameters. May be nil.
//   - timeout: Execution bound. Values <= 0 use DefaultExecutionTimeout.
//   - rowLimit: Maximum rows returned. Values <= 0 use DefaultRowLimit.
//
// # Outputs
//
//   - *datatypes.QueryResult: At most rowLimit rows; Truncated set when the
//     store had more.
//   - error: *datatypes.PipelineError of kind Timeout, ExecutionFailure,
//     ConnectionFailure or Cancelled. The error records the query.
func (e *Engine) Execute(ctx context.Context, query string, params map[string]any, timeout time.Duration, rowLimit int) (*datatypes.QueryResult, error) {
	if timeout <= 0 {
		timeout = DefaultExecutionTimeout
	}
	if rowLimit <= 0 {
		rowLimit = DefaultRowLimit
	}

	ctx, span := tracer.Start(ctx, "Engine.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int("engine.row_limit", rowLimit),
		attribute.Int64("engine.timeout_ms", timeout.Milliseconds()),
	)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := e.store.Run(execCtx, query, params, RunOptions{
		MaxRecords: rowLimit + 1,
		Timeout:    timeout,
	})
	if err != nil {
		pe := e.classify(ctx, execCtx, query, err)
		span.RecordError(pe)
		span.SetStatus(codes.Error, pe.Error())
		slog.Warn("Query execution failed",
			"kind", pe.Kind,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return nil, pe
	}
	if result == nil {
		result = &datatypes.QueryResult{}
	}
	if result.Rows == nil {
		result.Rows = []datatypes.Row{}
	}
	if len(result.Rows) > rowLimit {
		result.Rows = result.Rows[:rowLimit]
		result.Truncated = true
	}

	span.SetAttributes(
		attribute.Int("engine.rows", len(result.Rows)),
		attribute.Bool("engine.truncated", result.Truncated),
	)
	slog.Debug("Query executed",
		"rows", len(result.Rows),
		"truncated", result.Truncated,
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// classify maps a store error to its pipeline kind. Deadline expiry of the
// execution context always wins over whatever the driver reported.
func (e *Engine) classify(parent, execCtx context.Context, query string, err error) *datatypes.PipelineError {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return datatypes.NewError(datatypes.KindCancelled, "engine.execute", parent.Err()).WithQuery(query)
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return datatypes.NewError(datatypes.KindTimeout, "engine.execute", err).WithQuery(query)
	}
	if kind, ok := datatypes.KindOf(err); ok {
		return datatypes.NewError(kind, "engine.execute", err).WithQuery(query)
	}
	return datatypes.NewError(datatypes.KindExecutionFailure, "engine.execute", err).WithQuery(query)
}
