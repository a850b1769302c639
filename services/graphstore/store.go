// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graphstore provides read-only access to the metadata graph.
//
// # Description
//
// The package is split into three layers:
//
//   - Store: the driver boundary (Neo4jStore in production, fakes in tests).
//   - SchemaProvider: a TTL cache of the graph vocabulary, shared by all
//     sessions of one store.
//   - Engine: bounded execution of validated queries with a timeout and a
//     row limit.
//
// Every error that leaves this package is a *datatypes.PipelineError with
// kind ConnectionFailure, ExecutionFailure or Timeout.
package graphstore

import (
	"context"
	"time"

	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
)

// RawSchema is the vocabulary reported by one introspection round trip.
type RawSchema struct {
	Labels            []string
	RelationshipTypes []string
	// Properties maps a label to its known property names. May be empty
	// when the store cannot report property samples.
	Properties map[string][]string
}

// RunOptions bounds one query execution.
type RunOptions struct {
	// MaxRecords is the most records the store consumes. Zero means no
	// bound.
	MaxRecords int

	// Timeout is passed to the store as a transaction timeout. Zero means
	// the store default.
	Timeout time.Duration
}

// Store is the minimal graph-store surface the pipeline depends on.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// FetchSchema introspects labels, relationship types and properties.
	FetchSchema(ctx context.Context) (*RawSchema, error)

	// Run executes a read-only query and returns at most opts.MaxRecords
	// rows in store order.
	Run(ctx context.Context, query string, params map[string]any, opts RunOptions) (*datatypes.QueryResult, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the connection pool.
	Close(ctx context.Context) error
}
