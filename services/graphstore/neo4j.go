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
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jConfig holds connection settings for a Neo4j database.
type Neo4jConfig struct {
	URL      string
	Username string
	Password string
	// Database selects a named database. Empty uses the server default.
	Database string
}

// Neo4jStore implements Store on top of the official Neo4j driver.
//
// # Description
//
// All sessions are opened in read access mode and all work runs inside
// ExecuteRead. The server rejects any write that reaches it.
//
// # Thread Safety
//
// Safe for concurrent use. The driver owns a connection pool and each call
// opens its own session.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
}

var _ Store = (*Neo4jStore)(nil)

// NewNeo4jStore creates a driver for cfg. It does not dial; call Ping to
// verify connectivity.
//
// # Outputs
//
//   - *Neo4jStore: Ready store.
//   - error: ConnectionFailure if the URL or auth settings are malformed.
func NewNeo4jStore(cfg Neo4jConfig) (*Neo4jStore, error) {
	if cfg.URL == "" {
		return nil, datatypes.NewError(datatypes.KindConnectionFailure, "graphstore.connect",
			errors.New("neo4j url not set"))
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URL, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, datatypes.NewError(datatypes.KindConnectionFailure, "graphstore.connect",
			fmt.Errorf("creating neo4j driver: %w", err))
	}
	slog.Info("Neo4j driver created", "url", cfg.URL, "database", cfg.Database,
		"password_present", cfg.Password != "")
	return &Neo4jStore{driver: driver, database: cfg.Database}, nil
}

func (s *Neo4jStore) readSession(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: s.database,
	})
}

// Ping verifies that the server is reachable and the credentials work.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return datatypes.NewError(datatypes.KindConnectionFailure, "graphstore.ping", err)
	}
	return nil
}

// Close releases the driver's connection pool.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// FetchSchema introspects the graph vocabulary.
//
// # Description
//
// Runs db.labels() and db.relationshipTypes() in one read transaction.
// Property samples come from db.schema.nodeTypeProperties(); that call is
// optional because it is slow on large graphs and absent on old servers,
// so its failure only leaves Properties empty.
func (s *Neo4jStore) FetchSchema(ctx context.Context) (*RawSchema, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		labels, err := collectStrings(ctx, tx, "CALL db.labels() YIELD label RETURN label")
		if err != nil {
			return nil, fmt.Errorf("listing labels: %w", err)
		}
		relTypes, err := collectStrings(ctx, tx, "CALL db.relationshipTypes() YIELD relationshipType RETURN relationshipType")
		if err != nil {
			return nil, fmt.Errorf("listing relationship types: %w", err)
		}
		return &RawSchema{Labels: labels, RelationshipTypes: relTypes}, nil
	})
	if err != nil {
		return nil, classifyNeo4jError("graphstore.fetch_schema", "", err)
	}
	raw := out.(*RawSchema)

	props, err := s.fetchProperties(ctx)
	if err != nil {
		slog.Warn("Property introspection failed, continuing without properties", "error", err)
	}
	raw.Properties = props
	return raw, nil
}

func (s *Neo4jStore) fetchProperties(ctx context.Context) (map[string][]string, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx,
			"CALL db.schema.nodeTypeProperties() YIELD nodeLabels, propertyName RETURN nodeLabels, propertyName", nil)
		if err != nil {
			return nil, err
		}
		props := make(map[string]map[string]struct{})
		for result.Next(ctx) {
			record := result.Record()
			name, _ := record.Get("propertyName")
			prop, ok := name.(string)
			if !ok || prop == "" {
				continue
			}
			labelsVal, _ := record.Get("nodeLabels")
			labels, _ := labelsVal.([]any)
			for _, l := range labels {
				label, ok := l.(string)
				if !ok {
					continue
				}
				if props[label] == nil {
					props[label] = make(map[string]struct{})
				}
				props[label][prop] = struct{}{}
			}
		}
		return props, result.Err()
	})
	if err != nil {
		return nil, err
	}

	sets := out.(map[string]map[string]struct{})
	props := make(map[string][]string, len(sets))
	for label, set := range sets {
		names := make([]string, 0, len(set))
		for n := range set {
			names = append(names, n)
		}
		sort.Strings(names)
		props[label] = names
	}
	return props, nil
}

func collectStrings(ctx context.Context, tx neo4j.ManagedTransaction, query string) ([]string, error) {
	result, err := tx.Run(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	var out []string
	for result.Next(ctx) {
		if s, ok := result.Record().Values[0].(string); ok && s != "" {
			out = append(out, s)
		}
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Run executes query in a read transaction.
//
// # Description
//
// Consumes at most opts.MaxRecords records; the remainder of the stream is
// discarded when the transaction closes. Graph values are flattened into
// plain maps and lists (see FlattenValue) so that results are JSON-ready
// and independent of the driver.
func (s *Neo4jStore) Run(ctx context.Context, query string, params map[string]any, opts RunOptions) (*datatypes.QueryResult, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	var configurers []func(*neo4j.TransactionConfig)
	if opts.Timeout > 0 {
		configurers = append(configurers, neo4j.WithTxTimeout(opts.Timeout))
	}

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		keys, err := result.Keys()
		if err != nil {
			return nil, err
		}
		qr := &datatypes.QueryResult{Columns: keys, Rows: []datatypes.Row{}}
		for (opts.MaxRecords <= 0 || len(qr.Rows) < opts.MaxRecords) && result.Next(ctx) {
			record := result.Record()
			row := make(datatypes.Row, len(record.Keys))
			for i, k := range record.Keys {
				row[k] = FlattenValue(record.Values[i])
			}
			qr.Rows = append(qr.Rows, row)
		}
		if err := result.Err(); err != nil {
			return nil, err
		}
		return qr, nil
	}, configurers...)
	if err != nil {
		return nil, classifyNeo4jError("graphstore.run", query, err)
	}
	return out.(*datatypes.QueryResult), nil
}

// classifyNeo4jError maps driver errors onto the pipeline taxonomy.
func classifyNeo4jError(op, query string, err error) error {
	kind := datatypes.KindExecutionFailure
	var neoErr *neo4j.Neo4jError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = datatypes.KindTimeout
	case errors.Is(err, context.Canceled):
		kind = datatypes.KindCancelled
	case errors.As(err, &neoErr) && strings.Contains(neoErr.Code, "TransactionTimedOut"):
		kind = datatypes.KindTimeout
	case neo4j.IsConnectivityError(err):
		kind = datatypes.KindConnectionFailure
	case errors.As(err, &neoErr) && strings.HasPrefix(neoErr.Code, "Neo.ClientError.Security"):
		kind = datatypes.KindConnectionFailure
	}
	pe := datatypes.NewError(kind, op, err)
	if query != "" {
		pe = pe.WithQuery(query)
	}
	return pe
}

// FlattenValue converts driver values into JSON-ready Go values.
//
// # Description
//
//   - Node: map with "_id", "_labels" and the node properties.
//   - Relationship: map with "_id", "_type" and the relationship properties.
//   - Path: list alternating nodes and relationships.
//   - Lists and maps are flattened recursively.
//   - Temporal and spatial values are rendered with their String form.
//
// Scalars are returned unchanged.
func FlattenValue(v any) any {
	switch val := v.(type) {
	case nil, bool, int64, float64, string:
		return val
	case neo4j.Node:
		m := make(map[string]any, len(val.Props)+2)
		for k, p := range val.Props {
			m[k] = FlattenValue(p)
		}
		m["_id"] = val.ElementId
		m["_labels"] = append([]string(nil), val.Labels...)
		return m
	case neo4j.Relationship:
		m := make(map[string]any, len(val.Props)+2)
		for k, p := range val.Props {
			m[k] = FlattenValue(p)
		}
		m["_id"] = val.ElementId
		m["_type"] = val.Type
		return m
	case neo4j.Path:
		out := make([]any, 0, len(val.Nodes)+len(val.Relationships))
		for i, n := range val.Nodes {
			out = append(out, FlattenValue(n))
			if i < len(val.Relationships) {
				out = append(out, FlattenValue(val.Relationships[i]))
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = FlattenValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = FlattenValue(item)
		}
		return out
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	default:
		return val
	}
}
