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
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("graphask.graphstore")

const (
	// DefaultSchemaTTL is how long a snapshot is served before refetching.
	DefaultSchemaTTL = 10 * time.Minute

	// DefaultSchemaTimeout bounds one introspection round trip.
	DefaultSchemaTimeout = 15 * time.Second
)

// ErrEmptySchema is wrapped when introspection succeeds but reports no
// labels and no relationship types.
var ErrEmptySchema = errors.New("empty schema")

// =============================================================================
// SchemaSnapshot
// =============================================================================

// SchemaSnapshot is the graph vocabulary at a point in time.
//
// # Description
//
// A snapshot is immutable once published by the provider. Callers must not
// modify its slices or maps. Version increases whenever a fetch returns
// content different from the previous snapshot; cached query results
// record the version they were produced under.
type SchemaSnapshot struct {
	Labels            []string            `json:"labels"`
	RelationshipTypes []string            `json:"relationship_types"`
	Properties        map[string][]string `json:"properties"`
	FetchedAt         time.Time           `json:"fetched_at"`
	TTL               time.Duration       `json:"-"`
	Version           uint64              `json:"version"`
}

// Expired reports whether the snapshot is older than its TTL at now.
func (s *SchemaSnapshot) Expired(now time.Time) bool {
	return s.TTL > 0 && now.Sub(s.FetchedAt) >= s.TTL
}

// HasLabel reports whether label is part of the vocabulary.
func (s *SchemaSnapshot) HasLabel(label string) bool {
	_, found := slices.BinarySearch(s.Labels, label)
	return found
}

// HasRelationshipType reports whether relType is part of the vocabulary.
func (s *SchemaSnapshot) HasRelationshipType(relType string) bool {
	_, found := slices.BinarySearch(s.RelationshipTypes, relType)
	return found
}

// Summary renders the vocabulary as prompt-ready text.
//
// # Example
//
//	Node labels: Asset, Domain, Table
//	Relationship types: BELONGS_TO, OWNS
//	Properties:
//	  Asset: name, type
func (s *SchemaSnapshot) Summary() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Node labels: ")
	b.WriteString(strings.Join(s.Labels, ", "))
	b.WriteString("\nRelationship types: ")
	b.WriteString(strings.Join(s.RelationshipTypes, ", "))
	if len(s.Properties) > 0 {
		b.WriteString("\nProperties:")
		labels := make([]string, 0, len(s.Properties))
		for l := range s.Properties {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		for _, l := range labels {
			fmt.Fprintf(&b, "\n  %s: %s", l, strings.Join(s.Properties[l], ", "))
		}
	}
	return b.String()
}

func (s *SchemaSnapshot) sameContent(o *SchemaSnapshot) bool {
	if o == nil {
		return false
	}
	if !slices.Equal(s.Labels, o.Labels) || !slices.Equal(s.RelationshipTypes, o.RelationshipTypes) {
		return false
	}
	if len(s.Properties) != len(o.Properties) {
		return false
	}
	for k, v := range s.Properties {
		if !slices.Equal(v, o.Properties[k]) {
			return false
		}
	}
	return true
}

// =============================================================================
// SchemaProvider
// =============================================================================

// SchemaProvider caches the schema of one store for all sessions.
//
// # Description
//
// Fetch serves the cached snapshot until its TTL expires, then refetches.
// Concurrent refetches are collapsed into one store round trip with
// singleflight. Each round trip is bounded by the configured timeout.
//
// # Thread Safety
//
// Safe for concurrent use.
type SchemaProvider struct {
	store   Store
	ttl     time.Duration
	timeout time.Duration

	mu      sync.RWMutex
	current *SchemaSnapshot
	last    *SchemaSnapshot // survives Invalidate for version comparison
	version uint64

	group singleflight.Group
	now   func() time.Time
}

// NewSchemaProvider creates a provider over store.
//
// # Inputs
//
//   - store: Graph store to introspect.
//   - ttl: Snapshot lifetime. Values <= 0 use DefaultSchemaTTL.
//   - timeout: Per-fetch bound. Values <= 0 use DefaultSchemaTimeout.
func NewSchemaProvider(store Store, ttl, timeout time.Duration) *SchemaProvider {
	if ttl <= 0 {
		ttl = DefaultSchemaTTL
	}
	if timeout <= 0 {
		timeout = DefaultSchemaTimeout
	}
	return &SchemaProvider{
		store:   store,
		ttl:     ttl,
		timeout: timeout,
		now:     time.Now,
	}
}

// Fetch returns the current snapshot, refreshing it when expired or when
// forceRefresh is set.
//
// # Outputs
//
//   - *SchemaSnapshot: Read-only snapshot.
//   - error: *datatypes.PipelineError of kind ConnectionFailure, Timeout
//     when the fetch exceeded its bound, or Cancelled when ctx ended
//     first. A shared fetch keeps running for the other callers.
func (p *SchemaProvider) Fetch(ctx context.Context, forceRefresh bool) (*SchemaSnapshot, error) {
	if !forceRefresh {
		if snap := p.fresh(); snap != nil {
			return snap, nil
		}
	}

	ctx, span := tracer.Start(ctx, "SchemaProvider.Fetch")
	defer span.End()
	span.SetAttributes(attribute.Bool("schema.force_refresh", forceRefresh))

	key := "schema"
	if forceRefresh {
		key = "schema:force"
	}
	// The shared fetch outlives any single caller; each caller waits on
	// its own ctx so one cancellation never fails the others.
	detached := context.WithoutCancel(ctx)
	ch := p.group.DoChan(key, func() (any, error) {
		if !forceRefresh {
			if snap := p.fresh(); snap != nil {
				return snap, nil
			}
		}
		return p.refresh(detached)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		err := datatypes.NewError(datatypes.KindCancelled, "schema.fetch", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled")
		return nil, err
	}
	span.SetAttributes(attribute.Bool("schema.shared", res.Shared))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		return nil, res.Err
	}
	snap, ok := res.Val.(*SchemaSnapshot)
	if !ok {
		err := fmt.Errorf("unexpected type from schema singleflight: got %T", res.Val)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, datatypes.NewError(datatypes.KindConnectionFailure, "schema.fetch", err)
	}
	span.SetAttributes(attribute.Int64("schema.version", int64(snap.Version)))
	return snap, nil
}

func (p *SchemaProvider) fresh() *SchemaSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current != nil && !p.current.Expired(p.now()) {
		return p.current
	}
	return nil
}

func (p *SchemaProvider) refresh(ctx context.Context) (*SchemaSnapshot, error) {
	fctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.now()
	raw, err := p.store.FetchSchema(fctx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(fctx.Err(), context.DeadlineExceeded) {
			slog.Error("Schema fetch timed out", "timeout", p.timeout)
			return nil, datatypes.NewError(datatypes.KindTimeout, "schema.fetch",
				fmt.Errorf("schema fetch exceeded %s: %w", p.timeout, err))
		}
		slog.Error("Schema fetch failed", "error", err)
		return nil, datatypes.NewError(datatypes.KindConnectionFailure, "schema.fetch", err)
	}
	if raw == nil || (len(raw.Labels) == 0 && len(raw.RelationshipTypes) == 0) {
		slog.Error("Schema fetch returned an empty vocabulary")
		return nil, datatypes.NewError(datatypes.KindConnectionFailure, "schema.fetch", ErrEmptySchema)
	}

	snap := &SchemaSnapshot{
		Labels:            sortedCopy(raw.Labels),
		RelationshipTypes: sortedCopy(raw.RelationshipTypes),
		Properties:        make(map[string][]string, len(raw.Properties)),
		FetchedAt:         p.now(),
		TTL:               p.ttl,
	}
	for label, props := range raw.Properties {
		snap.Properties[label] = sortedCopy(props)
	}

	p.mu.Lock()
	if !snap.sameContent(p.last) {
		p.version++
	}
	snap.Version = p.version
	p.current = snap
	p.last = snap
	p.mu.Unlock()

	slog.Info("Schema snapshot refreshed",
		"labels", len(snap.Labels),
		"relationship_types", len(snap.RelationshipTypes),
		"version", snap.Version,
		"duration_ms", p.now().Sub(start).Milliseconds())
	return snap, nil
}

// Invalidate drops the cached snapshot so the next Fetch refetches.
func (p *SchemaProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
}

// Current returns the cached snapshot, expired or not, without I/O. Nil
// when nothing has been fetched yet.
func (p *SchemaProvider) Current() *SchemaSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Version returns the version of the most recent snapshot, 0 before the
// first successful fetch.
func (p *SchemaProvider) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// Summary renders the cached snapshot, "" when none is cached.
func (p *SchemaProvider) Summary() string {
	return p.Current().Summary()
}

func sortedCopy(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}
