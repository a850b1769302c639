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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeStore struct {
	mu          sync.Mutex
	schema      *RawSchema
	schemaErr   error
	schemaDelay time.Duration
	schemaCalls atomic.Int32

	rows    int
	runErr  error
	block   bool
	lastOpt RunOptions
}

func (f *fakeStore) FetchSchema(ctx context.Context) (*RawSchema, error) {
	f.schemaCalls.Add(1)
	if f.schemaDelay > 0 {
		select {
		case <-time.After(f.schemaDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.schemaErr != nil {
		return nil, f.schemaErr
	}
	return f.schema, nil
}

func (f *fakeStore) Run(ctx context.Context, query string, params map[string]any, opts RunOptions) (*datatypes.QueryResult, error) {
	f.mu.Lock()
	f.lastOpt = opts
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.runErr != nil {
		return nil, f.runErr
	}
	qr := &datatypes.QueryResult{Columns: []string{"n"}}
	for i := 0; i < f.rows && (opts.MaxRecords <= 0 || i < opts.MaxRecords); i++ {
		qr.Rows = append(qr.Rows, datatypes.Row{"n": int64(i)})
	}
	return qr, nil
}

func (f *fakeStore) Ping(ctx context.Context) error  { return nil }
func (f *fakeStore) Close(ctx context.Context) error { return nil }

func testSchema() *RawSchema {
	return &RawSchema{
		Labels:            []string{"Table", "Asset", "Domain"},
		RelationshipTypes: []string{"OWNS", "BELONGS_TO"},
		Properties:        map[string][]string{"Asset": {"type", "name"}},
	}
}

// =============================================================================
// SchemaProvider Tests
// =============================================================================

func TestSchemaProvider_CachesWithinTTL(t *testing.T) {
	store := &fakeStore{schema: testSchema()}
	p := NewSchemaProvider(store, time.Minute, time.Second)

	s1, err := p.Fetch(context.Background(), false)
	require.NoError(t, err)
	s2, err := p.Fetch(context.Background(), false)
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.EqualValues(t, 1, store.schemaCalls.Load())
	assert.Equal(t, []string{"Asset", "Domain", "Table"}, s1.Labels)
	assert.Equal(t, []string{"name", "type"}, s1.Properties["Asset"])
	assert.EqualValues(t, 1, s1.Version)
}

func TestSchemaProvider_RefetchesAfterTTL(t *testing.T) {
	store := &fakeStore{schema: testSchema()}
	p := NewSchemaProvider(store, time.Minute, time.Second)
	now := time.Now()
	p.now = func() time.Time { return now }

	_, err := p.Fetch(context.Background(), false)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	snap, err := p.Fetch(context.Background(), false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, store.schemaCalls.Load())
	assert.EqualValues(t, 1, snap.Version, "unchanged content keeps its version")
}

func TestSchemaProvider_ForceRefreshBumpsVersionOnChange(t *testing.T) {
	store := &fakeStore{schema: testSchema()}
	p := NewSchemaProvider(store, time.Hour, time.Second)

	_, err := p.Fetch(context.Background(), false)
	require.NoError(t, err)

	store.mu.Lock()
	store.schema = &RawSchema{Labels: []string{"Asset", "Steward"}, RelationshipTypes: []string{"STEWARDS"}}
	store.mu.Unlock()

	snap, err := p.Fetch(context.Background(), true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap.Version)
	assert.True(t, snap.HasLabel("Steward"))
	assert.False(t, snap.HasLabel("Table"))
	assert.EqualValues(t, 2, p.Version())
}

func TestSchemaProvider_InvalidateKeepsVersionForSameContent(t *testing.T) {
	store := &fakeStore{schema: testSchema()}
	p := NewSchemaProvider(store, time.Hour, time.Second)

	_, err := p.Fetch(context.Background(), false)
	require.NoError(t, err)
	p.Invalidate()
	assert.Nil(t, p.Current())

	snap, err := p.Fetch(context.Background(), false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.Version)
	assert.EqualValues(t, 2, store.schemaCalls.Load())
}

func TestSchemaProvider_EmptySchemaIsConnectionFailure(t *testing.T) {
	store := &fakeStore{schema: &RawSchema{}}
	p := NewSchemaProvider(store, time.Hour, time.Second)

	_, err := p.Fetch(context.Background(), false)
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindConnectionFailure))
	assert.ErrorIs(t, err, ErrEmptySchema)
}

func TestSchemaProvider_StoreErrorIsConnectionFailure(t *testing.T) {
	store := &fakeStore{schemaErr: errors.New("dial tcp: connection refused")}
	p := NewSchemaProvider(store, time.Hour, time.Second)

	_, err := p.Fetch(context.Background(), false)
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindConnectionFailure))
}

func TestSchemaProvider_FetchHonorsTimeout(t *testing.T) {
	store := &fakeStore{schema: testSchema(), schemaDelay: time.Second}
	p := NewSchemaProvider(store, time.Hour, 20*time.Millisecond)

	start := time.Now()
	_, err := p.Fetch(context.Background(), false)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, datatypes.IsKind(err, datatypes.KindTimeout), "got %v", err)
}

func TestSchemaProvider_CancelledCallerDoesNotFailOthers(t *testing.T) {
	store := &fakeStore{schema: testSchema(), schemaDelay: 100 * time.Millisecond}
	p := NewSchemaProvider(store, time.Hour, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := p.Fetch(ctx, false)
		first <- err
	}()
	require.Eventually(t, func() bool { return store.schemaCalls.Load() == 1 },
		time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := p.Fetch(context.Background(), false)
		second <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-first
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindCancelled), "got %v", err)

	require.NoError(t, <-second)
	require.NotNil(t, p.Current(), "the shared fetch completes after its first caller left")
	assert.EqualValues(t, 1, store.schemaCalls.Load())
}

func TestSchemaProvider_ConcurrentFetchesCollapse(t *testing.T) {
	store := &fakeStore{schema: testSchema(), schemaDelay: 50 * time.Millisecond}
	p := NewSchemaProvider(store, time.Hour, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Fetch(context.Background(), false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, store.schemaCalls.Load())
}

func TestSchemaSnapshot_Summary(t *testing.T) {
	store := &fakeStore{schema: testSchema()}
	p := NewSchemaProvider(store, time.Hour, time.Second)
	assert.Empty(t, p.Summary())

	_, err := p.Fetch(context.Background(), false)
	require.NoError(t, err)

	summary := p.Summary()
	assert.Contains(t, summary, "Node labels: Asset, Domain, Table")
	assert.Contains(t, summary, "Relationship types: BELONGS_TO, OWNS")
	assert.Contains(t, summary, "Asset: name, type")
}

// =============================================================================
// Engine Tests
// =============================================================================

func TestEngine_RowLimitInvariant(t *testing.T) {
	const limit = 10
	tests := []struct {
		rows          int
		wantRows      int
		wantTruncated bool
	}{
		{0, 0, false},
		{5, 5, false},
		{limit, limit, false},
		{limit + 1, limit, true},
		{500, limit, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("rows=%d", tt.rows), func(t *testing.T) {
			store := &fakeStore{rows: tt.rows}
			engine := NewEngine(store)

			result, err := engine.Execute(context.Background(), "MATCH (n) RETURN n", nil, time.Second, limit)
			require.NoError(t, err)
			assert.Len(t, result.Rows, tt.wantRows)
			assert.LessOrEqual(t, len(result.Rows), limit)
			assert.Equal(t, tt.wantTruncated, result.Truncated)
			assert.NotNil(t, result.Rows)
			assert.Equal(t, limit+1, store.lastOpt.MaxRecords)
		})
	}
}

func TestEngine_TimeoutIsClassified(t *testing.T) {
	store := &fakeStore{block: true}
	engine := NewEngine(store)

	_, err := engine.Execute(context.Background(), "MATCH (n) RETURN n", nil, 20*time.Millisecond, 10)
	require.Error(t, err)

	var pe *datatypes.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, datatypes.KindTimeout, pe.Kind)
	assert.Equal(t, "MATCH (n) RETURN n", pe.Query)
}

func TestEngine_CancellationIsClassified(t *testing.T) {
	store := &fakeStore{block: true}
	engine := NewEngine(store)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := engine.Execute(ctx, "MATCH (n) RETURN n", nil, time.Second, 10)
	assert.True(t, datatypes.IsKind(err, datatypes.KindCancelled))
}

func TestEngine_StoreErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want datatypes.ErrorKind
	}{
		{"plain error", errors.New("Unknown function 'foo'"), datatypes.KindExecutionFailure},
		{"classified connection", datatypes.NewError(datatypes.KindConnectionFailure, "graphstore.run", errors.New("refused")), datatypes.KindConnectionFailure},
		{"classified execution", datatypes.NewError(datatypes.KindExecutionFailure, "graphstore.run", errors.New("syntax")), datatypes.KindExecutionFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewEngine(&fakeStore{runErr: tt.err})
			_, err := engine.Execute(context.Background(), "MATCH (n) RETURN n", nil, time.Second, 10)
			kind, ok := datatypes.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, kind)
		})
	}
}

// =============================================================================
// Neo4j value flattening
// =============================================================================

func TestFlattenValue_GraphTypes(t *testing.T) {
	owner := neo4j.Node{ElementId: "4:a:1", Labels: []string{"Person"}, Props: map[string]any{"name": "Alice"}}
	table := neo4j.Node{ElementId: "4:a:2", Labels: []string{"Table"}, Props: map[string]any{"name": "Customer"}}
	owns := neo4j.Relationship{ElementId: "5:a:1", Type: "OWNS", Props: map[string]any{"since": int64(2021)}}

	n := FlattenValue(owner).(map[string]any)
	assert.Equal(t, "Alice", n["name"])
	assert.Equal(t, "4:a:1", n["_id"])
	assert.Equal(t, []string{"Person"}, n["_labels"])

	r := FlattenValue(owns).(map[string]any)
	assert.Equal(t, "OWNS", r["_type"])
	assert.Equal(t, int64(2021), r["since"])

	path := FlattenValue(neo4j.Path{Nodes: []neo4j.Node{owner, table}, Relationships: []neo4j.Relationship{owns}}).([]any)
	require.Len(t, path, 3)
	assert.Equal(t, "Customer", path[2].(map[string]any)["name"])

	list := FlattenValue([]any{owner, int64(1), "x"}).([]any)
	assert.Equal(t, "Alice", list[0].(map[string]any)["name"])
	assert.Equal(t, int64(1), list[1])
}

func TestClassifyNeo4jError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want datatypes.ErrorKind
	}{
		{"tx timeout", &neo4j.Neo4jError{Code: "Neo.ClientError.Transaction.TransactionTimedOutClientConfiguration"}, datatypes.KindTimeout},
		{"syntax", &neo4j.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError"}, datatypes.KindExecutionFailure},
		{"auth", &neo4j.Neo4jError{Code: "Neo.ClientError.Security.Unauthorized"}, datatypes.KindConnectionFailure},
		{"deadline", fmt.Errorf("run: %w", context.DeadlineExceeded), datatypes.KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyNeo4jError("graphstore.run", "MATCH (n) RETURN n", tt.err)
			kind, ok := datatypes.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, kind)
		})
	}
}
