// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cypher

import (
	"testing"
	"time"

	"github.com/AleutianAI/graphask/services/graphstore"
	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_RejectsWrites(t *testing.T) {
	v := NewValidator(100)

	queries := []string{
		"CREATE (n:Asset {name: 'x'}) RETURN n",
		"MATCH (n) DETACH DELETE n",
		"MATCH (n) SET n.owner = 'bob' RETURN n",
		"MERGE (n:Asset {name: 'x'}) RETURN n",
		"MATCH (n) REMOVE n.owner RETURN n",
		"DROP INDEX asset_name",
		"LOAD CSV FROM 'file:///x.csv' AS row RETURN row",
		"MATCH (n) FOREACH (x IN [1] | SET n.a = x) RETURN n",
		"CALL apoc.create.node(['Asset'], {}) YIELD node RETURN node",
		"CALL apoc.periodic.iterate('MATCH (n) RETURN n', 'DELETE n', {}) YIELD batches RETURN batches",
		"CALL dbms.security.createUser('eve', 'pw', false)",
		"MATCH (n) WITH n CALL apoc.cypher.run('MATCH (m) DELETE m', {}) YIELD value RETURN value",
		"match (n) delete n",
		"MATCH (n) WHERE n.note = 'please delete me' RETURN n",
		"MATCH (n) RETURN n // then CREATE (m)",
		"STOP DATABASE neo4j",
		"GRANT ROLE admin TO eve",
	}

	for _, q := range queries {
		t.Run(q, func(t *testing.T) {
			_, err := v.Validate(q)
			require.Error(t, err)
			var pe *datatypes.PipelineError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, datatypes.KindInvalidQuery, pe.Kind)
			assert.Equal(t, q, pe.Query)
		})
	}
}

func TestValidator_AcceptsReads(t *testing.T) {
	v := NewValidator(100)

	queries := []string{
		"MATCH (a:Asset) RETURN count(a)",
		"MATCH (t:Table {name: 'Customer'})<-[:OWNS]-(o) RETURN o.name",
		"OPTIONAL MATCH (a:Asset) RETURN a.name",
		"WITH 1 AS x RETURN x",
		"UNWIND [1, 2, 3] AS x RETURN x",
		"MATCH (a:Asset) WHERE a.name STARTS WITH 'Cust' RETURN a.created_at ORDER BY a.name",
		"MATCH (a:Asset) RETURN a.dataset AS dataset",
		"CALL db.labels()",
		"MATCH (a:Asset) RETURN a.name;",
		"MATCH (a:Asset) WHERE a.name = 'it\\'s' RETURN a",
	}

	for _, q := range queries {
		t.Run(q, func(t *testing.T) {
			_, err := v.Validate(q)
			assert.NoError(t, err)
		})
	}
}

func TestValidator_Structure(t *testing.T) {
	v := NewValidator(100)

	tests := []struct {
		name  string
		query string
	}{
		{"empty", "   "},
		{"unbalanced paren", "MATCH (a:Asset RETURN a"},
		{"unbalanced bracket", "MATCH (a)-[:OWNS->(b) RETURN b"},
		{"mismatched", "MATCH (a:Asset {name: 'x')} RETURN a"},
		{"unclosed string", "MATCH (a:Asset {name: 'x}) RETURN a"},
		{"unclosed comment", "MATCH (a) /* comment RETURN a"},
		{"no read clause", "RETURNS 1"},
		{"prose", "Here is the query: MATCH (a) RETURN a"},
		{"no return", "MATCH (a:Asset)"},
		{"two statements", "MATCH (a) RETURN a; MATCH (b) RETURN b"},
		{"parameter limit", "MATCH (a) RETURN a LIMIT $n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.query)
			require.Error(t, err)
			assert.True(t, datatypes.IsKind(err, datatypes.KindInvalidQuery))
		})
	}
}

func TestValidator_RowLimit(t *testing.T) {
	v := NewValidator(100)

	tests := []struct {
		name     string
		query    string
		want     string
		injected bool
		clamped  bool
	}{
		{"injects fetch limit", "MATCH (a:Asset) RETURN a.name", "MATCH (a:Asset) RETURN a.name LIMIT 101", true, false},
		{"keeps small limit", "MATCH (a:Asset) RETURN a.name LIMIT 5", "MATCH (a:Asset) RETURN a.name LIMIT 5", false, false},
		{"keeps fetch limit", "MATCH (a:Asset) RETURN a.name LIMIT 101", "MATCH (a:Asset) RETURN a.name LIMIT 101", false, false},
		{"clamps large limit", "MATCH (a:Asset) RETURN a.name LIMIT 5000", "MATCH (a:Asset) RETURN a.name LIMIT 101", false, true},
		{"lowercase limit", "MATCH (a:Asset) RETURN a.name limit 5000", "MATCH (a:Asset) RETURN a.name limit 101", false, true},
		{"strips semicolon", "MATCH (a:Asset) RETURN a.name;", "MATCH (a:Asset) RETURN a.name LIMIT 101", true, false},
		{"subquery limit is not trailing", "CALL { MATCH (a) RETURN a LIMIT 5 } RETURN a", "CALL { MATCH (a) RETURN a LIMIT 5 } RETURN a LIMIT 101", true, false},
		{"standalone call untouched", "CALL db.labels()", "CALL db.labels()", false, false},
		{"injects before trailing line comment", "MATCH (a:Asset) RETURN a.name // every asset", "MATCH (a:Asset) RETURN a.name LIMIT 101", true, false},
		{"limit followed by line comment", "MATCH (a:Asset) RETURN a.name LIMIT 5 // top five", "MATCH (a:Asset) RETURN a.name LIMIT 5", false, false},
		{"clamps limit followed by block comment", "MATCH (a:Asset) RETURN a.name LIMIT 5000 /* all */", "MATCH (a:Asset) RETURN a.name LIMIT 101", false, true},
		{"semicolon before comment", "MATCH (a:Asset) RETURN a.name; // done", "MATCH (a:Asset) RETURN a.name LIMIT 101", true, false},
		{"limit inside string literal", "MATCH (a:Asset {name: 'LIMIT 5'}) RETURN a.name", "MATCH (a:Asset {name: 'LIMIT 5'}) RETURN a.name LIMIT 101", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vq, err := v.Validate(tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, vq.Query)
			assert.Equal(t, tt.injected, vq.LimitInjected)
			assert.Equal(t, tt.clamped, vq.LimitClamped)
			assert.Equal(t, tt.query, vq.Original)
		})
	}
}

// Every accepted query is free of write keywords and carries a bounded
// limit, whatever the model produced.
func TestValidator_ReadOnlyProperty(t *testing.T) {
	v := NewValidator(50)
	candidates := []string{
		"MATCH (a) RETURN a",
		"MATCH (a) RETURN a LIMIT 1000000",
		"MATCH (a) RETURN a // all of them",
		"MATCH (a) SET a.x = 1 RETURN a",
		"MATCH (a) RETURN a UNION MATCH (b) RETURN b",
		"CREATE (a) RETURN a",
		"MATCH (a) WHERE a.name = 'x' RETURN a ORDER BY a.name SKIP 10",
	}
	for _, q := range candidates {
		vq, err := v.Validate(q)
		if err != nil {
			continue
		}
		assert.NoError(t, checkDenylist(vq.Query), q)
		assert.Regexp(t, `LIMIT (\d|[1-4]\d|5[01])$`, vq.Query, q)
	}
}

func TestReferencesKnownSchema(t *testing.T) {
	snap := &graphstore.SchemaSnapshot{
		Labels:            []string{"Asset", "Domain", "Person", "Table"},
		RelationshipTypes: []string{"BELONGS_TO", "OWNS"},
		FetchedAt:         time.Now(),
	}

	tests := []struct {
		query string
		want  []string
	}{
		{"MATCH (t:Table)<-[:OWNS]-(p:Person) RETURN p.name", nil},
		{"MATCH (a:Asset)-[r:BELONGS_TO|OWNS*1..2]->(d) RETURN d", nil},
		{"MATCH (s:Steward)-[:STEWARDS]->(a:Asset) RETURN s", []string{"STEWARDS", "Steward"}},
		{"MATCH (a:Asset {note: '(x:Ghost)'}) RETURN a", nil},
		{"MATCH (a:Asset:Dataset) RETURN a", []string{"Dataset"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, ReferencesKnownSchema(tt.query, snap))
		})
	}
	assert.Nil(t, ReferencesKnownSchema("MATCH (a:Ghost) RETURN a", nil))
}
