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
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/graphask/services/graphstore"
	"github.com/AleutianAI/graphask/services/llm"
	"github.com/AleutianAI/graphask/services/orchestrator/conversation"
	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeLLM struct {
	mu      sync.Mutex
	reply   string
	err     error
	block   bool
	prompts []string
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.reply, f.err
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func testSnapshot() *graphstore.SchemaSnapshot {
	return &graphstore.SchemaSnapshot{
		Labels:            []string{"Asset", "Person", "Table"},
		RelationshipTypes: []string{"OWNS"},
		Properties:        map[string][]string{"Table": {"name"}},
		FetchedAt:         time.Now(),
		Version:           1,
	}
}

// =============================================================================
// ExtractQuery Tests
// =============================================================================

func TestExtractQuery(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"fenced cypher", "Here you go:\n```cypher\nMATCH (a:Asset) RETURN count(a);\n```\nHope it helps.", "MATCH (a:Asset) RETURN count(a)"},
		{"fenced untagged", "```\nMATCH (a) RETURN a\n```", "MATCH (a) RETURN a"},
		{"fenced inline", "```MATCH (a) RETURN a```", "MATCH (a) RETURN a"},
		{"prefers query block", "```json\n{\"a\": 1}\n```\n```\nMATCH (a) RETURN a\n```", "MATCH (a) RETURN a"},
		{"cypher label", "Cypher: MATCH (t:Table) RETURN t.name\n\nThis lists tables.", "MATCH (t:Table) RETURN t.name"},
		{"query label next line", "Query:\nMATCH (t:Table)\nRETURN t.name\n\nDone.", "MATCH (t:Table)\nRETURN t.name"},
		{"bare multiline", "Sure.\nMATCH (t:Table)<-[:OWNS]-(p)\nRETURN p.name\n\nThis finds owners.", "MATCH (t:Table)<-[:OWNS]-(p)\nRETURN p.name"},
		{"bare lowercase match", "match (a) return a", "match (a) return a"},
		{"optional match", "OPTIONAL MATCH (a) RETURN a;;", "OPTIONAL MATCH (a) RETURN a"},
		{"uppercase with", "WITH 1 AS x RETURN x", "WITH 1 AS x RETURN x"},
		{"crlf", "```cypher\r\nMATCH (a) RETURN a\r\n```", "MATCH (a) RETURN a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractQuery(tt.output)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractQuery_NothingQueryLike(t *testing.T) {
	outputs := []string{
		"",
		"I'm sorry, I can't answer that.",
		"With this graph you can find owners easily.",
		"```\n\n```",
	}
	for _, out := range outputs {
		_, ok := ExtractQuery(out)
		assert.False(t, ok, out)
	}
}

// =============================================================================
// Translator Tests
// =============================================================================

func TestTranslator_Success(t *testing.T) {
	client := &fakeLLM{reply: "```cypher\nMATCH (a:Asset) RETURN count(a)\n```"}
	tr := NewTranslator(client, TranslatorConfig{}, WithTokenCounter(EstimateTokens))

	out := tr.Translate(context.Background(), TranslateRequest{
		Question: "How many assets are in the database?",
		Schema:   testSnapshot(),
	})

	require.True(t, out.OK())
	assert.Equal(t, "MATCH (a:Asset) RETURN count(a)", out.Query)
	assert.NoError(t, out.AsError())
	assert.Equal(t, 1, client.calls())

	prompt := client.prompts[0]
	assert.Contains(t, prompt, "Node labels: Asset, Person, Table")
	assert.Contains(t, prompt, "Question: How many assets are in the database?")
	assert.NotContains(t, prompt, "Conversation so far")
}

func TestTranslator_Unparsable(t *testing.T) {
	client := &fakeLLM{reply: "I don't know."}
	tr := NewTranslator(client, TranslatorConfig{}, WithTokenCounter(EstimateTokens))

	out := tr.Translate(context.Background(), TranslateRequest{Question: "q", Schema: testSnapshot()})
	assert.Equal(t, OutcomeInvalid, out.Kind)
	assert.Equal(t, "unparsable model output", out.Reason)
	assert.True(t, datatypes.IsKind(out.AsError(), datatypes.KindModelError))
	assert.Equal(t, 1, client.calls())
}

func TestTranslator_ModelError(t *testing.T) {
	client := &fakeLLM{err: errors.New("503 service unavailable")}
	tr := NewTranslator(client, TranslatorConfig{}, WithTokenCounter(EstimateTokens))

	out := tr.Translate(context.Background(), TranslateRequest{Question: "q", Schema: testSnapshot()})
	assert.Equal(t, OutcomeModelError, out.Kind)
	assert.Contains(t, out.Reason, "503")
	assert.True(t, datatypes.IsKind(out.AsError(), datatypes.KindModelError))
}

func TestTranslator_TimeoutIsModelError(t *testing.T) {
	client := &fakeLLM{block: true}
	tr := NewTranslator(client, TranslatorConfig{Timeout: 20 * time.Millisecond}, WithTokenCounter(EstimateTokens))

	out := tr.Translate(context.Background(), TranslateRequest{Question: "q", Schema: testSnapshot()})
	require.Equal(t, OutcomeModelError, out.Kind)
	assert.True(t, datatypes.IsKind(out.Err, datatypes.KindTimeout))
	assert.True(t, datatypes.IsKind(out.AsError(), datatypes.KindModelError))
}

func TestTranslator_HistoryMostRecentFirst(t *testing.T) {
	client := &fakeLLM{reply: "MATCH (a) RETURN a"}
	tr := NewTranslator(client, TranslatorConfig{}, WithTokenCounter(EstimateTokens))

	history := []conversation.Turn{
		{Question: "Who owns the Customer table?", GeneratedQuery: "MATCH (t:Table {name: 'Customer'})<-[:OWNS]-(p) RETURN p.name", Answer: "The name is Alice."},
		{Question: "What else does she own?", Answer: "Orders and Invoices."},
	}
	prompt, err := tr.BuildPrompt(TranslateRequest{
		Question: "What about its stewards?",
		Schema:   testSnapshot(),
		History:  history,
		FollowUp: true,
	})
	require.NoError(t, err)

	first := strings.Index(prompt, "What else does she own?")
	second := strings.Index(prompt, "Who owns the Customer table?")
	require.True(t, first >= 0 && second >= 0)
	assert.Less(t, first, second)
	assert.Contains(t, prompt, "Resolve pronouns")
	assert.Contains(t, prompt, "Cypher: MATCH (t:Table {name: 'Customer'})")
}

func TestTranslator_HistoryTokenBudget(t *testing.T) {
	client := &fakeLLM{reply: "MATCH (a) RETURN a"}
	tr := NewTranslator(client, TranslatorConfig{HistoryTokenBudget: 60}, WithTokenCounter(EstimateTokens))

	var history []conversation.Turn
	for i := 0; i < 10; i++ {
		history = append(history, conversation.Turn{
			Question: fmt.Sprintf("question number %d about the catalog", i),
			Answer:   fmt.Sprintf("answer number %d", i),
		})
	}
	prompt, err := tr.BuildPrompt(TranslateRequest{Question: "q", Schema: testSnapshot(), History: history})
	require.NoError(t, err)

	assert.Contains(t, prompt, "question number 9")
	assert.NotContains(t, prompt, "question number 0")
}

func TestTranslator_FollowUpWithoutHistory(t *testing.T) {
	tr := NewTranslator(&fakeLLM{}, TranslatorConfig{}, WithTokenCounter(EstimateTokens))
	prompt, err := tr.BuildPrompt(TranslateRequest{Question: "what about it?", Schema: testSnapshot(), FollowUp: true})
	require.NoError(t, err)
	assert.NotContains(t, prompt, "Resolve pronouns")
}

func TestTranslator_ReformulateTemplate(t *testing.T) {
	client := &fakeLLM{reply: "```cypher\nMATCH (a:Asset) RETURN a.name\n```"}
	tr := NewTranslator(client, TranslatorConfig{}, WithTokenCounter(EstimateTokens))

	out := tr.Translate(context.Background(), TranslateRequest{
		Question:        "List asset names",
		Schema:          testSnapshot(),
		Reformulate:     true,
		PreviousQuery:   "MATCH (a:Asset) SET a.x = 1 RETURN a",
		PreviousFailure: "query contains a write or administrative operation: SET",
	})
	require.True(t, out.OK())

	prompt := client.prompts[0]
	assert.Contains(t, prompt, "A previous attempt to answer this question failed")
	assert.Contains(t, prompt, "Previous query: MATCH (a:Asset) SET a.x = 1 RETURN a")
	assert.Contains(t, prompt, "Failure: query contains a write")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}
