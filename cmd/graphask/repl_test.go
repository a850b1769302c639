// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/graphask/services/graphstore"
	"github.com/AleutianAI/graphask/services/llm"
	"github.com/AleutianAI/graphask/services/orchestrator"
	"github.com/AleutianAI/graphask/services/orchestrator/config"
	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

type cannedLLM struct{}

func (cannedLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	return "```cypher\nMATCH (t:Table) RETURN count(t) AS count\n```", nil
}

type memStore struct{}

func (memStore) FetchSchema(ctx context.Context) (*graphstore.RawSchema, error) {
	return &graphstore.RawSchema{
		Labels:            []string{"Column", "Table"},
		RelationshipTypes: []string{"HAS_COLUMN"},
		Properties:        map[string][]string{"Table": {"name"}},
	}, nil
}

func (memStore) Run(ctx context.Context, query string, params map[string]any, opts graphstore.RunOptions) (*datatypes.QueryResult, error) {
	return &datatypes.QueryResult{Columns: []string{"count"}, Rows: []datatypes.Row{{"count": int64(12)}}}, nil
}

func (memStore) Ping(ctx context.Context) error  { return nil }
func (memStore) Close(ctx context.Context) error { return nil }

func newREPL(t *testing.T, input string, interactive bool) (*REPL, *bytes.Buffer) {
	t.Helper()
	c := config.DefaultConfig()
	c.Server.GinMode = gin.TestMode
	c.LLM.APIKey = "test-key"

	svc, err := orchestrator.New(context.Background(), c,
		orchestrator.WithGraphStore(memStore{}), orchestrator.WithLLMClient(cannedLLM{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	var out bytes.Buffer
	return &REPL{svc: svc, in: strings.NewReader(input), out: &out, interactive: interactive}, &out
}

// =============================================================================
// REPL Tests
// =============================================================================

func TestREPL_AnswersPipedQuestions(t *testing.T) {
	repl, out := newREPL(t, "How many tables are there?\n\nhow many tables are there?\n", false)

	require.NoError(t, repl.Run(context.Background()))

	text := out.String()
	assert.Equal(t, 2, strings.Count(text, "The count is 12."))
	assert.Contains(t, text, "query: MATCH (t:Table) RETURN count(t) AS count LIMIT 101")
	assert.Contains(t, text, "(cached)")
	assert.NotContains(t, text, "> ", "no prompt for piped input")
}

func TestREPL_InteractivePrompt(t *testing.T) {
	repl, out := newREPL(t, "exit\nHow many tables are there?\n", true)

	require.NoError(t, repl.Run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "graphask:")
	assert.Contains(t, text, "> ")
	assert.NotContains(t, text, "The count is", "nothing is asked after exit")
}

func TestREPL_SchemaCommand(t *testing.T) {
	repl, out := newREPL(t, "schema\n", false)

	require.NoError(t, repl.Run(context.Background()))

	assert.Contains(t, out.String(), "Node labels: Column, Table")
	assert.Contains(t, out.String(), "Relationship types: HAS_COLUMN")
}

func TestREPL_ClearForgetsHistory(t *testing.T) {
	repl, out := newREPL(t, "How many tables are there?\nclear\n", false)

	require.NoError(t, repl.Run(context.Background()))
	assert.Contains(t, out.String(), "Conversation cleared.")

	history, err := repl.svc.Pipeline().Sessions().History(context.Background(), repl.sessionID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestREPL_StopsOnCancelledContext(t *testing.T) {
	repl, out := newREPL(t, "How many tables are there?\n", false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, repl.Run(ctx))
	assert.Empty(t, out.String())
}

func TestREPL_AskOnce(t *testing.T) {
	repl, out := newREPL(t, "", false)

	require.NoError(t, repl.AskOnce(context.Background(), "How many tables are there?"))
	assert.True(t, strings.HasPrefix(out.String(), "The count is 12.\n"))
}

// =============================================================================
// Command Tests
// =============================================================================

func TestConfigInit_WritesLoadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graphask.yaml")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "init", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), path)

	_, err := os.Stat(path)
	require.NoError(t, err)
	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Pipeline.RowLimit, loaded.Pipeline.RowLimit)
}
