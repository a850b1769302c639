// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Ollama
// =============================================================================

func TestOllamaClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-model", body["model"])
		assert.NotEqual(t, true, body["stream"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"MATCH (n) RETURN n"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	client, err := NewOllamaClient(OllamaConfig{BaseURL: server.URL + "/", Model: "test-model"})
	require.NoError(t, err)
	assert.Equal(t, "test-model", client.Model())

	out, err := client.Generate(context.Background(), "prompt", GenerationParams{Temperature: Float32(0)})
	require.NoError(t, err)
	assert.Equal(t, "MATCH (n) RETURN n", out)
}

func TestOllamaClient_KeepsExplicitV1Path(t *testing.T) {
	var path atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer server.Close()

	client, err := NewOllamaClient(OllamaConfig{BaseURL: server.URL + "/v1"})
	require.NoError(t, err)
	_, err = client.Generate(context.Background(), "prompt", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "/v1/chat/completions", path.Load())
}

func TestOllamaClient_ModelNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"message":"model \"ghost\" not found, try pulling it first","type":"api_error"}}`))
	}))
	defer server.Close()

	client, err := NewOllamaClient(OllamaConfig{BaseURL: server.URL, Model: "ghost"})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "prompt", GenerationParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama pull ghost")
}

func TestOllamaClient_EmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":""}}]}`))
	}))
	defer server.Close()

	client, err := NewOllamaClient(OllamaConfig{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "prompt", GenerationParams{})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, 404, statusCode(fmt.Errorf("wrapped: %w", &openai.APIError{HTTPStatusCode: 404})))
	assert.Equal(t, 503, statusCode(&openai.RequestError{HTTPStatusCode: 503}))
	assert.Zero(t, statusCode(errors.New("dial tcp: refused")))
}

func TestNewOllamaClient_RequiresBaseURL(t *testing.T) {
	_, err := NewOllamaClient(OllamaConfig{})
	assert.Error(t, err)
}

// =============================================================================
// OpenAI-compatible
// =============================================================================

func TestOpenAIClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "mixtral-8x7b-32768", body["model"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"MATCH (a:Asset) RETURN count(a)"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL, Model: "mixtral-8x7b-32768"})
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), "how many assets?", GenerationParams{MaxTokens: Int(256)})
	require.NoError(t, err)
	assert.Equal(t, "MATCH (a:Asset) RETURN count(a)", out)
}

func TestOpenAIClient_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[]}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "p", GenerationParams{})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestNewOpenAIClient_RequiresKey(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{SecretPath: "/nonexistent/secret"})
	assert.Error(t, err)
}

// =============================================================================
// Rate limiting
// =============================================================================

type countingClient struct {
	calls atomic.Int32
}

func (c *countingClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	c.calls.Add(1)
	return "ok", nil
}

func TestRateLimitedClient_PassesThrough(t *testing.T) {
	inner := &countingClient{}
	client := NewRateLimitedClient(inner, 0, 1)

	for i := 0; i < 5; i++ {
		out, err := client.Generate(context.Background(), "p", GenerationParams{})
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
	}
	assert.EqualValues(t, 5, inner.calls.Load())
}

func TestRateLimitedClient_HonorsContext(t *testing.T) {
	inner := &countingClient{}
	client := NewRateLimitedClient(inner, 0.001, 1)

	_, err := client.Generate(context.Background(), "p", GenerationParams{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Generate(ctx, "p", GenerationParams{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestRateLimitedClient_DeadlineTooShort(t *testing.T) {
	inner := &countingClient{}
	client := NewRateLimitedClient(inner, 0.001, 1)
	_, _ = client.Generate(context.Background(), "p", GenerationParams{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := client.Generate(ctx, "p", GenerationParams{})
	assert.Error(t, err)
	assert.EqualValues(t, 1, inner.calls.Load())
}
