package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// ollamaAPIKey is a placeholder; Ollama ignores the bearer token but the
// SDK always sends one.
const ollamaAPIKey = "ollama"

// OllamaConfig configures a local Ollama backend.
type OllamaConfig struct {
	// BaseURL is the Ollama server, e.g. http://localhost:11434. The
	// OpenAI-compatible /v1 path is appended when missing.
	BaseURL string
	Model   string
	// Timeout bounds a single HTTP call. Default 5m.
	Timeout time.Duration
}

// OllamaClient talks to Ollama through its OpenAI-compatible endpoint and
// turns a missing model into a pull hint.
type OllamaClient struct {
	chat  *OpenAIClient
	model string
}

func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama base url not set")
	}
	model := cfg.Model
	if model == "" {
		slog.Warn("Ollama model not set, defaulting to llama3")
		model = "llama3"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if !strings.HasSuffix(baseURL, "/v1") {
		baseURL += "/v1"
	}

	chat, err := NewOpenAIClient(OpenAIConfig{
		APIKey:  ollamaAPIKey,
		BaseURL: baseURL,
		Model:   model,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	return &OllamaClient{chat: chat, model: model}, nil
}

// Model returns the configured model name.
func (o *OllamaClient) Model() string { return o.model }

// Generate implements the LLMClient interface
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()

	out, err := o.chat.Generate(ctx, prompt, params)
	if err != nil && statusCode(err) == http.StatusNotFound {
		slog.Warn("Ollama model not found", "model", o.model)
		return "", fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s': %w", o.model, o.model, err)
	}
	return out, err
}

// statusCode extracts the HTTP status from an SDK error, 0 when absent.
func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
