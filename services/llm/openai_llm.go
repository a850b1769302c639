package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// GroqBaseURL is the OpenAI-compatible endpoint of Groq.
const GroqBaseURL = "https://api.groq.com/openai/v1"

const defaultSystemPrompt = "You are a precise assistant that answers questions about a metadata knowledge graph."

// OpenAIConfig configures an OpenAI-compatible chat completion backend.
type OpenAIConfig struct {
	// APIKey is required. When empty, the key is read from SecretPath.
	APIKey string
	// SecretPath is an optional file holding the key (container secrets).
	SecretPath string
	// BaseURL overrides the API endpoint (Groq, vLLM, LM Studio, ...).
	BaseURL string
	// Model defaults to gpt-4o-mini.
	Model string
	// SystemPrompt is sent as the system message of every request.
	SystemPrompt string
	// Timeout bounds a single HTTP call. Zero leaves the SDK default.
	Timeout time.Duration
}

type OpenAIClient struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" && cfg.SecretPath != "" {
		apiKeyBytes, err := os.ReadFile(cfg.SecretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the LLM API key from secret file", "path", cfg.SecretPath)
		}
	}
	if apiKey == "" {
		slog.Error("LLM API key not set and secret not found", "path", cfg.SecretPath)
		return nil, fmt.Errorf("llm api key not set")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("LLM model not set, defaulting to gpt-4o-mini")
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	slog.Info("Initializing OpenAI-compatible client", "model", model, "base_url", clientCfg.BaseURL)
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        model,
		systemPrompt: systemPrompt,
	}, nil
}

// Model returns the configured model name.
func (o *OpenAIClient) Model() string { return o.model }

// Generate implements the LLMClient interface
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	slog.Debug("Generating text via OpenAI", "model", o.model)
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		slog.Warn("OpenAI returned no choices or empty content")
		span.SetStatus(codes.Error, ErrEmptyCompletion.Error())
		return "", ErrEmptyCompletion
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}
