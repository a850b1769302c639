package llm

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("graphask.llm")

// ErrEmptyCompletion is returned when a backend answers without content.
var ErrEmptyCompletion = errors.New("llm returned no completion")

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// Float32 returns a pointer to v, for building GenerationParams.
func Float32(v float32) *float32 { return &v }

// Int returns a pointer to v, for building GenerationParams.
func Int(v int) *int { return &v }
