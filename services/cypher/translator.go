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
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/graphask/services/graphstore"
	"github.com/AleutianAI/graphask/services/llm"
	"github.com/AleutianAI/graphask/services/orchestrator/conversation"
	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
	"github.com/weaviate/tiktoken-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("graphask.cypher")

const (
	// DefaultHistoryTokenBudget bounds the history section of the prompt.
	DefaultHistoryTokenBudget = 1500

	// DefaultTranslateTimeout bounds one model call.
	DefaultTranslateTimeout = 60 * time.Second

	// DefaultMaxTokens bounds the model reply.
	DefaultMaxTokens = 512

	unparsableReason = "unparsable model output"
)

// =============================================================================
// Token Counting
// =============================================================================

// TokenCounter returns the number of tokens in text.
type TokenCounter func(text string) int

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// DefaultTokenCounter counts cl100k_base tokens, falling back to a
// four-characters-per-token estimate when the encoding cannot be loaded.
func DefaultTokenCounter(text string) int {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, estimating tokens", "error", err)
			return
		}
		encoder = enc
	})
	if encoder == nil {
		return EstimateTokens(text)
	}
	return len(encoder.Encode(text, nil, nil))
}

// EstimateTokens approximates a token count as ceil(len/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// =============================================================================
// Translator
// =============================================================================

// TranslatorConfig configures a Translator.
type TranslatorConfig struct {
	// HistoryTokenBudget bounds the rendered history. Default 1500.
	HistoryTokenBudget int

	// Temperature for the model. Default 0.
	Temperature float32

	// MaxTokens bounds the reply. Default 512.
	MaxTokens int

	// Timeout bounds the model call. Default 60s.
	Timeout time.Duration
}

// TranslateRequest is the input of one translation.
type TranslateRequest struct {
	Question string
	Schema   *graphstore.SchemaSnapshot

	// History is the conversation so far, oldest first. It is rendered
	// most recent first and cut to the token budget.
	History []conversation.Turn

	// FollowUp adds an instruction to resolve references against History.
	FollowUp bool

	// Reformulate selects the stricter retry template. PreviousQuery and
	// PreviousFailure describe the attempt being corrected.
	Reformulate     bool
	PreviousQuery   string
	PreviousFailure string
}

// TranslatorOption customizes a Translator.
type TranslatorOption func(*Translator)

// WithTokenCounter replaces the token counter.
func WithTokenCounter(counter TokenCounter) TranslatorOption {
	return func(t *Translator) {
		if counter != nil {
			t.countTokens = counter
		}
	}
}

// Translator turns a question into a candidate Cypher query.
//
// # Description
//
// Translate renders a prompt from the schema, the history and the question,
// makes exactly one model call and extracts a query from the reply. It
// never executes anything.
//
// # Thread Safety
//
// Safe for concurrent use if the LLMClient is.
type Translator struct {
	client      llm.LLMClient
	cfg         TranslatorConfig
	countTokens TokenCounter
}

// NewTranslator creates a translator over client.
func NewTranslator(client llm.LLMClient, cfg TranslatorConfig, opts ...TranslatorOption) *Translator {
	if cfg.HistoryTokenBudget <= 0 {
		cfg.HistoryTokenBudget = DefaultHistoryTokenBudget
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTranslateTimeout
	}
	t := &Translator{
		client:      client,
		cfg:         cfg,
		countTokens: DefaultTokenCounter,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Translate produces an Outcome for req.
//
// # Outputs
//
//   - Outcome: Success with the extracted query, Invalid when the reply has
//     no query, or ModelError when the call failed. A call that ran out of
//     time is a ModelError whose Err is a Timeout PipelineError.
func (t *Translator) Translate(ctx context.Context, req TranslateRequest) Outcome {
	ctx, span := tracer.Start(ctx, "Translator.Translate")
	defer span.End()
	span.SetAttributes(
		attribute.Bool("translate.reformulate", req.Reformulate),
		attribute.Bool("translate.follow_up", req.FollowUp),
		attribute.Int("translate.history_turns", len(req.History)),
	)

	prompt, err := t.BuildPrompt(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ModelFailed(fmt.Errorf("rendering prompt: %w", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	params := llm.GenerationParams{
		Temperature: llm.Float32(t.cfg.Temperature),
		MaxTokens:   llm.Int(t.cfg.MaxTokens),
	}
	raw, err := t.client.Generate(callCtx, prompt, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = datatypes.NewError(datatypes.KindTimeout, "llm.generate", err)
		}
		slog.Warn("Translation model call failed", "error", err)
		return ModelFailed(err)
	}

	query, ok := ExtractQuery(raw)
	if !ok {
		span.SetStatus(codes.Error, unparsableReason)
		slog.Warn("Model output contained no query", "output_len", len(raw))
		return Invalid(unparsableReason, raw)
	}
	span.SetAttributes(attribute.Int("translate.query_len", len(query)))
	return Succeeded(query, raw)
}

// BuildPrompt renders the prompt Translate would send for req.
func (t *Translator) BuildPrompt(req TranslateRequest) (string, error) {
	values := map[string]any{
		"schema":   req.Schema.Summary(),
		"history":  t.renderHistory(req.History),
		"followup": "",
		"question": strings.TrimSpace(req.Question),
	}
	if req.FollowUp && len(req.History) > 0 {
		values["followup"] = followUpInstruction
	}
	if !req.Reformulate {
		return translatePrompt.Format(values)
	}
	values["previous_query"] = orNone(req.PreviousQuery)
	values["previous_failure"] = orNone(req.PreviousFailure)
	return retryPrompt.Format(values)
}

// renderHistory renders turns most recent first until the next turn would
// exceed the token budget.
func (t *Translator) renderHistory(turns []conversation.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	const header = "\nConversation so far (most recent first):\n"
	var b strings.Builder
	used := t.countTokens(header)
	included := 0
	for i := len(turns) - 1; i >= 0; i-- {
		entry := renderTurn(turns[i])
		n := t.countTokens(entry)
		if used+n > t.cfg.HistoryTokenBudget {
			break
		}
		b.WriteString(entry)
		used += n
		included++
	}
	if included == 0 {
		return ""
	}
	return header + b.String()
}

func renderTurn(turn conversation.Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Q: %s\n", turn.Question)
	if turn.GeneratedQuery != "" {
		fmt.Fprintf(&b, "Cypher: %s\n", turn.GeneratedQuery)
	}
	fmt.Fprintf(&b, "A: %s\n", turn.Answer)
	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
