// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline sequences translation, validation, execution and
// composition for each question and records the outcome in the session's
// conversation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/graphask/services/composer"
	"github.com/AleutianAI/graphask/services/cypher"
	"github.com/AleutianAI/graphask/services/graphstore"
	"github.com/AleutianAI/graphask/services/orchestrator/conversation"
	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
	"github.com/AleutianAI/graphask/services/orchestrator/observability"
	"github.com/AleutianAI/graphask/services/querycache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("graphask.pipeline")

// ErrEmptyQuestion is returned by Ask for a blank question.
var ErrEmptyQuestion = errors.New("question is empty")

// =============================================================================
// Configuration
// =============================================================================

// Deps are the components a Pipeline sequences. All are required except
// FollowUps and Metrics.
type Deps struct {
	Schema     *graphstore.SchemaProvider
	Translator *cypher.Translator
	Validator  *cypher.Validator
	Engine     *graphstore.Engine
	Composer   *composer.Composer
	Cache      *querycache.Cache
	Sessions   *SessionManager
	FollowUps  *conversation.FollowUpDetector
	Metrics    *observability.PipelineMetrics
}

// Config tunes a Pipeline.
type Config struct {
	// ExecutionTimeout bounds query execution. Default 30s.
	ExecutionTimeout time.Duration

	// Retry decides which failures earn another translation.
	Retry RetryPolicy

	// OnTransition, when set, observes every state change. Used by tests
	// and debugging tools.
	OnTransition func(from, to State)
}

// Stats is a snapshot of pipeline-wide state for display.
type Stats struct {
	Cache           querycache.Stats `json:"cache"`
	Sessions        int              `json:"sessions"`
	SchemaVersion   uint64           `json:"schema_version"`
	SchemaFetchedAt *time.Time       `json:"schema_fetched_at,omitempty"`
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline answers questions within conversation sessions.
//
// # Description
//
// Each ask moves through IDLE -> TRANSLATING -> VALIDATING -> EXECUTING ->
// COMPOSING -> DONE, or ends in FAILED. A cache hit goes from IDLE straight
// to COMPOSING. Model errors and rejected queries are answered with a
// reformulated translation as allowed by the RetryPolicy; execution
// failures are reported with the failed query and never retried.
//
// The outcome is committed to the session only once the ask has finished:
// one turn is appended (SUCCESS, CACHED or FAILED) and, for a fresh
// successful execution, one cache entry is written. A cancelled ask
// commits nothing.
//
// # Thread Safety
//
// Safe for concurrent use. Asks on the same session are serialized by the
// session lock; different sessions run in parallel.
type Pipeline struct {
	deps Deps
	cfg  Config
}

// New creates a pipeline.
//
// # Outputs
//
//   - *Pipeline: Ready to answer questions.
//   - error: Non-nil if a required dependency is missing.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Schema == nil:
		return nil, errors.New("pipeline: schema provider is required")
	case deps.Translator == nil:
		return nil, errors.New("pipeline: translator is required")
	case deps.Validator == nil:
		return nil, errors.New("pipeline: validator is required")
	case deps.Engine == nil:
		return nil, errors.New("pipeline: engine is required")
	case deps.Composer == nil:
		return nil, errors.New("pipeline: composer is required")
	case deps.Cache == nil:
		return nil, errors.New("pipeline: cache is required")
	case deps.Sessions == nil:
		return nil, errors.New("pipeline: session manager is required")
	}
	if deps.FollowUps == nil {
		deps.FollowUps = conversation.NewFollowUpDetector(conversation.DefaultFollowUpConfig())
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = graphstore.DefaultExecutionTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Pipeline{deps: deps, cfg: cfg}, nil
}

// Sessions returns the session manager.
func (p *Pipeline) Sessions() *SessionManager { return p.deps.Sessions }

// Schema returns the schema provider.
func (p *Pipeline) Schema() *graphstore.SchemaProvider { return p.deps.Schema }

// Stats reports cache, session and schema state.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Cache:         p.deps.Cache.Stats(),
		Sessions:      p.deps.Sessions.Count(),
		SchemaVersion: p.deps.Schema.Version(),
	}
	if snap := p.deps.Schema.Current(); snap != nil {
		t := snap.FetchedAt
		s.SchemaFetchedAt = &t
	}
	return s
}

// Ask answers question within the given session.
//
// # Description
//
// Waits for any in-flight ask on the same session, then runs the state
// machine. A pipeline failure is not an error: it is returned as a
// response with Status FAILED and a user-facing Answer, and recorded in
// the conversation.
//
// # Inputs
//
//   - ctx: Cancellation aborts the ask without recording anything.
//   - sessionID: Id from SessionManager.NewSession.
//   - question: Natural-language question.
//
// # Outputs
//
//   - *datatypes.AskResponse: The answer, or the failure explanation.
//   - error: ErrSessionNotFound, ErrEmptyQuestion, or a Cancelled
//     *datatypes.PipelineError.
//
// # Example
//
//	id := p.Sessions().NewSession()
//	resp, err := p.Ask(ctx, id, "How many assets are in the database?")
//	// resp.Answer == "The count is 42."
func (p *Pipeline) Ask(ctx context.Context, sessionID, question string) (*datatypes.AskResponse, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	sess, err := p.deps.Sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.lock(ctx); err != nil {
		return nil, err
	}
	defer sess.unlock()

	resp, err := p.run(ctx, sess.conv, question)
	if resp != nil {
		resp.SessionID = sessionID
	}
	return resp, err
}

// =============================================================================
// State Machine
// =============================================================================

// run holds the state of one ask.
type run struct {
	p        *Pipeline
	span     trace.Span
	state    State
	start    time.Time
	question string
	attempts int
}

func (r *run) to(next State) {
	if !CanTransition(r.state, next) {
		// Programming error; record it but keep going.
		slog.Error("Illegal pipeline transition", "from", r.state, "to", next)
	}
	prev := r.state
	r.state = next
	r.span.AddEvent("transition", trace.WithAttributes(
		attribute.String("from", prev.String()),
		attribute.String("to", next.String()),
	))
	slog.Debug("Pipeline state transition", "from", prev, "to", next, "attempt", r.attempts)
	if r.p.cfg.OnTransition != nil {
		r.p.cfg.OnTransition(prev, next)
	}
}

// stage times fn under stage.
func (r *run) stage(stage observability.Stage, fn func()) {
	start := time.Now()
	fn()
	r.p.deps.Metrics.ObserveStage(stage, time.Since(start))
}

func (p *Pipeline) run(ctx context.Context, conv *conversation.Context, question string) (*datatypes.AskResponse, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Ask")
	defer span.End()

	r := &run{p: p, span: span, state: StateIdle, start: time.Now(), question: question}

	topicSwitch := p.deps.FollowUps.IsTopicSwitch(question)
	contextual := !topicSwitch && conv.Len() > 0 &&
		(!p.deps.FollowUps.Enabled() || p.deps.FollowUps.IsFollowUp(question))

	// History reaches the prompt exactly when the cache key carries the
	// conversation fingerprint. Standalone questions are translated alone
	// and share entries across sessions.
	fingerprint := conversation.EmptyFingerprint()
	var history []conversation.Turn
	if contextual {
		fingerprint = conv.Fingerprint()
		history = conv.Turns()
	}
	span.SetAttributes(
		attribute.Bool("pipeline.contextual", contextual),
		attribute.Bool("pipeline.topic_switch", topicSwitch),
		attribute.Int("pipeline.history_turns", len(history)),
	)

	if entry, ok := p.cachedEntry(question, fingerprint); ok {
		return p.commitCached(ctx, r, conv, entry)
	}

	r.to(StateTranslating)
	var snap *graphstore.SchemaSnapshot
	var err error
	r.stage(observability.StageSchema, func() {
		snap, err = p.deps.Schema.Fetch(ctx, false)
	})
	if err != nil {
		return p.fail(ctx, r, conv, err, "")
	}

	query, candidate, err := p.translate(ctx, r, snap, history, contextual)
	if err != nil {
		return p.fail(ctx, r, conv, err, candidate)
	}

	r.to(StateExecuting)
	var result *datatypes.QueryResult
	r.stage(observability.StageExecute, func() {
		result, err = p.deps.Engine.Execute(ctx, query, nil, p.cfg.ExecutionTimeout, p.deps.Validator.MaxRows())
	})
	if err != nil {
		return p.fail(ctx, r, conv, err, query)
	}

	r.to(StateComposing)
	var answer string
	r.stage(observability.StageCompose, func() {
		answer = p.deps.Composer.Compose(ctx, question, result, query)
	})
	r.to(StateDone)

	if err := cancelled(ctx, "pipeline.commit"); err != nil {
		return nil, p.abandon(r, err)
	}
	latency := time.Since(r.start)
	conv.Append(conversation.Turn{
		Question:       question,
		GeneratedQuery: query,
		Answer:         answer,
		Status:         datatypes.StatusSuccess,
		Timestamp:      r.start,
		Latency:        latency,
	})
	p.deps.Cache.Put(question, fingerprint, querycache.Entry{
		Query:         query,
		Result:        result,
		Answer:        answer,
		SchemaVersion: snap.Version,
	})

	p.deps.Metrics.RecordAsk(datatypes.StatusSuccess, latency)
	slog.Info("Question answered",
		"status", datatypes.StatusSuccess,
		"attempts", r.attempts,
		"rows", len(result.Rows),
		"truncated", result.Truncated,
		"latency_ms", latency.Milliseconds())
	return &datatypes.AskResponse{
		Question:  question,
		Answer:    answer,
		Query:     query,
		Columns:   result.Columns,
		Rows:      result.Rows,
		Truncated: result.Truncated,
		Status:    datatypes.StatusSuccess,
		LatencyMs: latency.Milliseconds(),
		Attempts:  r.attempts,
	}, nil
}

// translate runs translation and validation under the retry policy.
//
// # Outputs
//
//   - string: The validated, executable query.
//   - string: The last candidate query, for failure reporting.
//   - error: The failure that exhausted the policy.
func (p *Pipeline) translate(ctx context.Context, r *run, snap *graphstore.SchemaSnapshot, history []conversation.Turn, followUp bool) (string, string, error) {
	var previousQuery, previousFailure string
	for attempt := 1; ; attempt++ {
		r.attempts = attempt
		if attempt > 1 {
			r.to(StateTranslating)
		}

		var out cypher.Outcome
		r.stage(observability.StageTranslate, func() {
			out = p.deps.Translator.Translate(ctx, cypher.TranslateRequest{
				Question:        r.question,
				Schema:          snap,
				History:         history,
				FollowUp:        followUp,
				Reformulate:     attempt > 1,
				PreviousQuery:   previousQuery,
				PreviousFailure: previousFailure,
			})
		})
		if err := cancelled(ctx, "cypher.translate"); err != nil {
			return "", "", err
		}

		var stageErr error
		if out.OK() {
			r.to(StateValidating)
			var vq cypher.ValidatedQuery
			r.stage(observability.StageValidate, func() {
				vq, stageErr = p.deps.Validator.Validate(out.Query)
			})
			if stageErr == nil {
				return vq.Query, out.Query, nil
			}
			previousQuery = out.Query
			previousFailure = failureReason(stageErr)
		} else {
			stageErr = out.AsError()
			previousQuery = ""
			previousFailure = out.Reason
		}

		if !p.cfg.Retry.ShouldRetry(stageErr, attempt) {
			return "", previousQuery, settledError(stageErr)
		}
		p.deps.Metrics.RecordRetry()
		slog.Info("Retrying translation with a reformulated prompt",
			"attempt", attempt+1,
			"max_attempts", p.cfg.Retry.MaxAttempts,
			"reason", previousFailure)
	}
}

// settledError reports a model call that ran out of time as a Timeout once
// no attempts remain. Retries still see it as a ModelError.
func settledError(err error) error {
	var outer *datatypes.PipelineError
	if !errors.As(err, &outer) || outer.Kind != datatypes.KindModelError {
		return err
	}
	var inner *datatypes.PipelineError
	if errors.As(outer.Err, &inner) && inner.Kind == datatypes.KindTimeout {
		return inner
	}
	return err
}

// cachedEntry looks up the cache and drops entries whose query no longer
// fits a changed schema.
func (p *Pipeline) cachedEntry(question, fingerprint string) (querycache.Entry, bool) {
	entry, ok := p.deps.Cache.Get(question, fingerprint)
	if !ok {
		return querycache.Entry{}, false
	}
	snap := p.deps.Schema.Current()
	if snap == nil || snap.Version == entry.SchemaVersion {
		return entry, true
	}
	if unknown := cypher.ReferencesKnownSchema(entry.Query, snap); len(unknown) > 0 {
		p.deps.Cache.Delete(question, fingerprint)
		slog.Info("Dropped cached answer built against an older schema",
			"cached_version", entry.SchemaVersion,
			"schema_version", snap.Version,
			"unknown", unknown)
		return querycache.Entry{}, false
	}
	return entry, true
}

func (p *Pipeline) commitCached(ctx context.Context, r *run, conv *conversation.Context, entry querycache.Entry) (*datatypes.AskResponse, error) {
	r.to(StateComposing)
	r.to(StateDone)
	if err := cancelled(ctx, "pipeline.commit"); err != nil {
		return nil, p.abandon(r, err)
	}

	result := entry.Result
	if result == nil {
		result = &datatypes.QueryResult{}
	}
	rows := result.Rows
	if rows == nil {
		rows = []datatypes.Row{}
	}
	latency := time.Since(r.start)
	conv.Append(conversation.Turn{
		Question:       r.question,
		GeneratedQuery: entry.Query,
		Answer:         entry.Answer,
		Status:         datatypes.StatusCached,
		Timestamp:      r.start,
		Latency:        latency,
	})

	p.deps.Metrics.RecordAsk(datatypes.StatusCached, latency)
	r.span.SetAttributes(attribute.Bool("pipeline.cache_hit", true))
	slog.Info("Question answered from cache", "latency_ms", latency.Milliseconds())
	return &datatypes.AskResponse{
		Question:  r.question,
		Answer:    entry.Answer,
		Query:     entry.Query,
		Columns:   result.Columns,
		Rows:      rows,
		Truncated: result.Truncated,
		Status:    datatypes.StatusCached,
		LatencyMs: latency.Milliseconds(),
	}, nil
}

// fail records a FAILED turn for err, unless the ask was cancelled.
func (p *Pipeline) fail(ctx context.Context, r *run, conv *conversation.Context, err error, query string) (*datatypes.AskResponse, error) {
	if cerr := cancelled(ctx, "pipeline.commit"); cerr != nil {
		return nil, p.abandon(r, cerr)
	}
	if datatypes.IsKind(err, datatypes.KindCancelled) {
		return nil, p.abandon(r, err)
	}

	var pe *datatypes.PipelineError
	if !errors.As(err, &pe) {
		pe = datatypes.NewError(datatypes.KindExecutionFailure, "pipeline", err)
	}
	if pe.Query == "" && query != "" {
		pe = pe.WithQuery(query)
	}
	r.to(StateFailed)
	r.span.RecordError(pe)
	r.span.SetStatus(codes.Error, pe.Error())

	answer := pe.UserMessage()
	latency := time.Since(r.start)
	conv.Append(conversation.Turn{
		Question:       r.question,
		GeneratedQuery: pe.Query,
		Answer:         answer,
		Status:         datatypes.StatusFailed,
		Timestamp:      r.start,
		Latency:        latency,
	})

	p.deps.Metrics.RecordAsk(datatypes.StatusFailed, latency)
	p.deps.Metrics.RecordError(pe.Kind)
	slog.Warn("Question failed",
		"kind", pe.Kind,
		"op", pe.Op,
		"attempts", r.attempts,
		"latency_ms", latency.Milliseconds(),
		"error", pe.Err)
	return &datatypes.AskResponse{
		Question:  r.question,
		Answer:    answer,
		Query:     pe.Query,
		Rows:      []datatypes.Row{},
		Status:    datatypes.StatusFailed,
		LatencyMs: latency.Milliseconds(),
		Attempts:  r.attempts,
		ErrorKind: pe.Kind,
		Error:     pe,
	}, nil
}

// abandon ends a cancelled ask without committing anything.
func (p *Pipeline) abandon(r *run, err error) error {
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, "cancelled")
	slog.Info("Question abandoned", "state", r.state, "attempts", r.attempts)
	return err
}

// cancelled returns a Cancelled error once ctx is done.
func cancelled(ctx context.Context, op string) error {
	if ctx.Err() == nil {
		return nil
	}
	return datatypes.NewError(datatypes.KindCancelled, op, ctx.Err())
}

// failureReason extracts the cause shown to the model on a retry.
func failureReason(err error) string {
	var pe *datatypes.PipelineError
	if errors.As(err, &pe) && pe.Err != nil {
		return pe.Err.Error()
	}
	return fmt.Sprint(err)
}
