// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package composer turns query results into conversational answers.
package composer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/graphask/services/llm"
	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
	"github.com/tmc/langchaingo/prompts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("graphask.composer")

const (
	// NoResultsAnswer is returned for an empty result.
	NoResultsAnswer = "No matching records found."

	// FallbackAnswer is returned when composition itself fails.
	FallbackAnswer = "I found an answer but couldn't put it into words. Check the returned rows for details."

	// DefaultMaxRenderedRows bounds the rows listed in a summary.
	DefaultMaxRenderedRows = 10

	// DefaultParaphraseTimeout bounds the paraphrase call.
	DefaultParaphraseTimeout = 20 * time.Second
)

const paraphraseTemplate = `You are an assistant that turns graph query results into short, natural answers.
Answer the question using ONLY the information in the results. Do not add facts, counts or names that are not in the results.
If the results are a list, mention every item shown.

Question: {{.question}}
Query: {{.query}}
Results ({{.count}} rows):
{{.rows}}

Answer:`

var paraphrasePrompt = prompts.NewPromptTemplate(paraphraseTemplate,
	[]string{"question", "query", "count", "rows"})

var (
	numberRe   = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	funcCallRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*\(.*\)$`)
)

// Config configures a Composer.
type Config struct {
	// Paraphrase enables the model rewrite of multi-row summaries. It has
	// no effect without an LLM client.
	Paraphrase bool

	// MaxRenderedRows bounds the rows listed in a summary. Default 10.
	MaxRenderedRows int

	// Timeout bounds the paraphrase call. Default 20s.
	Timeout time.Duration
}

// Composer renders answers from query results.
//
// # Description
//
// Composition is deterministic first: empty results, single values and
// row listings all have fixed phrasings. When paraphrasing is enabled the
// listing is sent to the model, and the model's text is used only when
// every number in it also appears in the results. Truncated results
// always end with a note naming the row limit.
//
// # Thread Safety
//
// Safe for concurrent use if the LLMClient is.
type Composer struct {
	client llm.LLMClient
	cfg    Config
}

// New creates a composer. client may be nil.
func New(client llm.LLMClient, cfg Config) *Composer {
	if cfg.MaxRenderedRows <= 0 {
		cfg.MaxRenderedRows = DefaultMaxRenderedRows
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultParaphraseTimeout
	}
	return &Composer{client: client, cfg: cfg}
}

// Compose renders the answer to question from result.
//
// # Example
//
//	c.Compose(ctx, "How many assets are there?", &datatypes.QueryResult{
//	    Columns: []string{"count"},
//	    Rows:    []datatypes.Row{{"count": int64(42)}},
//	}, query)
//	// "The count is 42."
func (c *Composer) Compose(ctx context.Context, question string, result *datatypes.QueryResult, query string) (answer string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Answer composition panicked", "panic", r)
			answer = FallbackAnswer
		}
	}()

	if result.Len() == 0 {
		return NoResultsAnswer
	}

	var body string
	if len(result.Rows) == 1 && len(result.Columns) == 1 {
		col := result.Columns[0]
		body = fmt.Sprintf("The %s is %s.", FieldName(col), FormatValue(result.Rows[0][col]))
	} else {
		body = c.summarize(result)
		if c.cfg.Paraphrase && c.client != nil {
			if p, ok := c.paraphrase(ctx, question, query, result); ok {
				body = p
			}
		}
	}

	if result.Truncated {
		body += fmt.Sprintf("\n\n(Results were limited to the first %d rows.)", len(result.Rows))
	}
	return body
}

// summarize lists up to MaxRenderedRows rows.
func (c *Composer) summarize(result *datatypes.QueryResult) string {
	var b strings.Builder
	n := len(result.Rows)
	if n == 1 {
		b.WriteString("Found 1 result:")
	} else {
		fmt.Fprintf(&b, "Found %d results:", n)
	}
	shown := min(n, c.cfg.MaxRenderedRows)
	for _, row := range result.Rows[:shown] {
		b.WriteString("\n- ")
		b.WriteString(renderRow(result.Columns, row))
	}
	if n > shown {
		fmt.Fprintf(&b, "\n...and %d more.", n-shown)
	}
	return b.String()
}

func (c *Composer) paraphrase(ctx context.Context, question, query string, result *datatypes.QueryResult) (string, bool) {
	ctx, span := tracer.Start(ctx, "Composer.paraphrase")
	defer span.End()

	rowsText := renderRowsJSON(result, c.cfg.MaxRenderedRows)
	prompt, err := paraphrasePrompt.Format(map[string]any{
		"question": question,
		"query":    query,
		"count":    len(result.Rows),
		"rows":     rowsText,
	})
	if err != nil {
		slog.Warn("Rendering paraphrase prompt failed", "error", err)
		return "", false
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	out, err := c.client.Generate(callCtx, prompt, llm.GenerationParams{
		Temperature: llm.Float32(0),
		MaxTokens:   llm.Int(400),
	})
	if err != nil {
		slog.Warn("Paraphrase call failed, using deterministic summary", "error", err)
		span.SetAttributes(attribute.String("composer.outcome", "error"))
		return "", false
	}
	out = strings.TrimSpace(out)
	if out == "" || !Grounded(out, result) {
		slog.Info("Paraphrase rejected, using deterministic summary", "empty", out == "")
		span.SetAttributes(attribute.String("composer.outcome", "ungrounded"))
		return "", false
	}
	span.SetAttributes(attribute.String("composer.outcome", "accepted"))
	return out, true
}

// Grounded reports whether every number in text occurs in result (as a
// value or as the row count).
func Grounded(text string, result *datatypes.QueryResult) bool {
	allowed := map[string]struct{}{strconv.Itoa(result.Len()): {}}
	for _, row := range result.Rows {
		for _, v := range row {
			for _, n := range numberRe.FindAllString(FormatValue(v), -1) {
				allowed[n] = struct{}{}
			}
		}
	}
	for _, n := range numberRe.FindAllString(text, -1) {
		if _, ok := allowed[n]; !ok {
			return false
		}
	}
	return true
}

// FieldName derives a readable field name from a column: the function name
// for aggregates ("count(a)" -> "count"), else the last dotted segment
// ("o.name" -> "name").
func FieldName(column string) string {
	column = strings.TrimSpace(column)
	if m := funcCallRe.FindStringSubmatch(column); m != nil {
		return strings.ToLower(m[1])
	}
	if i := strings.LastIndex(column, "."); i >= 0 && i < len(column)-1 {
		return column[i+1:]
	}
	return column
}

// FormatValue renders a result value for an answer.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = FormatValue(item)
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(val, ", ")
	case map[string]any:
		return formatMap(val)
	default:
		return fmt.Sprint(val)
	}
}

// formatMap renders flattened nodes by name when they have one, else as
// sorted key: value pairs without the internal keys.
func formatMap(m map[string]any) string {
	for _, k := range []string{"name", "title", "id"} {
		if v, ok := m[k]; ok {
			return FormatValue(v)
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if !strings.HasPrefix(k, "_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, FormatValue(m[k])))
	}
	if len(parts) == 0 {
		if t, ok := m["_type"]; ok {
			return FormatValue(t)
		}
		if l, ok := m["_labels"]; ok {
			return FormatValue(l)
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func renderRow(columns []string, row datatypes.Row) string {
	if len(columns) == 1 {
		return FormatValue(row[columns[0]])
	}
	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		parts = append(parts, fmt.Sprintf("%s: %s", FieldName(col), FormatValue(row[col])))
	}
	return strings.Join(parts, ", ")
}

func renderRowsJSON(result *datatypes.QueryResult, limit int) string {
	rows := result.Rows
	if len(rows) > limit {
		rows = rows[:limit]
	}
	var b strings.Builder
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			b.WriteString(renderRow(result.Columns, row))
		} else {
			b.Write(data)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
