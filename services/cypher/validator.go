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
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/AleutianAI/graphask/services/graphstore"
	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
)

// =============================================================================
// Denylist
// =============================================================================

var (
	// Write and administrative clauses, matched as whole words anywhere in
	// the raw text including literals and comments.
	deniedKeywordRe = regexp.MustCompile(`(?i)\b(CREATE|DELETE|DETACH|SET|MERGE|DROP|REMOVE|FOREACH|GRANT|REVOKE|DENY|ALTER|RENAME|START|STOP|TERMINATE)\b`)
	loadCSVRe       = regexp.MustCompile(`(?i)\bLOAD\s+CSV\b`)

	// Procedures with side effects.
	deniedProcedureRe = regexp.MustCompile(`(?i)\b(apoc\.(create|merge|refactor|periodic|do|cypher\.(run|doit)|nodes\.(delete|link)|trigger|load|export|import|atomic|lock|schema\.assert)|dbms\.|db\.(create|clear|index\.\w+\.(create|drop)|awaitIndex))`)

	readClauseRe   = regexp.MustCompile(`(?i)^(OPTIONAL\s+MATCH|MATCH|WITH|UNWIND|CALL|RETURN)\b`)
	returnRe       = regexp.MustCompile(`(?i)\bRETURN\b`)
	standaloneCall = regexp.MustCompile(`(?i)^CALL\s+db\.[A-Za-z_.]+\s*\(`)
	trailingLimit  = regexp.MustCompile(`(?is)\bLIMIT\s+(\S+)\s*$`)

	nodeLabelsRe = regexp.MustCompile("\\(\\s*(?:[A-Za-z_][A-Za-z0-9_]*)?\\s*((?:[:&|]\\s*`?[A-Za-z_][A-Za-z0-9_]*`?\\s*)+)")
	relTypesRe   = regexp.MustCompile("\\[\\s*(?:[A-Za-z_][A-Za-z0-9_]*)?\\s*:\\s*([^\\]{*]+)")
)

// ErrWriteOperation is wrapped when a query contains a denied keyword or
// procedure.
var ErrWriteOperation = errors.New("query contains a write or administrative operation")

// =============================================================================
// Validator
// =============================================================================

// ValidatedQuery is a query that passed validation, possibly rewritten to
// carry a row limit.
type ValidatedQuery struct {
	// Query is the text to execute.
	Query string

	// Original is the candidate as received.
	Original string

	// LimitInjected is set when a LIMIT clause was appended.
	LimitInjected bool

	// LimitClamped is set when an existing LIMIT was lowered.
	LimitClamped bool
}

// Validator statically checks candidate queries.
//
// # Description
//
// Validate rejects anything that is not a single, well-formed, read-only
// query and makes sure the query carries a row limit. The denylist is
// applied to the raw text, string literals included, so a legitimate query
// that merely mentions "set" in a literal is rejected too.
//
// The injected limit is maxRows+1: the extra row lets the engine tell a
// complete result from a truncated one.
//
// # Thread Safety
//
// Immutable; safe for concurrent use.
type Validator struct {
	maxRows int
}

// NewValidator creates a validator for results of at most maxRows rows.
// Values <= 0 use graphstore.DefaultRowLimit.
func NewValidator(maxRows int) *Validator {
	if maxRows <= 0 {
		maxRows = graphstore.DefaultRowLimit
	}
	return &Validator{maxRows: maxRows}
}

// MaxRows returns the configured row limit.
func (v *Validator) MaxRows() int { return v.maxRows }

// Validate checks query and returns its executable form.
//
// # Outputs
//
//   - ValidatedQuery: The query to execute.
//   - error: *datatypes.PipelineError of kind InvalidQuery recording the
//     offending query.
//
// # Example
//
//	vq, err := v.Validate("MATCH (a:Asset) RETURN a.name")
//	// vq.Query == "MATCH (a:Asset) RETURN a.name LIMIT 101" (maxRows 100)
func (v *Validator) Validate(query string) (ValidatedQuery, error) {
	original := query
	query = trimTail(strings.TrimSpace(query))

	if err := checkDenylist(query); err != nil {
		return ValidatedQuery{}, invalid(original, err)
	}
	if err := checkStructure(query); err != nil {
		return ValidatedQuery{}, invalid(original, err)
	}

	vq := ValidatedQuery{Query: query, Original: original}
	if standaloneCall.MatchString(query) && !returnRe.MatchString(query) {
		// A standalone procedure call cannot take LIMIT; the engine still
		// bounds the rows it reads.
		return vq, nil
	}

	fetchLimit := v.maxRows + 1
	code, _ := stripLiterals(query)
	if m := trailingLimit.FindStringSubmatchIndex(code); m != nil {
		arg := query[m[2]:m[3]]
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return ValidatedQuery{}, invalid(original, fmt.Errorf("row limit must be a non-negative integer literal, got %q", arg))
		}
		if n > fetchLimit {
			vq.Query = query[:m[2]] + strconv.Itoa(fetchLimit)
			vq.LimitClamped = true
		}
		return vq, nil
	}

	vq.Query = query + " LIMIT " + strconv.Itoa(fetchLimit)
	vq.LimitInjected = true
	return vq, nil
}

func invalid(query string, err error) error {
	return datatypes.NewError(datatypes.KindInvalidQuery, "cypher.validate", err).WithQuery(query)
}

func checkDenylist(query string) error {
	if m := deniedKeywordRe.FindString(query); m != "" {
		return fmt.Errorf("%w: %s", ErrWriteOperation, strings.ToUpper(m))
	}
	if loadCSVRe.MatchString(query) {
		return fmt.Errorf("%w: LOAD CSV", ErrWriteOperation)
	}
	if m := deniedProcedureRe.FindString(query); m != "" {
		return fmt.Errorf("%w: %s", ErrWriteOperation, m)
	}
	return nil
}

func checkStructure(query string) error {
	if query == "" {
		return errors.New("empty query")
	}
	code, err := stripLiterals(query)
	if err != nil {
		return err
	}
	if err := checkBalanced(code); err != nil {
		return err
	}
	if strings.Contains(code, ";") {
		return errors.New("multiple statements are not allowed")
	}
	if !readClauseRe.MatchString(strings.TrimSpace(code)) {
		return errors.New("query must begin with a read clause")
	}
	if !returnRe.MatchString(code) && !standaloneCall.MatchString(query) {
		return errors.New("query has no RETURN clause")
	}
	return nil
}

// stripLiterals blanks out string literals, quoted identifiers and comments
// so that structural checks only see code. The result has the same length
// as query and keeps its newlines, so offsets carry over. Unclosed literals
// or block comments are errors.
func stripLiterals(query string) (string, error) {
	b := []byte(query)
	blank := func(from, to int) {
		for k := from; k < to; k++ {
			if b[k] != '\n' {
				b[k] = ' '
			}
		}
	}
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end, ok := closingQuote(query, i)
			if !ok {
				if c == '`' {
					return "", errors.New("unclosed quoted identifier")
				}
				return "", errors.New("unclosed string literal")
			}
			b[i], b[end] = '\'', '\''
			blank(i+1, end)
			i = end
		case c == '/' && i+1 < len(query) && query[i+1] == '/':
			end := strings.IndexByte(query[i:], '\n')
			if end < 0 {
				end = len(query) - i
			}
			blank(i, i+end)
			i += end
		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				return "", errors.New("unclosed block comment")
			}
			blank(i, i+end+4)
			i += end + 3
		}
	}
	return string(b), nil
}

// trimTail drops trailing comments and statement terminators.
func trimTail(query string) string {
	for {
		next := query
		if code, err := stripLiterals(next); err == nil {
			next = strings.TrimSpace(next[:len(strings.TrimRightFunc(code, unicode.IsSpace))])
		}
		next = strings.TrimSpace(strings.TrimSuffix(next, ";"))
		if next == query {
			return query
		}
		query = next
	}
}

// closingQuote returns the index of the quote closing the literal opened at
// start. Backslash escapes apply to string literals; a doubled backtick
// escapes inside identifiers.
func closingQuote(s string, start int) (int, bool) {
	q := s[start]
	for i := start + 1; i < len(s); i++ {
		switch {
		case s[i] == '\\' && q != '`':
			i++
		case s[i] == q:
			if q == '`' && i+1 < len(s) && s[i+1] == '`' {
				i++
				continue
			}
			return i, true
		}
	}
	return 0, false
}

func checkBalanced(code string) error {
	var stack []byte
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	for i := 0; i < len(code); i++ {
		switch c := code[i]; c {
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				return fmt.Errorf("unbalanced %q at offset %d", c, i)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return fmt.Errorf("unclosed %q", stack[len(stack)-1])
	}
	return nil
}

// =============================================================================
// Schema references
// =============================================================================

// ReferencesKnownSchema lists labels and relationship types used by query
// that are absent from snap. An empty result means every reference is
// known. Unparsable queries yield nil.
func ReferencesKnownSchema(query string, snap *graphstore.SchemaSnapshot) []string {
	if snap == nil {
		return nil
	}
	code, err := stripLiterals(query)
	if err != nil {
		return nil
	}

	unknown := make(map[string]struct{})
	for _, m := range nodeLabelsRe.FindAllStringSubmatch(code, -1) {
		for _, label := range splitNames(m[1], ":&|") {
			if !snap.HasLabel(label) {
				unknown[label] = struct{}{}
			}
		}
	}
	for _, m := range relTypesRe.FindAllStringSubmatch(code, -1) {
		for _, rel := range splitNames(m[1], ":|") {
			if !snap.HasRelationshipType(rel) {
				unknown[rel] = struct{}{}
			}
		}
	}

	if len(unknown) == 0 {
		return nil
	}
	out := make([]string, 0, len(unknown))
	for name := range unknown {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func splitNames(s, seps string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(seps, r)
	})
	var out []string
	for _, f := range fields {
		f = strings.Trim(strings.TrimSpace(f), "`")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
