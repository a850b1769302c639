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
	"regexp"
	"strings"
)

var (
	fencedBlockRe = regexp.MustCompile("(?s)```(?:[A-Za-z0-9_-]*[ \t]*\n)?(.*?)```")
	queryLabelRe  = regexp.MustCompile(`(?im)^[ \t>*_#-]*(?:cypher(?:\s+query)?|query)\s*[*_]*\s*:`)

	// Clauses that may open a read query. WITH, CALL and RETURN only count
	// in upper case so that prose such as "With this query..." is skipped.
	caseInsensitiveOpeners = regexp.MustCompile(`(?i)^(?:OPTIONAL\s+MATCH|MATCH|UNWIND)\b`)
	upperCaseOpeners       = regexp.MustCompile(`^(?:WITH|CALL|RETURN)\b`)
)

// ExtractQuery pulls a Cypher statement out of free-form model output.
//
// # Description
//
// Tries, in order:
//
//  1. A fenced code block (```cypher, ``` or any tag), preferring the
//     first one that opens with a read clause.
//  2. Text following a "Cypher:" or "Query:" label, through the end of
//     that paragraph.
//  3. The first line that opens with a read clause (MATCH, OPTIONAL MATCH,
//     UNWIND, WITH, CALL, RETURN), through the end of that paragraph.
//
// The result is trimmed and trailing semicolons are removed.
//
// # Outputs
//
//   - string: The extracted query.
//   - bool: False when nothing query-like was found.
//
// # Example
//
//	q, ok := ExtractQuery("Here you go:\n```cypher\nMATCH (a:Asset) RETURN count(a);\n```")
//	// q == "MATCH (a:Asset) RETURN count(a)", ok == true
func ExtractQuery(output string) (string, bool) {
	output = strings.ReplaceAll(output, "\r\n", "\n")

	var firstBlock string
	for _, m := range fencedBlockRe.FindAllStringSubmatch(output, -1) {
		q := cleanQuery(m[1])
		if q == "" {
			continue
		}
		if opensWithReadClause(q) {
			return q, true
		}
		if firstBlock == "" {
			firstBlock = q
		}
	}
	if firstBlock != "" {
		return firstBlock, true
	}

	if loc := queryLabelRe.FindStringIndex(output); loc != nil {
		rest := strings.TrimLeft(output[loc[1]:], " \t\n")
		if q := cleanQuery(firstParagraph(rest)); q != "" && opensWithReadClause(q) {
			return q, true
		}
	}

	lines := strings.Split(output, "\n")
	for i, line := range lines {
		if opensWithReadClause(strings.TrimSpace(line)) {
			if q := cleanQuery(firstParagraph(strings.Join(lines[i:], "\n"))); q != "" {
				return q, true
			}
		}
	}
	return "", false
}

func opensWithReadClause(line string) bool {
	return caseInsensitiveOpeners.MatchString(line) || upperCaseOpeners.MatchString(line)
}

// firstParagraph returns text up to the first blank line.
func firstParagraph(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			if len(out) == 0 {
				continue
			}
			break
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

func cleanQuery(s string) string {
	s = strings.TrimSpace(s)
	// Some models repeat the language tag on its own first line.
	if first, rest, found := strings.Cut(s, "\n"); found && strings.EqualFold(strings.TrimSpace(first), "cypher") {
		s = strings.TrimSpace(rest)
	}
	s = strings.Trim(s, "`")
	s = strings.TrimSpace(s)
	for strings.HasSuffix(s, ";") {
		s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	}
	return s
}
