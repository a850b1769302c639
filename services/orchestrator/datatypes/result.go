// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Row is a single result record keyed by column name. Values are scalars,
// lists, maps, or flattened graph values (nodes, relationships, paths).
type Row map[string]any

// QueryResult is the structured output of one query execution.
//
// # Description
//
// Rows preserve the order returned by the store. Truncated is set when the
// store had more rows than the configured limit; in that case len(Rows)
// equals the limit exactly.
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      []Row    `json:"rows"`
	Truncated bool     `json:"truncated"`
}

// Len returns the number of rows.
func (r *QueryResult) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Clone returns a copy whose row slice can be modified without touching r.
// Row maps themselves are shared; callers treat them as read-only.
func (r *QueryResult) Clone() *QueryResult {
	if r == nil {
		return nil
	}
	cp := &QueryResult{
		Columns:   append([]string(nil), r.Columns...),
		Rows:      append([]Row(nil), r.Rows...),
		Truncated: r.Truncated,
	}
	return cp
}
