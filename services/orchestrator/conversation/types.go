// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"encoding/json"
	"time"

	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
)

const (
	// DefaultMaxTurns bounds the history kept per session.
	DefaultMaxTurns = 10

	// DefaultFingerprintDepth is how many recent turns feed the fingerprint.
	DefaultFingerprintDepth = 3
)

// Turn is one completed question/answer exchange.
//
// # Description
//
// Turn is a value type: once appended to a Context it is never modified,
// and every accessor returns copies. GeneratedQuery is empty when no query
// was produced (for example when the model output was unparsable).
//
// # JSON Serialization
//
//	{
//	    "question": "Who owns the Customer table?",
//	    "generated_query": "MATCH (t:Table {name: 'Customer'})<-[:OWNS]-(o) RETURN o.name LIMIT 101",
//	    "answer": "The name is Alice.",
//	    "status": "SUCCESS",
//	    "timestamp": "2025-06-01T12:00:00Z",
//	    "latency_ms": 812
//	}
type Turn struct {
	Question       string
	GeneratedQuery string
	Answer         string
	Status         datatypes.TurnStatus
	Timestamp      time.Time
	Latency        time.Duration
}

type turnJSON struct {
	Question       string               `json:"question"`
	GeneratedQuery *string              `json:"generated_query"`
	Answer         string               `json:"answer"`
	Status         datatypes.TurnStatus `json:"status"`
	Timestamp      time.Time            `json:"timestamp"`
	LatencyMs      int64                `json:"latency_ms"`
}

// MarshalJSON encodes the turn with latency in milliseconds and a null
// generated_query when none was produced.
func (t Turn) MarshalJSON() ([]byte, error) {
	out := turnJSON{
		Question:  t.Question,
		Answer:    t.Answer,
		Status:    t.Status,
		Timestamp: t.Timestamp,
		LatencyMs: t.Latency.Milliseconds(),
	}
	if t.GeneratedQuery != "" {
		q := t.GeneratedQuery
		out.GeneratedQuery = &q
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (t *Turn) UnmarshalJSON(data []byte) error {
	var in turnJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	t.Question = in.Question
	t.Answer = in.Answer
	t.Status = in.Status
	t.Timestamp = in.Timestamp
	t.Latency = time.Duration(in.LatencyMs) * time.Millisecond
	t.GeneratedQuery = ""
	if in.GeneratedQuery != nil {
		t.GeneratedQuery = *in.GeneratedQuery
	}
	return nil
}
