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

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_WrappedChain(t *testing.T) {
	base := NewError(KindTimeout, "engine.execute", context.DeadlineExceeded)
	wrapped := fmt.Errorf("pipeline: %w", base)

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, kind)
	assert.True(t, IsKind(wrapped, KindTimeout))
	assert.False(t, IsKind(wrapped, KindExecutionFailure))
	assert.True(t, errors.Is(wrapped, context.DeadlineExceeded))
}

func TestKindOf_PlainError(t *testing.T) {
	_, ok := KindOf(errors.New("boom"))
	assert.False(t, ok)
	_, ok = KindOf(nil)
	assert.False(t, ok)
}

func TestPipelineError_WithQueryDoesNotMutate(t *testing.T) {
	orig := NewError(KindInvalidQuery, "validator", errors.New("mutation keyword CREATE"))
	withQ := orig.WithQuery("CREATE (n)")

	assert.Empty(t, orig.Query)
	assert.Equal(t, "CREATE (n)", withQ.Query)
	assert.Contains(t, withQ.UserMessage(), "CREATE (n)")
}

func TestPipelineError_UserMessages(t *testing.T) {
	kinds := []ErrorKind{
		KindConnectionFailure, KindModelError, KindInvalidQuery,
		KindExecutionFailure, KindTimeout, KindCancelled,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		msg := NewError(k, "op", nil).UserMessage()
		assert.NotEmpty(t, msg, "kind %s", k)
		assert.False(t, seen[msg], "duplicate message for %s", k)
		seen[msg] = true
	}
	assert.Contains(t, strings.ToLower(NewError(KindTimeout, "op", nil).UserMessage()), "narrow")
	assert.Contains(t, strings.ToLower(NewError(KindConnectionFailure, "op", nil).UserMessage()), "reinitialize")
}

func TestPipelineError_ErrorString(t *testing.T) {
	assert.Equal(t, "schema.fetch: connection_failure", NewError(KindConnectionFailure, "schema.fetch", nil).Error())
	assert.Equal(t, "llm: model_error: down", NewError(KindModelError, "llm", errors.New("down")).Error())
}

func TestAskRequest_Validate(t *testing.T) {
	t.Run("trims and accepts", func(t *testing.T) {
		req := AskRequest{Question: "  How many assets are there?  "}
		require.NoError(t, req.Validate())
		assert.Equal(t, "How many assets are there?", req.Question)
	})

	t.Run("rejects blank", func(t *testing.T) {
		req := AskRequest{Question: "   "}
		assert.Error(t, req.Validate())
	})

	t.Run("rejects oversized", func(t *testing.T) {
		req := AskRequest{Question: strings.Repeat("a", MaxQuestionBytes+1)}
		assert.Error(t, req.Validate())
	})
}

func TestQueryResult_Clone(t *testing.T) {
	r := &QueryResult{Columns: []string{"n"}, Rows: []Row{{"n": 1}}, Truncated: true}
	cp := r.Clone()
	cp.Rows = append(cp.Rows, Row{"n": 2})
	cp.Columns[0] = "m"

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, "n", r.Columns[0])
	assert.True(t, cp.Truncated)

	var nilResult *QueryResult
	assert.Equal(t, 0, nilResult.Len())
	assert.Nil(t, nilResult.Clone())
}
