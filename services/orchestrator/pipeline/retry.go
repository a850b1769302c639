// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
)

// RetryPolicy declares which failures are answered with a fresh,
// reformulated translation and how many translations a question may use.
//
// # Description
//
// The policy is consumed in one place, after translation and validation.
// Execution failures never reach it: a query the store rejected is
// reported, not regenerated.
type RetryPolicy struct {
	// MaxAttempts bounds translations per question, the first included.
	MaxAttempts int

	// Retryable lists the error kinds that earn another attempt.
	Retryable []datatypes.ErrorKind
}

// DefaultRetryPolicy allows one extra translation after a model error or
// a rejected query.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		Retryable:   []datatypes.ErrorKind{datatypes.KindModelError, datatypes.KindInvalidQuery},
	}
}

// IsRetryable reports whether kind is listed in the policy.
func (p RetryPolicy) IsRetryable(kind datatypes.ErrorKind) bool {
	for _, k := range p.Retryable {
		if k == kind {
			return true
		}
	}
	return false
}

// ShouldRetry reports whether err, raised by attempt (1-based), earns
// another attempt.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	kind, ok := datatypes.KindOf(err)
	return ok && p.IsRetryable(kind)
}
