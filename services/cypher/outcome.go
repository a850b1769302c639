// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cypher turns questions into validated, read-only Cypher.
//
// # Description
//
// Translator builds a schema-aware prompt, makes exactly one language model
// call and parses the reply into an Outcome. Validator checks a candidate
// query statically: structure, a fail-closed denylist of write and admin
// keywords, and a row limit. Nothing in this package talks to the graph
// store.
package cypher

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
)

// OutcomeKind tags a translation result.
type OutcomeKind int

const (
	// OutcomeSuccess carries a candidate query.
	OutcomeSuccess OutcomeKind = iota

	// OutcomeInvalid means the model answered but no query could be
	// extracted from its reply.
	OutcomeInvalid

	// OutcomeModelError means the model call itself failed.
	OutcomeModelError
)

// String implements fmt.Stringer.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeModelError:
		return "model_error"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the parsed result of one translation.
//
// # Description
//
// Exactly one of Query (OutcomeSuccess) or Reason (otherwise) is
// meaningful. Err holds the model failure for OutcomeModelError. Raw is the
// unparsed model reply, kept for logging.
type Outcome struct {
	Kind   OutcomeKind
	Query  string
	Reason string
	Raw    string
	Err    error
}

// Succeeded builds a success outcome.
func Succeeded(query, raw string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Query: query, Raw: raw}
}

// Invalid builds an unparsable-output outcome.
func Invalid(reason, raw string) Outcome {
	return Outcome{Kind: OutcomeInvalid, Reason: reason, Raw: raw}
}

// ModelFailed builds a model-error outcome.
func ModelFailed(err error) Outcome {
	reason := "model call failed"
	if err != nil {
		reason = err.Error()
	}
	return Outcome{Kind: OutcomeModelError, Reason: reason, Err: err}
}

// OK reports whether the outcome carries a query.
func (o Outcome) OK() bool { return o.Kind == OutcomeSuccess }

// AsError converts a failed outcome into a classified pipeline error. It
// returns nil for a success.
//
// Both OutcomeInvalid and OutcomeModelError map to KindModelError.
func (o Outcome) AsError() error {
	switch o.Kind {
	case OutcomeSuccess:
		return nil
	case OutcomeModelError:
		cause := o.Err
		if cause == nil {
			cause = errors.New(o.Reason)
		}
		return datatypes.NewError(datatypes.KindModelError, "cypher.translate", cause)
	default:
		return datatypes.NewError(datatypes.KindModelError, "cypher.translate", errors.New(o.Reason))
	}
}
