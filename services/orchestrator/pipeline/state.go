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

import "fmt"

// State is a step of one ask.
type State int

const (
	StateIdle State = iota
	StateTranslating
	StateValidating
	StateExecuting
	StateComposing
	StateDone
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateTranslating:
		return "TRANSLATING"
	case StateValidating:
		return "VALIDATING"
	case StateExecuting:
		return "EXECUTING"
	case StateComposing:
		return "COMPOSING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// transitions lists the legal moves. FAILED is reachable from every
// non-idle, non-terminal state and is added by CanTransition.
var transitions = map[State][]State{
	StateIdle:        {StateTranslating, StateComposing},
	StateTranslating: {StateValidating, StateTranslating},
	StateValidating:  {StateExecuting, StateTranslating},
	StateExecuting:   {StateComposing},
	StateComposing:   {StateDone},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	if to == StateFailed {
		return from != StateIdle && !from.Terminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
