// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation holds the bounded per-session history used to
// resolve follow-up questions.
//
// # Description
//
// A Context keeps the N most recent turns of one chat session in a ring
// buffer. It supplies the turns injected into the translation prompt and a
// fingerprint of the recent turns that keys the query cache, so that a
// cached answer produced under one conversational state is never replayed
// under another.
//
// # Thread Safety
//
// Context is NOT internally synchronized. It is owned by a single session
// whose mutex serializes every read-then-write sequence.
package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
)

// Context is the ordered, bounded history of one conversation.
type Context struct {
	turns            *RingBuffer[Turn]
	fingerprintDepth int
}

// NewContext creates an empty history.
//
// # Inputs
//
//   - maxTurns: History bound. Values <= 0 use DefaultMaxTurns.
//   - fingerprintDepth: How many recent turns feed Fingerprint. Values <= 0
//     use DefaultFingerprintDepth.
//
// # Outputs
//
//   - *Context: Empty history.
func NewContext(maxTurns, fingerprintDepth int) *Context {
	if fingerprintDepth <= 0 {
		fingerprintDepth = DefaultFingerprintDepth
	}
	return &Context{
		turns:            NewRingBuffer[Turn](maxTurns),
		fingerprintDepth: fingerprintDepth,
	}
}

// Append records a completed turn, evicting the oldest turn when the
// history is full. O(1).
func (c *Context) Append(turn Turn) {
	c.turns.Push(turn)
}

// Recent returns the last k turns in chronological order (oldest first).
func (c *Context) Recent(k int) []Turn {
	return c.turns.Last(k)
}

// Turns returns the whole history, oldest first.
func (c *Context) Turns() []Turn {
	return c.turns.Slice()
}

// Len returns the number of turns held.
func (c *Context) Len() int {
	return c.turns.Len()
}

// Cap returns the history bound.
func (c *Context) Cap() int {
	return c.turns.Cap()
}

// Clear drops every turn. Used for "new conversation".
func (c *Context) Clear() {
	c.turns.Clear()
}

// Fingerprint returns a deterministic digest of the most recent turns.
//
// # Description
//
// The digest covers question, generated query, answer and status of the
// last fingerprintDepth turns. Timestamps and latencies are excluded so the
// same conversational content always yields the same fingerprint. A CACHED
// turn digests like a SUCCESS turn since both carry the same answer. An
// empty history yields EmptyFingerprint().
//
// # Outputs
//
//   - string: Hex-encoded SHA-256.
func (c *Context) Fingerprint() string {
	return FingerprintOf(c.turns.Last(c.fingerprintDepth))
}

// FingerprintOf digests an explicit list of turns.
func FingerprintOf(turns []Turn) string {
	h := sha256.New()
	for _, t := range turns {
		writeField(h, t.Question)
		writeField(h, t.GeneratedQuery)
		writeField(h, t.Answer)
		status := t.Status
		if status == datatypes.StatusCached {
			status = datatypes.StatusSuccess
		}
		writeField(h, string(status))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EmptyFingerprint is the fingerprint of a conversation with no turns.
func EmptyFingerprint() string {
	return FingerprintOf(nil)
}

// writeField writes a length-prefixed field so that field boundaries can't
// be forged by content.
func writeField(h hash.Hash, s string) {
	var n [8]byte
	l := uint64(len(s))
	for i := 0; i < 8; i++ {
		n[i] = byte(l >> (8 * i))
	}
	h.Write(n[:])
	h.Write([]byte(s))
}
