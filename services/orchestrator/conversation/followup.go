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
	"strings"
)

// =============================================================================
// Configuration
// =============================================================================

// FollowUpConfig holds configuration for follow-up detection.
//
// # Example
//
//	config := DefaultFollowUpConfig()
//	config.MinQuestionLength = 12
//	detector := NewFollowUpDetector(config)
type FollowUpConfig struct {
	// Enabled controls whether detection is active.
	// If false, IsFollowUp and IsTopicSwitch always return false.
	// Default: true
	Enabled bool

	// MinQuestionLength is the length under which a question is treated as
	// elliptical ("and stewards?").
	// Default: 20
	MinQuestionLength int
}

// DefaultFollowUpConfig returns the default detection configuration.
func DefaultFollowUpConfig() FollowUpConfig {
	return FollowUpConfig{
		Enabled:           true,
		MinQuestionLength: 20,
	}
}

// =============================================================================
// Implementation
// =============================================================================

// FollowUpDetector classifies questions relative to the conversation.
//
// # Description
//
// FollowUpDetector uses cheap lexical heuristics to decide whether a
// question leans on earlier turns ("what about its stewards?") or
// explicitly abandons them ("new question: ..."). The pipeline uses the
// first to add a reference-resolution instruction to the prompt and the
// second to translate without history.
//
// # Thread Safety
//
// FollowUpDetector is immutable and safe for concurrent use.
type FollowUpDetector struct {
	config FollowUpConfig
}

// NewFollowUpDetector creates a detector with the given config.
func NewFollowUpDetector(config FollowUpConfig) *FollowUpDetector {
	return &FollowUpDetector{config: config}
}

// referenceWords contains words that point back at an earlier turn.
var referenceWords = []string{
	"he", "she", "it", "they", "them", "his", "her", "its", "their", "theirs",
	"this", "that", "these", "those", "same", "former", "latter",
	"more", "again", "also", "else",
}

// ellipsisPrefixes open questions that only make sense with prior context.
var ellipsisPrefixes = []string{
	"what about", "how about", "and ", "and what", "also ", "what else",
}

// commandStopList contains inputs that are never follow-ups.
var commandStopList = []string{
	"stop", "clear", "help", "reset", "quit", "exit", "schema",
	"cancel", "start over",
}

// topicSwitchPhrases contains phrases indicating an intentional topic change.
var topicSwitchPhrases = []string{
	"switching gears", "different topic", "unrelated", "change of subject",
	"new question", "forget that", "moving on", "something else",
	"on another note", "separate question",
}

// IsFollowUp reports whether the question appears to reference earlier
// turns.
//
// # Description
//
// Returns false for commands and explicit topic switches. Otherwise a
// question is a follow-up when it is short, opens with an elliptical
// prefix, or contains a pronoun or demonstrative.
//
// # Example
//
//	detector.IsFollowUp("What about its stewards?")             // true
//	detector.IsFollowUp("How many assets are in the database?") // false
//	detector.IsFollowUp("help")                                 // false
func (d *FollowUpDetector) IsFollowUp(question string) bool {
	if !d.config.Enabled {
		return false
	}

	lower := strings.ToLower(strings.TrimSpace(question))
	if lower == "" {
		return false
	}
	if d.isCommand(lower) || d.IsTopicSwitch(question) {
		return false
	}
	for _, prefix := range ellipsisPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	if len(lower) < d.config.MinQuestionLength {
		return true
	}
	return d.containsReference(lower)
}

// IsTopicSwitch reports whether the question explicitly abandons the
// current topic.
//
// # Example
//
//	detector.IsTopicSwitch("New question: how many domains exist?") // true
func (d *FollowUpDetector) IsTopicSwitch(question string) bool {
	if !d.config.Enabled {
		return false
	}
	lower := strings.ToLower(question)
	for _, phrase := range topicSwitchPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// isCommand returns true if the input matches the command stop list.
func (d *FollowUpDetector) isCommand(lower string) bool {
	for _, cmd := range commandStopList {
		if lower == cmd || strings.HasPrefix(lower, cmd+" ") {
			return true
		}
	}
	return false
}

// containsReference returns true if any word is a pronoun or demonstrative.
func (d *FollowUpDetector) containsReference(lower string) bool {
	for _, word := range strings.Fields(lower) {
		word = strings.Trim(word, ".,!?;:'\"()")
		word = strings.TrimSuffix(word, "'s")
		for _, ref := range referenceWords {
			if word == ref {
				return true
			}
		}
	}
	return false
}

// Enabled reports whether detection is active.
func (d *FollowUpDetector) Enabled() bool {
	return d.config.Enabled
}
