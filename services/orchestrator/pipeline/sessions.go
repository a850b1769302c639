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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/graphask/services/orchestrator/conversation"
	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
	"github.com/AleutianAI/graphask/services/orchestrator/observability"
	"github.com/google/uuid"
)

// ErrSessionNotFound is returned for unknown or reaped session ids.
var ErrSessionNotFound = errors.New("session not found")

// DefaultSessionIdleTTL is how long an unused session survives.
const DefaultSessionIdleTTL = 30 * time.Minute

// =============================================================================
// Session
// =============================================================================

// Session is one conversation. Its context is touched only while the
// session lock is held, so asks on one session run one at a time.
type Session struct {
	ID        string
	CreatedAt time.Time

	sem      chan struct{}
	conv     *conversation.Context
	lastUsed atomic.Int64
}

// lock acquires the session, giving up when ctx is done.
func (s *Session) lock(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return datatypes.NewError(datatypes.KindCancelled, "session.lock", ctx.Err())
	}
}

func (s *Session) unlock() { <-s.sem }

func (s *Session) touch(now time.Time) { s.lastUsed.Store(now.UnixNano()) }

func (s *Session) idleSince() time.Time { return time.Unix(0, s.lastUsed.Load()) }

// sessionExport is the serialized form of a session's history.
type sessionExport struct {
	SessionID  string              `json:"session_id"`
	CreatedAt  time.Time           `json:"created_at"`
	ExportedAt time.Time           `json:"exported_at"`
	Turns      []conversation.Turn `json:"turns"`
}

// =============================================================================
// SessionManager
// =============================================================================

// SessionConfig configures a SessionManager.
type SessionConfig struct {
	// ContextWindow bounds the turns kept per session. Default 10.
	ContextWindow int

	// FingerprintDepth is the number of turns covered by the cache
	// fingerprint. Default 3.
	FingerprintDepth int

	// IdleTTL is how long an unused session survives. Default 30m.
	IdleTTL time.Duration
}

// SessionManager owns the in-memory conversation sessions.
//
// # Description
//
// Sessions are created with a random UUID and live until deleted or idle
// for longer than IdleTTL. Nothing is persisted.
//
// # Thread Safety
//
// Safe for concurrent use. Different sessions never contend beyond the
// brief map lookup.
type SessionManager struct {
	cfg     SessionConfig
	metrics *observability.PipelineMetrics
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates an empty manager. metrics may be nil.
func NewSessionManager(cfg SessionConfig, metrics *observability.PipelineMetrics) *SessionManager {
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = conversation.DefaultMaxTurns
	}
	if cfg.FingerprintDepth <= 0 {
		cfg.FingerprintDepth = conversation.DefaultFingerprintDepth
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultSessionIdleTTL
	}
	return &SessionManager{
		cfg:      cfg,
		metrics:  metrics,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// NewSession creates a session and returns its id.
func (m *SessionManager) NewSession() string {
	now := m.now()
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		sem:       make(chan struct{}, 1),
		conv:      conversation.NewContext(m.cfg.ContextWindow, m.cfg.FingerprintDepth),
	}
	s.touch(now)

	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetActiveSessions(n)
	slog.Info("Session created", "session_id", s.ID)
	return s.ID
}

// Get returns the session and marks it used.
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.touch(m.now())
	return s, nil
}

// Delete removes a session.
func (m *SessionManager) Delete(id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m.metrics.SetActiveSessions(n)
	slog.Info("Session deleted", "session_id", id)
	return nil
}

// Clear empties a session's history, starting a new conversation under
// the same id. It waits for an in-flight ask to finish.
func (m *SessionManager) Clear(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()
	s.conv.Clear()
	slog.Info("Session cleared", "session_id", id)
	return nil
}

// History returns a copy of the session's turns, oldest first.
func (m *SessionManager) History(ctx context.Context, id string) ([]conversation.Turn, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()
	return s.conv.Turns(), nil
}

// Export serializes the session's history as indented JSON.
func (m *SessionManager) Export(ctx context.Context, id string) ([]byte, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	turns, err := m.History(ctx, id)
	if err != nil {
		return nil, err
	}
	if turns == nil {
		turns = []conversation.Turn{}
	}
	data, err := json.MarshalIndent(sessionExport{
		SessionID:  s.ID,
		CreatedAt:  s.CreatedAt,
		ExportedAt: m.now(),
		Turns:      turns,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to export session %s: %w", id, err)
	}
	return data, nil
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ReapIdle deletes sessions unused for longer than IdleTTL and returns how
// many were removed.
func (m *SessionManager) ReapIdle() int {
	cutoff := m.now().Add(-m.cfg.IdleTTL)

	m.mu.Lock()
	removed := 0
	for id, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if removed > 0 {
		m.metrics.SetActiveSessions(n)
		slog.Info("Reaped idle sessions", "count", removed, "remaining", n)
	}
	return removed
}

// StartReaper runs ReapIdle every interval until ctx is done. The returned
// channel is closed when the reaper exits.
func (m *SessionManager) StartReaper(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ReapIdle()
			}
		}
	}()
	return done
}
