// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging builds the process-wide structured logger for graphask.
//
// Output goes to stderr (text or JSON) and, optionally, to a daily JSON
// file under a log directory:
//
//	logger := logging.New(logging.Config{
//	    Level:   slog.LevelInfo,
//	    Format:  logging.FormatJSON,
//	    LogDir:  "~/.graphask/logs",  // Supports ~ expansion
//	    Service: "graphask",
//	})
//	defer logger.Close()  // Flushes and closes the file
//	logger.Install()      // slog.Default now writes here
//
// # Thread Safety
//
// Logger is safe for concurrent use.
//
// # Security Considerations
//
// This package does NOT redact. Callers log metadata about secrets, never
// the secrets themselves:
//
//	logger.Info("llm configured", "api_key_present", apiKey != "")
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// FormatText writes human-readable key=value lines.
	FormatText = "text"

	// FormatJSON writes one JSON object per line.
	FormatJSON = "json"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the Logger.
//
// A zero-value Config writes Info+ text to stderr.
type Config struct {
	// Level is the minimum level written. Default: slog.LevelInfo (zero).
	Level slog.Level

	// Format is FormatText or FormatJSON for the stream output.
	// File output is always JSON. Default: FormatText.
	Format string

	// LogDir enables file logging. The file is named
	// "{Service}_{YYYY-MM-DD}.log"; the directory is created with 0750.
	// Default: "" (file logging disabled)
	LogDir string

	// Service is attached to every record as "service". Default: "".
	Service string

	// Writer receives the stream output. Default: os.Stderr.
	Writer io.Writer

	// Quiet disables the stream output; only the file is written.
	Quiet bool
}

// =============================================================================
// Logger
// =============================================================================

// Logger wraps slog.Logger with an optional file destination.
//
// # Resource Management
//
// Call Close when done so the file is synced and closed:
//
//	logger := logging.New(config)
//	defer logger.Close()
type Logger struct {
	slog   *slog.Logger
	config Config
	path   string

	mu   sync.Mutex
	file *os.File
}

// New creates a Logger.
//
// # Outputs
//
//   - *Logger: Ready for use. Never nil.
//   - error: Non-nil if LogDir was set but the file could not be opened.
//     The returned Logger still writes to the stream.
func New(config Config) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: config.Level}
	logger := &Logger{config: config}

	var handlers []slog.Handler
	if !config.Quiet {
		w := config.Writer
		if w == nil {
			w = os.Stderr
		}
		if config.Format == FormatJSON {
			handlers = append(handlers, slog.NewJSONHandler(w, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(w, opts))
		}
	}

	var fileErr error
	if config.LogDir != "" {
		file, path, err := openLogFile(config.LogDir, config.Service)
		if err != nil {
			fileErr = err
		} else {
			logger.file = file
			logger.path = path
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	return logger, fileErr
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Install makes this logger the slog default.
func (l *Logger) Install() {
	slog.SetDefault(l.slog)
}

// Path returns the log file path, or "" without file logging.
func (l *Logger) Path() string {
	return l.path
}

// Close syncs and closes the log file. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	var errs []error
	if err := l.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync log file: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log file: %w", err))
	}
	l.file = nil
	return errors.Join(errs...)
}

func openLogFile(dir, service string) (*os.File, string, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, "", fmt.Errorf("create log directory: %w", err)
	}
	if service == "" {
		service = "graphask"
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, "", fmt.Errorf("open log file: %w", err)
	}
	return file, path, nil
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out log records to multiple slog handlers.
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled returns true if any handler is enabled for the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends the record to all enabled handlers.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// WithAttrs returns a new handler with additional attributes.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

// WithGroup returns a new handler with a group name.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
