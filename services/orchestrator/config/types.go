// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the GraphAsk service configuration.
package config

import (
	"log/slog"
	"time"
)

// Supported language model backends.
const (
	BackendGroq   = "groq"
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
)

// Supported trace exporters.
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// Config is the complete service configuration.
//
// # Description
//
// Loaded from YAML, then overridden from the environment, then validated
// with the struct tags below. Durations are written as Go duration
// strings ("15m", "30s").
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Graph     GraphConfig     `yaml:"graph"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Cache     CacheConfig     `yaml:"cache"`
	Sessions  SessionConfig   `yaml:"sessions"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port    int    `yaml:"port" validate:"min=1,max=65535"`
	GinMode string `yaml:"gin_mode" validate:"oneof=debug release test"`
}

// LLMConfig selects the translation model backend and bounds its calls.
// The same client serves answer paraphrasing when Paraphrase is set.
type LLMConfig struct {
	// Backend is one of groq, openai, ollama.
	Backend string `yaml:"backend" validate:"oneof=groq openai ollama"`
	Model   string `yaml:"model"`
	// BaseURL overrides the backend endpoint. Required for ollama.
	BaseURL string `yaml:"base_url,omitempty" validate:"required_if=Backend ollama"`
	// APIKey is normally supplied through GROQ_API_KEY or OPENAI_API_KEY.
	APIKey string `yaml:"api_key,omitempty"`
	// SecretPath is a file holding the API key (container secrets).
	SecretPath        string        `yaml:"secret_path,omitempty"`
	Temperature       float32       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens         int           `yaml:"max_tokens" validate:"min=1"`
	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"min=1"`
	// Paraphrase lets the model rewrite multi-row answers.
	Paraphrase bool `yaml:"paraphrase"`
}

// GraphConfig locates the Neo4j database and bounds schema discovery.
// SchemaTTL is how long a fetched schema is served before refreshing.
type GraphConfig struct {
	URL           string        `yaml:"url" validate:"required"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password,omitempty"`
	Database      string        `yaml:"database,omitempty"`
	SchemaTTL     time.Duration `yaml:"schema_ttl" validate:"gt=0"`
	SchemaTimeout time.Duration `yaml:"schema_timeout" validate:"gt=0"`
}

// PipelineConfig tunes a single question's path through the pipeline.
//
// # Description
//
// RowLimit is enforced on every generated query. ContextWindow is the
// number of turns a session remembers, FingerprintDepth the number of
// trailing turns that key cached follow-ups, and HistoryTokenBudget the
// token ceiling for history rendered into a prompt. MaxAttempts counts
// the first translation plus its reformulated retries.
type PipelineConfig struct {
	RowLimit           int           `yaml:"row_limit" validate:"min=1,max=10000"`
	ExecutionTimeout   time.Duration `yaml:"execution_timeout" validate:"gt=0"`
	ContextWindow      int           `yaml:"context_window" validate:"min=1"`
	FingerprintDepth   int           `yaml:"fingerprint_depth" validate:"min=1"`
	HistoryTokenBudget int           `yaml:"history_token_budget" validate:"min=1"`
	MaxAttempts        int           `yaml:"max_attempts" validate:"min=1,max=5"`
}

// CacheConfig bounds the translated-query cache.
type CacheConfig struct {
	TTL             time.Duration `yaml:"ttl" validate:"gt=0"`
	MaxEntries      int           `yaml:"max_entries" validate:"min=1"`
	JanitorInterval time.Duration `yaml:"janitor_interval" validate:"gt=0"`
}

// SessionConfig controls when idle conversations are reaped.
type SessionConfig struct {
	IdleTTL      time.Duration `yaml:"idle_ttl" validate:"gt=0"`
	ReapInterval time.Duration `yaml:"reap_interval" validate:"gt=0"`
}

// TelemetryConfig selects the trace exporter. Endpoint is required for otlp.
type TelemetryConfig struct {
	Exporter    string `yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint    string `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	ServiceName string `yaml:"service_name" validate:"required"`
}

// LoggingConfig controls the slog handler built at startup.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
	// Dir, when set, also writes logs to a file in this directory.
	Dir string `yaml:"dir,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:    12210,
			GinMode: "release",
		},
		LLM: LLMConfig{
			Backend:           BackendGroq,
			Model:             "mixtral-8x7b-32768",
			Temperature:       0,
			MaxTokens:         512,
			Timeout:           60 * time.Second,
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Graph: GraphConfig{
			URL:           "bolt://localhost:7687",
			Username:      "neo4j",
			SchemaTTL:     10 * time.Minute,
			SchemaTimeout: 15 * time.Second,
		},
		Pipeline: PipelineConfig{
			RowLimit:           100,
			ExecutionTimeout:   30 * time.Second,
			ContextWindow:      10,
			FingerprintDepth:   3,
			HistoryTokenBudget: 1500,
			MaxAttempts:        2,
		},
		Cache: CacheConfig{
			TTL:             15 * time.Minute,
			MaxEntries:      256,
			JanitorInterval: time.Minute,
		},
		Sessions: SessionConfig{
			IdleTTL:      30 * time.Minute,
			ReapInterval: time.Minute,
		},
		Telemetry: TelemetryConfig{
			Exporter:    ExporterNone,
			Endpoint:    "localhost:4317",
			ServiceName: "graphask",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LogValue implements slog.LogValuer. Secrets are reported only as
// presence flags.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("port", c.Server.Port),
		slog.String("llm_backend", c.LLM.Backend),
		slog.String("llm_model", c.LLM.Model),
		slog.Bool("llm_api_key_present", c.LLM.APIKey != "" || c.LLM.SecretPath != ""),
		slog.String("graph_url", c.Graph.URL),
		slog.String("graph_database", c.Graph.Database),
		slog.Bool("graph_password_present", c.Graph.Password != ""),
		slog.Int("row_limit", c.Pipeline.RowLimit),
		slog.Int("max_attempts", c.Pipeline.MaxAttempts),
		slog.String("telemetry_exporter", c.Telemetry.Exporter),
	)
}
