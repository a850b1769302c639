// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Load builds the configuration.
//
// # Description
//
// Starts from DefaultConfig, overlays the YAML file at path (skipped when
// path is empty), applies environment overrides and validates the result.
//
// # Inputs
//
//   - path: YAML file path. May be empty.
//
// # Outputs
//
//   - Config: The validated configuration.
//   - error: Non-nil if the file cannot be read or parsed, or validation fails.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// WriteDefault writes DefaultConfig as YAML to path, creating parent
// directories. An existing file is left untouched.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// =============================================================================
// Environment Overrides
// =============================================================================

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config) error {
	setString(&cfg.Server.GinMode, "GIN_MODE")
	if err := setInt(&cfg.Server.Port, "GRAPHASK_PORT"); err != nil {
		return err
	}

	setString(&cfg.LLM.Backend, "GRAPHASK_LLM_BACKEND")
	setString(&cfg.LLM.Model, "GRAPHASK_LLM_MODEL")
	setString(&cfg.LLM.BaseURL, "GRAPHASK_LLM_BASE_URL")
	setString(&cfg.LLM.SecretPath, "GRAPHASK_LLM_SECRET_PATH")
	switch cfg.LLM.Backend {
	case BackendGroq:
		setString(&cfg.LLM.APIKey, "GROQ_API_KEY")
		setString(&cfg.LLM.Model, "GROQ_MODEL_NAME")
	case BackendOpenAI:
		setString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
		setString(&cfg.LLM.Model, "OPENAI_MODEL")
	case BackendOllama:
		setString(&cfg.LLM.BaseURL, "OLLAMA_BASE_URL")
		setString(&cfg.LLM.Model, "OLLAMA_MODEL")
	}
	if v, ok := lookup("GRAPHASK_LLM_PARAPHRASE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GRAPHASK_LLM_PARAPHRASE: %w", err)
		}
		cfg.LLM.Paraphrase = b
	}

	setString(&cfg.Graph.URL, "NEO4J_URL")
	setString(&cfg.Graph.Username, "NEO4J_USERNAME")
	setString(&cfg.Graph.Password, "NEO4J_PASSWORD")
	setString(&cfg.Graph.Database, "NEO4J_DATABASE")

	if err := setInt(&cfg.Pipeline.RowLimit, "GRAPHASK_ROW_LIMIT"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Pipeline.ExecutionTimeout, "GRAPHASK_EXECUTION_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Cache.TTL, "GRAPHASK_CACHE_TTL"); err != nil {
		return err
	}

	setString(&cfg.Telemetry.Exporter, "GRAPHASK_OTEL_EXPORTER")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.ServiceName, "OTEL_SERVICE_NAME")

	setString(&cfg.Logging.Level, "GRAPHASK_LOG_LEVEL")
	setString(&cfg.Logging.Format, "GRAPHASK_LOG_FORMAT")
	setString(&cfg.Logging.Dir, "GRAPHASK_LOG_DIR")
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// ParseLevel maps a configured level name to a slog level. Unknown names
// map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
