// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command graphask answers natural-language questions about a Neo4j
// metadata graph.
//
// # Usage
//
//	# Write a starter configuration
//	graphask config init graphask.yaml
//
//	# Serve the HTTP API
//	graphask serve --config graphask.yaml
//
//	# Ask from the terminal (one question, or an interactive session)
//	graphask ask "How many tables are in the database?"
//	graphask ask
//
//	# Print the graph vocabulary
//	graphask schema
//
// # Environment Variables
//
// Every setting can be overridden from the environment; see the config
// package. The most common are GROQ_API_KEY, NEO4J_URL, NEO4J_USERNAME
// and NEO4J_PASSWORD.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/AleutianAI/graphask/pkg/logging"
	"github.com/AleutianAI/graphask/services/orchestrator/config"
	"github.com/spf13/cobra"
)

// defaultConfigFile is used when --config is not given and the file exists.
const defaultConfigFile = "graphask.yaml"

var (
	configPath string
	logLevel   string

	cfg    config.Config
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:           "graphask",
		Short:         "Ask questions about a Neo4j metadata graph in plain language",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["skipConfig"] == "true" {
				return nil
			}
			return setup(cmd.Annotations["terminal"] == "true")
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Close()
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the YAML configuration (default ./"+defaultConfigFile+" when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, askCmd, schemaCmd, configCmd)
	configCmd.AddCommand(configInitCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads the configuration and installs the process logger. Terminal
// commands log at warn unless a level is given on the command line.
func setup(terminal bool) error {
	path := configPath
	if path == "" {
		path = os.Getenv("GRAPHASK_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}

	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Logging.Level = logLevel
		if err := config.Validate(loaded); err != nil {
			return err
		}
	}
	if terminal && logLevel == "" && loaded.Logging.Level == "info" {
		loaded.Logging.Level = "warn"
	}
	cfg = loaded

	l, err := logging.New(logging.Config{
		Level:   config.ParseLevel(cfg.Logging.Level),
		Format:  cfg.Logging.Format,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "Warning: file logging disabled:", err)
	}
	logger = l
	logger.Install()
	slog.Debug("Configuration loaded", "path", path)
	return nil
}
