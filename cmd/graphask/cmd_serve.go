// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/graphask/services/orchestrator"
	"github.com/AleutianAI/graphask/services/orchestrator/config"
	"github.com/spf13/cobra"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE:  runServe,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	configInitCmd = &cobra.Command{
		Use:         "init [path]",
		Short:       "Write a configuration file with the default settings",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{"skipConfig": "true"},
		RunE:        runConfigInit,
	}
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := orchestrator.New(ctx, cfg)
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := defaultConfigFile
	if len(args) == 1 {
		path = args[0]
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
	return nil
}
