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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/AleutianAI/graphask/services/orchestrator"
	"github.com/AleutianAI/graphask/services/orchestrator/datatypes"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// pingTimeout bounds the reachability check before a terminal session.
const pingTimeout = 10 * time.Second

var (
	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question, or start an interactive session when none is given",
		Long: `Ask one question and print the answer, or start an interactive session.

Inside a session, follow-up questions can refer to earlier answers.
Commands:
  schema   print the graph vocabulary
  clear    forget the conversation so far
  exit     leave (also quit, q, or Ctrl+D)`,
		Annotations: map[string]string{"terminal": "true"},
		RunE:        runAsk,
	}

	schemaCmd = &cobra.Command{
		Use:         "schema",
		Short:       "Print the labels, relationship types and properties of the graph",
		Annotations: map[string]string{"terminal": "true"},
		RunE:        runSchema,
	}
)

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	svc, err := openService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close(context.Background())

	stdin := os.Stdin.Fd()
	repl := &REPL{
		svc:         svc,
		in:          cmd.InOrStdin(),
		out:         cmd.OutOrStdout(),
		interactive: isatty.IsTerminal(stdin) || isatty.IsCygwinTerminal(stdin),
	}
	if len(args) > 0 {
		return repl.AskOnce(ctx, strings.Join(args, " "))
	}
	return repl.Run(ctx)
}

func runSchema(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := openService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close(context.Background())

	snap, err := svc.Pipeline().Schema().Fetch(ctx, false)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), snap.Summary())
	return nil
}

// openService builds the service and refuses to continue when the graph
// database is unreachable.
func openService(ctx context.Context) (orchestrator.Service, error) {
	svc, err := orchestrator.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := svc.Ping(pingCtx); err != nil {
		_ = svc.Close(context.Background())
		return nil, fmt.Errorf("graph database unreachable at %s: %w", cfg.Graph.URL, err)
	}
	return svc, nil
}

// =============================================================================
// REPL
// =============================================================================

// REPL reads questions line by line and prints answers. All questions in
// one REPL share a session, so follow-ups see earlier turns.
//
// # Thread Safety
//
// Not safe for concurrent use.
type REPL struct {
	svc         orchestrator.Service
	in          io.Reader
	out         io.Writer
	interactive bool

	sessionID string
}

// AskOnce answers a single question in a fresh session.
func (r *REPL) AskOnce(ctx context.Context, question string) error {
	return r.ask(ctx, question)
}

// Run loops until the input ends, an exit command is read, or ctx is
// cancelled.
//
// # Description
//
// The banner and the "> " prompt are only written when the input is a
// terminal, so piped input produces answers only.
func (r *REPL) Run(ctx context.Context) error {
	if r.interactive {
		fmt.Fprintln(r.out, "graphask: ask about the graph in plain language.")
		fmt.Fprintln(r.out, "Type 'schema' for the vocabulary, 'clear' to start over, 'exit' to leave.")
	}

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if r.interactive {
			fmt.Fprint(r.out, "> ")
		}
		if !scanner.Scan() {
			if r.interactive {
				fmt.Fprintln(r.out)
			}
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit", "q":
			return nil
		case "schema":
			r.printSchema(ctx)
			continue
		case "clear":
			r.clear(ctx)
			continue
		}

		if err := r.ask(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(r.out, "Error:", err)
		}
	}
}

func (r *REPL) ask(ctx context.Context, question string) error {
	if r.sessionID == "" {
		r.sessionID = r.svc.Pipeline().Sessions().NewSession()
	}

	resp, err := r.svc.Pipeline().Ask(ctx, r.sessionID, question)
	if err != nil {
		return err
	}

	fmt.Fprintln(r.out, resp.Answer)
	if resp.Query != "" {
		fmt.Fprintf(r.out, "  query: %s\n", oneLine(resp.Query))
	}
	if resp.Status == datatypes.StatusCached {
		fmt.Fprintln(r.out, "  (cached)")
	}
	return nil
}

func (r *REPL) printSchema(ctx context.Context) {
	if _, err := r.svc.Pipeline().Schema().Fetch(ctx, false); err != nil {
		fmt.Fprintln(r.out, "Error:", err)
		return
	}
	fmt.Fprintln(r.out, r.svc.Pipeline().Schema().Summary())
}

func (r *REPL) clear(ctx context.Context) {
	if r.sessionID == "" {
		fmt.Fprintln(r.out, "Conversation cleared.")
		return
	}
	if err := r.svc.Pipeline().Sessions().Clear(ctx, r.sessionID); err != nil {
		fmt.Fprintln(r.out, "Error:", err)
		return
	}
	fmt.Fprintln(r.out, "Conversation cleared.")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
