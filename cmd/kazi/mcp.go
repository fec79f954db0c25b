package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/gateway/mcpserver"
)

var (
	mcpSandbox string
	mcpProject string
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve one sandbox's tools over MCP on stdio",
	Long: `Serve the file, command and git tools of a single sandbox to an MCP
client over stdin/stdout. Every call is checked against the project's
policy and audited. Actions that need human approval are refused; run them
from an agent session instead.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpSandbox, "sandbox", "", "sandbox ID")
	mcpCmd.Flags().StringVar(&mcpProject, "project", "", "project ID (alternative to --sandbox)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	if (mcpSandbox == "") == (mcpProject == "") {
		return fmt.Errorf("exactly one of --sandbox or --project is required")
	}

	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := initCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	// The server process owns sandbox lifecycle; only load what it persisted.
	if err := c.Controller.Attach(ctx); err != nil {
		return fmt.Errorf("loading sandboxes: %w", err)
	}

	var id uuid.UUID
	if mcpSandbox != "" {
		if id, err = uuid.Parse(mcpSandbox); err != nil {
			return fmt.Errorf("invalid sandbox ID %q", mcpSandbox)
		}
	} else {
		sb, err := c.Controller.GetByProject(ctx, mcpProject)
		if err != nil {
			return fmt.Errorf("project %s: %w", mcpProject, err)
		}
		id = sb.ID
	}
	if _, err := c.Controller.Get(ctx, id); err != nil {
		return fmt.Errorf("sandbox %s: %w", id, err)
	}

	srv, err := mcpserver.New(id, mcpserver.Deps{
		Sandboxes: c.Controller,
		Policies:  c.Policies,
		Guard:     c.Guard,
		Runner:    c.Executor,
		Git:       c.Files,
	}, logger)
	if err != nil {
		return err
	}
	logger.Info("serving sandbox over mcp", slog.String("sandbox_id", id.String()))
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}
