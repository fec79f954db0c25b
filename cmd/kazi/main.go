// Kazi runs coding agents inside isolated sandboxes.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "kazi",
	Short: "Kazi runs coding agents inside isolated, policy-guarded sandboxes.",
	Long: `Kazi provisions per-project sandboxes (containers with a cloned or blank
repository), exposes their files and git state over HTTP, WebSocket and MCP,
and runs a tool-using agent against them under a per-project policy with
human approval for risky actions.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.AddCommand(serveCmd, migrateCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
