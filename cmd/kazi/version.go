package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/observability"
)

var (
	commit = "unknown"
	date   = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("kazi %s (commit: %s, built: %s)\n", observability.Version, commit, date)
	},
}
