package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, logger, closeLog, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = closeLog() }()

		store, err := openStore(context.Background(), cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		logger.Info("database schema is up to date", slog.String("driver", store.Driver()))
		return nil
	},
}
