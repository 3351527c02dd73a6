package main

import (
	"context"
	"fmt"

	"bookly/internal/common"
	"bookly/internal/config"
	"bookly/pkg/database"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			logger := common.NewLogger("migrate", cfg.LogLevel)

			pool, err := database.NewPool(ctx, cfg.DatabaseURL, logger)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			n, err := database.Migrate(ctx, pool, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	}
}
