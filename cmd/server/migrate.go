package main

import (
	"errors"

	"github.com/spf13/cobra"

	"atsflow/internal/platform/config"
	"atsflow/internal/platform/logger"
	"atsflow/internal/platform/postgres"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != "postgres" {
				return errors.New("migrate requires storage.driver postgres")
			}
			log := logger.New(cfg.Log.Format, cfg.Log.Level)

			ctx := cmd.Context()
			db, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := postgres.Migrate(ctx, db, log)
			if err != nil {
				return err
			}
			log.InfoContext(ctx, "migrations complete", "applied", applied)
			return nil
		},
	}
}
