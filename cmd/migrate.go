package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/webmonitor/internal/logging"
	"github.com/JakeFAU/webmonitor/internal/storage/postgres"
)

// migrate is a variable so tests can run the command without a database.
var migrate = postgres.Migrate

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate <up|down>",
		Short:     "Applies or rolls back the Postgres schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{postgres.MigrateUp, postgres.MigrateDown},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return migrate(cfg.DB.DSN, args[0], logger.Named("migrate"))
		},
	}
}
