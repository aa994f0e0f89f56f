package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/digestd/tools/migrator"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and print the schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Database.SkipMigrations = false

		database, err := openDatabase(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		version, err := migrator.GetCurrentVersion(cmd.Context(), database.DB)
		if err != nil {
			return fmt.Errorf("get schema version: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
		return nil
	},
}
