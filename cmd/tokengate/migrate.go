package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/tokengate/pkg/cli"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	Long: `Apply the tokengate schema to the configured database. Migrations are
idempotent and safe to run on every deploy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadStore(cmd)
		if err != nil {
			return err
		}
		cfg := store.Current()

		db, err := openDatabase(cmd.Context(), cfg.Database)
		if err != nil {
			return cli.NewCommandError("migrate", err)
		}
		defer db.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "✓ Schema up to date (%s: %s)\n", cfg.Database.Driver, cfg.Database.DSN)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
