package main

import (
	"github.com/spf13/cobra"

	"procodus.dev/telemetry-broker/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Long: `Create or update every broker table, including the partial unique
indexes that allow one active mapping per device, the mapping interval
check constraint and the GIN index on physical device source ids.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(_ *cobra.Command, _ []string) error {
	logger := GetLogger()

	db, err := store.NewDB(dbConfig(logger))
	if err != nil {
		return err
	}
	defer func() { _ = store.CloseDB(db, logger) }()

	return store.Migrate(db, logger)
}
