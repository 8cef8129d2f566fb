package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	migrateTrack bool
	migrateReset bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(_ *cobra.Command, _ []string) error {
		_, application := bootstrap()
		defer application.Release()
		if migrateReset {
			zap.L().Warn("botfleet: dropping and recreating every table")
			application.InitDb()
			return nil
		}
		return application.MigrateDB(migrateTrack)
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateTrack, "track", false, "log the migration statements")
	migrateCmd.Flags().BoolVar(&migrateReset, "reset", false, "drop all tables before migrating")
	rootCmd.AddCommand(migrateCmd)
}
