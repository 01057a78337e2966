package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded schema for the configured database driver",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config load error: %w", err)
		}
		if cfg.Database.Driver == "memory" {
			log.Info("memory database, nothing to migrate")
			return nil
		}
		db, err := openDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := migrate(cmd.Context(), cfg, db); err != nil {
			return err
		}
		log.Info("schema applied", "driver", cfg.Database.Driver, "database", cfg.Database.Name)
		return nil
	},
}
