package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/goodtune/minutemeter/internal/config"
	"github.com/goodtune/minutemeter/internal/storage/postgres"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL reporting schema",
	Long:  `Apply or roll back the reporting schema when reporting.type is postgres.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *postgres.Migrator) error {
			return m.Up()
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back all migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *postgres.Migrator) error {
			return m.Down()
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the applied schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *postgres.Migrator) error {
			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			if dirty {
				color.New(color.FgRed, color.Bold).Fprintf(os.Stdout, "version %d (dirty)\n", version)
				return nil
			}
			fmt.Fprintf(os.Stdout, "version %d\n", version)
			return nil
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}

func withMigrator(fn func(m *postgres.Migrator) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Reporting.Type != "postgres" {
		return fmt.Errorf("reporting.type is %q, migrations only apply to postgres", cfg.Reporting.Type)
	}

	logger := setupLogger(cfg.Logging)

	m, err := postgres.OpenMigrator(cfg.Reporting, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	return fn(m)
}
