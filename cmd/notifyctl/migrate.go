package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/livewatch/db"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or inspect schema migrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, _, err := open()
			if err != nil {
				return err
			}
			defer database.Close()
			if err := db.RunMigrations(database); err != nil {
				return err
			}
			return printVersion(cmd, database)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Long: `Roll back the most recent migration.

Rolling back can drop tables and lose tracked feeds, targets and notification state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, _, err := open()
			if err != nil {
				return err
			}
			defer database.Close()
			if err := db.MigrateDown(database); err != nil {
				return err
			}
			return printVersion(cmd, database)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, _, err := open()
			if err != nil {
				return err
			}
			defer database.Close()
			return printVersion(cmd, database)
		},
	})
	return cmd
}

func printVersion(cmd *cobra.Command, database *sql.DB) error {
	v, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return err
	}
	status := "clean"
	if dirty {
		status = "dirty"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", v, status)
	return nil
}
