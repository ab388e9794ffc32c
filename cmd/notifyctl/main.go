// Command notifyctl is the operator CLI: schema migrations and offline feed/target management
// against the service database.
package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/livewatch/config"
	"github.com/onnwee/livewatch/db"
)

var Version = "dev"

var dsn string

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "notifyctl",
		Short:         "Manage the livewatch database",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres DSN (default: DB_DSN)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(feedsCmd())
	rootCmd.AddCommand(targetsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// open connects with --dsn, falling back to the service configuration.
func open() (*sql.DB, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if dsn != "" {
		cfg.DBDsn = dsn
	}
	database, err := db.Open(cfg.DBDsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	return database, cfg, nil
}
