package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"slices"

	_ "github.com/lib/pq"
	"github.com/mbd888/txguard/migrations"
	"github.com/spf13/cobra"
)

var migrateCommands = []string{"up", "up-by-one", "up-to", "down", "down-to", "redo", "reset", "status", "version"}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate <command> [version]",
		Short: "Apply or inspect the PostgreSQL schema",
		Long: `Runs a goose command against the migrations embedded in this binary.

Commands: up, up-by-one, up-to <version>, down, down-to <version>, redo,
reset, status, version.`,
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: migrateCommands,
		RunE:      runMigrate,
	}
	cmd.Flags().String("database-url", "", "PostgreSQL DSN (default $DATABASE_URL)")
	return cmd
}

func runMigrate(cmd *cobra.Command, args []string) error {
	command := args[0]
	if !slices.Contains(migrateCommands, command) {
		return fmt.Errorf("unknown migrate command %q", command)
	}

	dsn, _ := cmd.Flags().GetString("database-url")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return errors.New("DATABASE_URL or --database-url is required")
	}

	ctx := commandContext(cmd)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	return migrations.Run(ctx, command, db, args[1:]...)
}
