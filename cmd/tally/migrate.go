package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Veraticus/tally/internal/cli"
	"github.com/Veraticus/tally/internal/config"
	"github.com/Veraticus/tally/internal/storage"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Initialize or update the database schema to the latest version.

Other commands migrate automatically; use this to prepare a new database or
to check which schema version an existing one is at.`,
		RunE: runMigrate,
	}

	cmd.Flags().Bool("status", false, "Show current schema version without applying changes")
	cmd.Flags().Bool("backup", false, "Snapshot the database before applying pending migrations")
	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	status, _ := cmd.Flags().GetBool("status")
	backup, _ := cmd.Flags().GetBool("backup")

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	slog.Info("Starting database migration", "database", cfg.Database.Path, "status_only", status)

	store, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	current, err := store.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if status {
		fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("Database %s is at schema version %d of %d",
			cfg.Database.Path, current, storage.ExpectedSchemaVersion)))
		return nil
	}

	if current == storage.ExpectedSchemaVersion {
		fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("Database is already at schema version %d", current)))
		return nil
	}

	if backup && current > 0 {
		info, backupErr := store.Backup(ctx, store.DefaultBackupPath(current))
		if backupErr != nil {
			return fmt.Errorf("backup failed, no migrations applied: %w", backupErr)
		}
		slog.Info("Database backed up", "path", info.Path, "expenses", info.Expenses, "templates", info.Templates)
		fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("Backed up %d expenses and %d templates to %s",
			info.Expenses, info.Templates, info.Path)))
	}

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Database migrated from version %d to %d",
		current, storage.ExpectedSchemaVersion)))
	return nil
}
