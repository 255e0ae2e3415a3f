package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 3

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS categories (
					id TEXT PRIMARY KEY,
					name TEXT UNIQUE NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					created_at TEXT NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS tags (
					id TEXT PRIMARY KEY,
					name TEXT UNIQUE NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS expenses (
					id TEXT PRIMARY KEY,
					amount TEXT NOT NULL,
					currency TEXT NOT NULL,
					date TEXT NOT NULL,
					merchant TEXT NOT NULL,
					category_id TEXT REFERENCES categories(id) ON DELETE SET NULL,
					payment_method TEXT,
					notes TEXT NOT NULL DEFAULT '',
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				)`,
				`CREATE INDEX idx_expenses_date ON expenses(date)`,
				`CREATE INDEX idx_expenses_category ON expenses(category_id)`,
				`CREATE TABLE IF NOT EXISTS line_items (
					id TEXT PRIMARY KEY,
					expense_id TEXT NOT NULL REFERENCES expenses(id) ON DELETE CASCADE,
					position INTEGER NOT NULL,
					name TEXT NOT NULL,
					amount TEXT NOT NULL,
					quantity INTEGER NOT NULL DEFAULT 1
				)`,
				`CREATE INDEX idx_line_items_expense ON line_items(expense_id)`,
				`CREATE TABLE IF NOT EXISTS expense_tags (
					expense_id TEXT NOT NULL REFERENCES expenses(id) ON DELETE CASCADE,
					tag_id TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
					PRIMARY KEY (expense_id, tag_id)
				)`,
			})
		},
	},
	{
		Version:     2,
		Description: "Add recurring templates",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS recurring_templates (
					id TEXT PRIMARY KEY,
					amount TEXT NOT NULL,
					currency TEXT NOT NULL,
					merchant TEXT NOT NULL,
					category_id TEXT REFERENCES categories(id) ON DELETE SET NULL,
					payment_method TEXT,
					notes TEXT NOT NULL DEFAULT '',
					active BOOLEAN NOT NULL DEFAULT 1,
					frequency TEXT NOT NULL,
					interval_count INTEGER NOT NULL DEFAULT 1,
					day_of_month INTEGER,
					start_date TEXT NOT NULL,
					last_generated_date TEXT,
					next_due_date TEXT,
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS template_tags (
					template_id TEXT NOT NULL REFERENCES recurring_templates(id) ON DELETE CASCADE,
					tag_id TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
					PRIMARY KEY (template_id, tag_id)
				)`,
				`ALTER TABLE expenses ADD COLUMN template_id TEXT REFERENCES recurring_templates(id) ON DELETE SET NULL`,
				`ALTER TABLE expenses ADD COLUMN occurrence_date TEXT`,
				`CREATE INDEX idx_expenses_template ON expenses(template_id)`,
			})
		},
	},
	{
		Version:     3,
		Description: "Enforce one generated expense per template occurrence",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_expenses_template_occurrence
					ON expenses(template_id, occurrence_date)
					WHERE template_id IS NOT NULL AND occurrence_date IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_templates_due ON recurring_templates(active, next_due_date)`,
			})
		},
	},
}

// Migrate applies all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}

// SchemaVersion returns the applied schema version.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
