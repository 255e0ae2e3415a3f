package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Backup errors.
var (
	ErrBackupExists      = errors.New("backup already exists")
	ErrInvalidBackupPath = errors.New("invalid backup path")
)

// BackupInfo describes a database snapshot.
type BackupInfo struct {
	CreatedAt     time.Time
	Path          string
	FileSize      int64
	Expenses      int
	Templates     int
	SchemaVersion int
}

// DefaultBackupPath names a snapshot next to the database, tagged with its
// schema version.
func (s *SQLiteStorage) DefaultBackupPath(version int) string {
	base := s.dbPath
	if abs, err := filepath.Abs(base); err == nil {
		base = abs
	}
	return fmt.Sprintf("%s.v%d-%s.bak", base, version, s.now().UTC().Format("20060102-150405"))
}

// Backup writes a consistent copy of the database to destPath. The
// destination must be an absolute path that does not exist yet.
func (s *SQLiteStorage) Backup(ctx context.Context, destPath string) (*BackupInfo, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if s.dbPath == ":memory:" {
		return nil, fmt.Errorf("%w: in-memory databases cannot be backed up", ErrInvalidBackupPath)
	}
	if err := validateBackupPath(destPath); err != nil {
		return nil, err
	}
	if _, err := os.Stat(destPath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrBackupExists, destPath)
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	// #nosec G201 - destPath is validated above
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}

	info := &BackupInfo{Path: destPath, CreatedAt: s.now()}
	stat, err := os.Stat(destPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat backup: %w", err)
	}
	info.FileSize = stat.Size()

	if info.SchemaVersion, err = s.SchemaVersion(ctx); err != nil {
		return nil, err
	}
	if info.Expenses, err = s.countRows(ctx, "expenses"); err != nil {
		return nil, err
	}
	if info.Templates, err = s.countRows(ctx, "recurring_templates"); err != nil {
		return nil, err
	}
	return info, nil
}

func (s *SQLiteStorage) countRows(ctx context.Context, table string) (int, error) {
	var count int
	// #nosec G201 - table names are constants
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

func validateBackupPath(path string) error {
	if err := validateString(path, "destPath"); err != nil {
		return err
	}
	if strings.ContainsAny(path, `'";`) {
		return fmt.Errorf("%w: contains forbidden characters", ErrInvalidBackupPath)
	}
	if !filepath.IsAbs(path) || filepath.Clean(path) != path {
		return fmt.Errorf("%w: must be a clean absolute path", ErrInvalidBackupPath)
	}
	return nil
}
