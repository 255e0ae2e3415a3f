package storage

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
)

func (s *SQLiteStorage) getCategoriesTx(ctx context.Context, tx *sql.Tx) ([]model.Category, error) {
	var categories []model.Category
	err := scanEach(ctx, tx, "get categories",
		`SELECT id, name, description, created_at FROM categories ORDER BY name`, nil,
		func(rows *sql.Rows) error {
			var cat model.Category
			var createdAt string
			if err := rows.Scan(&cat.ID, &cat.Name, &cat.Description, &createdAt); err != nil {
				return err
			}
			cat.CreatedAt, _ = time.Parse(timestampLayout, createdAt)
			categories = append(categories, cat)
			return nil
		})
	if err != nil {
		return nil, err
	}

	slog.Debug("retrieved categories", "count", len(categories))
	return categories, nil
}

// getCategoryTx looks a category up by "id" or "name".
func (s *SQLiteStorage) getCategoryTx(ctx context.Context, tx *sql.Tx, column, value string) (*model.Category, error) {
	if column != "id" && column != "name" {
		return nil, common.NewPersistenceError("get category", errors.New("unsupported lookup column "+column))
	}

	var cat model.Category
	var createdAt string
	err := tx.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM categories WHERE `+column+` = ?`, value,
	).Scan(&cat.ID, &cat.Name, &cat.Description, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewNotFound("category", value)
	}
	if err != nil {
		return nil, mapError("get category", err)
	}
	cat.CreatedAt, _ = time.Parse(timestampLayout, createdAt)
	return &cat, nil
}

func (s *SQLiteStorage) saveCategoryTx(ctx context.Context, tx *sql.Tx, category *model.Category) error {
	category.Name = strings.TrimSpace(category.Name)
	if category.ID == "" {
		category.ID = model.NewID()
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = s.now().UTC()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO categories (id, name, description, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description`,
		category.ID, category.Name, category.Description, category.CreatedAt.Format(timestampLayout),
	)
	if err != nil {
		return mapError("save category", err)
	}

	slog.Info("saved category", "name", category.Name, "id", category.ID)
	return nil
}

// deleteCategoryTx removes a category and returns the expenses whose
// reference was nullified by the delete.
func (s *SQLiteStorage) deleteCategoryTx(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	var affected []string
	err := scanEach(ctx, tx, "delete category",
		`SELECT id FROM expenses WHERE category_id = ?`, []any{id},
		func(rows *sql.Rows) error {
			var expenseID string
			if err := rows.Scan(&expenseID); err != nil {
				return err
			}
			affected = append(affected, expenseID)
			return nil
		})
	if err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id)
	if err != nil {
		return nil, mapError("delete category", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, mapError("delete category", err)
	}
	if rows == 0 {
		return nil, common.NewNotFound("category", id)
	}

	slog.Info("deleted category", "id", id, "affected_expenses", len(affected))
	return affected, nil
}

func (s *SQLiteStorage) getTagsTx(ctx context.Context, tx *sql.Tx) ([]model.Tag, error) {
	var tags []model.Tag
	err := scanEach(ctx, tx, "get tags",
		`SELECT id, name FROM tags ORDER BY name`, nil,
		func(rows *sql.Rows) error {
			var tag model.Tag
			if err := rows.Scan(&tag.ID, &tag.Name); err != nil {
				return err
			}
			tags = append(tags, tag)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// ensureTagTx returns the tag with the given name, creating it if needed.
func (s *SQLiteStorage) ensureTagTx(ctx context.Context, tx *sql.Tx, name string) (*model.Tag, error) {
	name = strings.TrimSpace(name)

	tag := model.Tag{Name: name}
	err := tx.QueryRowContext(ctx, `SELECT id FROM tags WHERE name = ?`, name).Scan(&tag.ID)
	if err == nil {
		return &tag, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, mapError("get tag", err)
	}

	tag.ID = model.NewID()
	if _, err := tx.ExecContext(ctx, `INSERT INTO tags (id, name) VALUES (?, ?)`, tag.ID, tag.Name); err != nil {
		return nil, mapError("create tag", err)
	}
	slog.Debug("created tag", "name", name, "id", tag.ID)
	return &tag, nil
}
