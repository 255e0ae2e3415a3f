package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/service"
)

const templateColumns = `
	id, amount, currency, merchant, category_id, payment_method, notes, active,
	frequency, interval_count, day_of_month, start_date, last_generated_date,
	next_due_date, created_at, updated_at`

type templateRow struct {
	categoryID    sql.NullString
	paymentMethod sql.NullString
	dayOfMonth    sql.NullInt64
	lastGenerated sql.NullString
	nextDue       sql.NullString
	id            string
	amount        string
	currency      string
	merchant      string
	notes         string
	frequency     string
	startDate     string
	createdAt     string
	updatedAt     string
	interval      int
	active        bool
}

func scanTemplateRow(scanner rowScanner) (templateRow, error) {
	var row templateRow
	err := scanner.Scan(
		&row.id, &row.amount, &row.currency, &row.merchant, &row.categoryID,
		&row.paymentMethod, &row.notes, &row.active, &row.frequency, &row.interval,
		&row.dayOfMonth, &row.startDate, &row.lastGenerated, &row.nextDue,
		&row.createdAt, &row.updatedAt,
	)
	return row, err
}

func (row templateRow) decode() (model.RecurringTemplate, error) {
	tmpl := model.RecurringTemplate{
		ID:     row.id,
		Active: row.active,
		Pattern: model.RecurringPattern{
			Frequency: model.Frequency(row.frequency),
			Interval:  row.interval,
		},
	}
	tmpl.Currency = row.currency
	tmpl.Merchant = row.merchant
	tmpl.Notes = row.notes
	tmpl.CategoryID = nullableString(row.categoryID)
	if row.paymentMethod.Valid {
		pm := model.PaymentMethod(row.paymentMethod.String)
		tmpl.PaymentMethod = &pm
	}
	if row.dayOfMonth.Valid {
		day := int(row.dayOfMonth.Int64)
		tmpl.Pattern.DayOfMonth = &day
	}

	var problems []string
	amount, err := decimal.NewFromString(row.amount)
	if err != nil {
		problems = append(problems, fmt.Sprintf("amount %q", row.amount))
	}
	tmpl.Amount = amount

	if tmpl.StartDate, err = time.Parse(model.DateLayout, row.startDate); err != nil {
		problems = append(problems, fmt.Sprintf("start date %q", row.startDate))
	}
	for _, d := range []struct {
		dst   **time.Time
		value sql.NullString
		name  string
	}{
		{&tmpl.LastGeneratedDate, row.lastGenerated, "last generated date"},
		{&tmpl.NextDueDate, row.nextDue, "next due date"},
	} {
		if !d.value.Valid {
			continue
		}
		parsed, err := time.Parse(model.DateLayout, d.value.String)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s %q", d.name, d.value.String))
			continue
		}
		*d.dst = &parsed
	}

	tmpl.CreatedAt, _ = time.Parse(timestampLayout, row.createdAt)
	tmpl.UpdatedAt, _ = time.Parse(timestampLayout, row.updatedAt)

	if len(problems) > 0 {
		return tmpl, &common.CorruptionError{ID: row.id, Details: "unreadable " + strings.Join(problems, ", ")}
	}
	return tmpl, nil
}

// fetchTemplatesTx returns templates matching the query. Corrupted templates
// are logged and skipped so one bad row cannot stall generation.
func (s *SQLiteStorage) fetchTemplatesTx(ctx context.Context, tx *sql.Tx, query service.TemplateQuery) ([]model.RecurringTemplate, error) {
	var (
		where []string
		args  []any
	)
	if query.ActiveOnly || query.DueOnOrBefore != nil {
		where = append(where, "active = 1")
	}
	if query.DueOnOrBefore != nil {
		where = append(where, "next_due_date IS NOT NULL AND next_due_date <= ?")
		args = append(args, query.DueOnOrBefore.Format(model.DateLayout))
	}

	sqlQuery := `SELECT ` + templateColumns + ` FROM recurring_templates`
	if len(where) > 0 {
		sqlQuery += " WHERE " + strings.Join(where, " AND ")
	}
	sqlQuery += " ORDER BY next_due_date, id"

	var templates []model.RecurringTemplate
	err := scanEach(ctx, tx, "fetch templates", sqlQuery, args, func(rows *sql.Rows) error {
		row, err := scanTemplateRow(rows)
		if err != nil {
			return err
		}
		tmpl, err := row.decode()
		if err != nil {
			common.LogError(ctx, err, "recurring template is corrupted", common.Fields{"id": row.id})
			return nil
		}
		templates = append(templates, tmpl)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range templates {
		tags, err := s.templateTagsTx(ctx, tx, templates[i].ID)
		if err != nil {
			return nil, err
		}
		templates[i].TagIDs = tags
	}

	slog.Debug("fetched templates", "count", len(templates))
	return templates, nil
}

func (s *SQLiteStorage) getTemplateTx(ctx context.Context, tx *sql.Tx, id string) (*model.RecurringTemplate, error) {
	row, err := scanTemplateRow(tx.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM recurring_templates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewNotFound("template", id)
	}
	if err != nil {
		return nil, mapError("get template", err)
	}

	tmpl, err := row.decode()
	if err != nil {
		return nil, err
	}
	if tmpl.TagIDs, err = s.templateTagsTx(ctx, tx, id); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

func (s *SQLiteStorage) templateTagsTx(ctx context.Context, tx *sql.Tx, templateID string) ([]string, error) {
	var tags []string
	err := scanEach(ctx, tx, "load template tags",
		`SELECT tag_id FROM template_tags WHERE template_id = ? ORDER BY tag_id`, []any{templateID},
		func(rows *sql.Rows) error {
			var tagID string
			if err := rows.Scan(&tagID); err != nil {
				return err
			}
			tags = append(tags, tagID)
			return nil
		})
	return tags, err
}

func (s *SQLiteStorage) saveTemplateTx(ctx context.Context, tx *sql.Tx, tmpl *model.RecurringTemplate) error {
	now := s.now().UTC()
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = now
	}
	tmpl.UpdatedAt = now
	tmpl.StartDate = model.DateOf(tmpl.StartDate)

	var day any
	if tmpl.Pattern.DayOfMonth != nil {
		day = *tmpl.Pattern.DayOfMonth
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO recurring_templates (
			id, amount, currency, merchant, category_id, payment_method, notes, active,
			frequency, interval_count, day_of_month, start_date, last_generated_date,
			next_due_date, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			currency = excluded.currency,
			merchant = excluded.merchant,
			category_id = excluded.category_id,
			payment_method = excluded.payment_method,
			notes = excluded.notes,
			active = excluded.active,
			frequency = excluded.frequency,
			interval_count = excluded.interval_count,
			day_of_month = excluded.day_of_month,
			start_date = excluded.start_date,
			last_generated_date = excluded.last_generated_date,
			next_due_date = excluded.next_due_date,
			updated_at = excluded.updated_at`,
		tmpl.ID, tmpl.Amount.String(), tmpl.Currency, tmpl.Merchant,
		stringOrNil(tmpl.CategoryID), paymentOrNil(tmpl.PaymentMethod), tmpl.Notes, tmpl.Active,
		string(tmpl.Pattern.Frequency), tmpl.Pattern.Interval, day,
		tmpl.StartDate.Format(model.DateLayout), dateOrNil(tmpl.LastGeneratedDate),
		dateOrNil(tmpl.NextDueDate),
		tmpl.CreatedAt.Format(timestampLayout), tmpl.UpdatedAt.Format(timestampLayout),
	)
	if err != nil {
		return mapError("save template", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM template_tags WHERE template_id = ?`, tmpl.ID); err != nil {
		return mapError("replace template tags", err)
	}
	for _, tagID := range tmpl.TagIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO template_tags (template_id, tag_id) VALUES (?, ?)`,
			tmpl.ID, tagID,
		); err != nil {
			return mapError("save template tag", err)
		}
	}

	slog.Debug("saved template", "id", tmpl.ID, "merchant", tmpl.Merchant, "next_due", dateOrNil(tmpl.NextDueDate))
	return nil
}

// deleteTemplateTx removes a template. Generated expenses survive and lose
// their template reference; their IDs are returned.
func (s *SQLiteStorage) deleteTemplateTx(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	var detached []string
	err := scanEach(ctx, tx, "delete template",
		`SELECT id FROM expenses WHERE template_id = ?`, []any{id},
		func(rows *sql.Rows) error {
			var expenseID string
			if err := rows.Scan(&expenseID); err != nil {
				return err
			}
			detached = append(detached, expenseID)
			return nil
		})
	if err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM recurring_templates WHERE id = ?`, id)
	if err != nil {
		return nil, mapError("delete template", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, mapError("delete template", err)
	}
	if affected == 0 {
		return nil, common.NewNotFound("template", id)
	}
	slog.Info("deleted template", "id", id, "detached_expenses", len(detached))
	return detached, nil
}

func dateOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(model.DateLayout)
}
