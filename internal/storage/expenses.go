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

const timestampLayout = time.RFC3339Nano

// childBatchSize bounds the number of bound parameters per child-row query.
const childBatchSize = 500

const expenseColumns = `
	e.id, e.amount, e.currency, e.date, e.merchant, e.category_id, c.name,
	e.payment_method, e.notes, e.template_id, e.occurrence_date, e.created_at, e.updated_at`

// expenseRow is an expense as stored, before decoding.
type expenseRow struct {
	categoryID     sql.NullString
	categoryName   sql.NullString
	paymentMethod  sql.NullString
	templateID     sql.NullString
	occurrenceDate sql.NullString
	id             string
	amount         string
	currency       string
	date           string
	merchant       string
	notes          string
	createdAt      string
	updatedAt      string
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExpenseRow(scanner rowScanner) (expenseRow, error) {
	var row expenseRow
	err := scanner.Scan(
		&row.id, &row.amount, &row.currency, &row.date, &row.merchant,
		&row.categoryID, &row.categoryName, &row.paymentMethod, &row.notes,
		&row.templateID, &row.occurrenceDate, &row.createdAt, &row.updatedAt,
	)
	return row, err
}

// decode materializes a stored row. A row whose values cannot be parsed is
// returned with Fault set instead of failing the whole read.
func (row expenseRow) decode(ctx context.Context) model.Expense {
	expense := model.Expense{
		ID:           row.id,
		CategoryName: row.categoryName.String,
	}
	expense.Currency = row.currency
	expense.Merchant = row.merchant
	expense.Notes = row.notes
	expense.CategoryID = nullableString(row.categoryID)
	expense.TemplateID = nullableString(row.templateID)
	if row.paymentMethod.Valid {
		pm := model.PaymentMethod(row.paymentMethod.String)
		expense.PaymentMethod = &pm
	}

	var problems []string
	amount, err := decimal.NewFromString(row.amount)
	if err != nil {
		problems = append(problems, fmt.Sprintf("amount %q", row.amount))
	}
	expense.Amount = amount

	date, err := time.Parse(model.DateLayout, row.date)
	if err != nil {
		problems = append(problems, fmt.Sprintf("date %q", row.date))
	}
	expense.Date = date

	if row.occurrenceDate.Valid {
		occurrence, err := time.Parse(model.DateLayout, row.occurrenceDate.String)
		if err != nil {
			problems = append(problems, fmt.Sprintf("occurrence date %q", row.occurrenceDate.String))
		} else {
			expense.OccurrenceDate = &occurrence
		}
	}

	expense.CreatedAt, _ = time.Parse(timestampLayout, row.createdAt)
	expense.UpdatedAt, _ = time.Parse(timestampLayout, row.updatedAt)

	if len(problems) > 0 {
		expense.Fault = &common.CorruptionError{
			ID:      row.id,
			Details: "unreadable " + strings.Join(problems, ", "),
		}
		common.LogError(ctx, expense.Fault, "expense record is corrupted", common.Fields{"id": row.id})
	}
	return expense
}

func (s *SQLiteStorage) fetchExpensesTx(ctx context.Context, tx *sql.Tx, query service.ExpenseQuery) ([]model.Expense, error) {
	var (
		where []string
		args  []any
	)
	if query.TemplateID != nil {
		where = append(where, "e.template_id = ?")
		args = append(args, *query.TemplateID)
	}
	if query.From != nil {
		where = append(where, "e.date >= ?")
		args = append(args, query.From.Format(model.DateLayout))
	}
	if query.To != nil {
		where = append(where, "e.date <= ?")
		args = append(args, query.To.Format(model.DateLayout))
	}
	if len(query.IDs) > 0 {
		where = append(where, "e.id IN ("+placeholders(len(query.IDs))+")")
		for _, id := range query.IDs {
			args = append(args, id)
		}
	}

	sqlQuery := `SELECT ` + expenseColumns + `
		FROM expenses e
		LEFT JOIN categories c ON c.id = e.category_id`
	if len(where) > 0 {
		sqlQuery += " WHERE " + strings.Join(where, " AND ")
	}
	sqlQuery += " ORDER BY e.date DESC, e.id"
	if query.Limit > 0 {
		sqlQuery += fmt.Sprintf(" LIMIT %d", query.Limit)
	}

	rows, err := tx.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, mapError("fetch expenses", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}()

	var expenses []model.Expense
	for rows.Next() {
		row, err := scanExpenseRow(rows)
		if err != nil {
			return nil, mapError("scan expense", err)
		}
		expenses = append(expenses, row.decode(ctx))
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate expenses", err)
	}

	if err := s.loadExpenseChildrenTx(ctx, tx, expenses); err != nil {
		return nil, err
	}

	slog.Debug("fetched expenses", "count", len(expenses))
	return expenses, nil
}

func (s *SQLiteStorage) getExpenseTx(ctx context.Context, tx *sql.Tx, id string) (*model.Expense, error) {
	row, err := scanExpenseRow(tx.QueryRowContext(ctx, `SELECT `+expenseColumns+`
		FROM expenses e
		LEFT JOIN categories c ON c.id = e.category_id
		WHERE e.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewNotFound("expense", id)
	}
	if err != nil {
		return nil, mapError("get expense", err)
	}

	expenses := []model.Expense{row.decode(ctx)}
	if err := s.loadExpenseChildrenTx(ctx, tx, expenses); err != nil {
		return nil, err
	}
	return &expenses[0], nil
}

// loadExpenseChildrenTx attaches line items and tags to the given expenses.
func (s *SQLiteStorage) loadExpenseChildrenTx(ctx context.Context, tx *sql.Tx, expenses []model.Expense) error {
	if len(expenses) == 0 {
		return nil
	}
	index := make(map[string]int, len(expenses))
	for i := range expenses {
		index[expenses[i].ID] = i
	}

	for start := 0; start < len(expenses); start += childBatchSize {
		end := min(start+childBatchSize, len(expenses))
		args := make([]any, 0, end-start)
		for _, e := range expenses[start:end] {
			args = append(args, e.ID)
		}
		in := placeholders(len(args))

		if err := scanEach(ctx, tx, "load line items",
			`SELECT expense_id, id, name, amount, quantity FROM line_items
				WHERE expense_id IN (`+in+`) ORDER BY expense_id, position`, args,
			func(rows *sql.Rows) error {
				var expenseID, amount string
				var item model.LineItem
				if err := rows.Scan(&expenseID, &item.ID, &item.Name, &amount, &item.Quantity); err != nil {
					return err
				}
				e := &expenses[index[expenseID]]
				parsed, err := decimal.NewFromString(amount)
				if err != nil && e.Fault == nil {
					e.Fault = &common.CorruptionError{ID: expenseID, Details: fmt.Sprintf("unreadable line item amount %q", amount)}
					common.LogError(ctx, e.Fault, "expense record is corrupted", common.Fields{"id": expenseID})
				}
				item.Amount = parsed
				e.LineItems = append(e.LineItems, item)
				return nil
			}); err != nil {
			return err
		}

		if err := scanEach(ctx, tx, "load expense tags",
			`SELECT expense_id, tag_id FROM expense_tags
				WHERE expense_id IN (`+in+`) ORDER BY expense_id, tag_id`, args,
			func(rows *sql.Rows) error {
				var expenseID, tagID string
				if err := rows.Scan(&expenseID, &tagID); err != nil {
					return err
				}
				e := &expenses[index[expenseID]]
				e.TagIDs = append(e.TagIDs, tagID)
				return nil
			}); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) saveExpenseTx(ctx context.Context, tx *sql.Tx, expense *model.Expense) error {
	now := s.now().UTC()
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = now
	}
	expense.UpdatedAt = now
	expense.Date = model.DateOf(expense.Date)

	var occurrence any
	if expense.OccurrenceDate != nil {
		occurrence = expense.OccurrenceDate.Format(model.DateLayout)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO expenses (
			id, amount, currency, date, merchant, category_id, payment_method,
			notes, template_id, occurrence_date, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			currency = excluded.currency,
			date = excluded.date,
			merchant = excluded.merchant,
			category_id = excluded.category_id,
			payment_method = excluded.payment_method,
			notes = excluded.notes,
			template_id = excluded.template_id,
			occurrence_date = excluded.occurrence_date,
			updated_at = excluded.updated_at`,
		expense.ID, expense.Amount.String(), expense.Currency, expense.Date.Format(model.DateLayout),
		expense.Merchant, stringOrNil(expense.CategoryID), paymentOrNil(expense.PaymentMethod),
		expense.Notes, stringOrNil(expense.TemplateID), occurrence,
		expense.CreatedAt.Format(timestampLayout), expense.UpdatedAt.Format(timestampLayout),
	)
	if err != nil {
		return mapError("save expense", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM line_items WHERE expense_id = ?`, expense.ID); err != nil {
		return mapError("replace line items", err)
	}
	for i, item := range expense.LineItems {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO line_items (id, expense_id, position, name, amount, quantity)
			VALUES (?, ?, ?, ?, ?, ?)`,
			item.ID, expense.ID, i, item.Name, item.Amount.String(), item.Quantity,
		); err != nil {
			return mapError("save line item", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM expense_tags WHERE expense_id = ?`, expense.ID); err != nil {
		return mapError("replace expense tags", err)
	}
	for _, tagID := range expense.TagIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO expense_tags (expense_id, tag_id) VALUES (?, ?)`,
			expense.ID, tagID,
		); err != nil {
			return mapError("save expense tag", err)
		}
	}

	slog.Debug("saved expense", "id", expense.ID, "merchant", expense.Merchant)
	return nil
}

func (s *SQLiteStorage) deleteExpenseTx(ctx context.Context, tx *sql.Tx, id string) error {
	result, err := tx.ExecContext(ctx, `DELETE FROM expenses WHERE id = ?`, id)
	if err != nil {
		return mapError("delete expense", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return mapError("delete expense", err)
	}
	if affected == 0 {
		return common.NewNotFound("expense", id)
	}
	slog.Debug("deleted expense", "id", id)
	return nil
}

func scanEach(ctx context.Context, tx *sql.Tx, op, query string, args []any, fn func(*sql.Rows) error) error {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return mapError(op, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return mapError(op, err)
		}
	}
	if err := rows.Err(); err != nil {
		return mapError(op, err)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func stringOrNil(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func paymentOrNil(pm *model.PaymentMethod) any {
	if pm == nil || *pm == "" {
		return nil
	}
	return string(*pm)
}
