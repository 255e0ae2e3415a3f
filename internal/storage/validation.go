// Package storage provides the data persistence layer for the tally application.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/tally/internal/model"
)

// Validation errors.
var (
	ErrNilContext      = errors.New("context cannot be nil")
	ErrEmptyString     = errors.New("string parameter cannot be empty")
	ErrNilParameter    = errors.New("parameter cannot be nil")
	ErrInvalidExpense  = errors.New("invalid expense")
	ErrInvalidTemplate = errors.New("invalid template")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

// validateExpenseRecord checks the invariants the schema relies on. Business
// rules are enforced by the repository before records reach the store.
func validateExpenseRecord(expense *model.Expense) error {
	if expense == nil {
		return fmt.Errorf("%w: expense", ErrNilParameter)
	}
	if expense.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidExpense)
	}
	if expense.Date.IsZero() {
		return fmt.Errorf("%w: missing date", ErrInvalidExpense)
	}
	if expense.Fault != nil {
		return fmt.Errorf("%w: cannot save faulted record %s", ErrInvalidExpense, expense.ID)
	}
	for i, item := range expense.LineItems {
		if item.ID == "" {
			return fmt.Errorf("%w: line item %d missing ID", ErrInvalidExpense, i)
		}
	}
	return nil
}

// validateTemplateRecord checks the invariants the schema relies on.
func validateTemplateRecord(template *model.RecurringTemplate) error {
	if template == nil {
		return fmt.Errorf("%w: template", ErrNilParameter)
	}
	if template.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidTemplate)
	}
	if err := template.Pattern.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}
	if template.StartDate.IsZero() {
		return fmt.Errorf("%w: missing start date", ErrInvalidTemplate)
	}
	return nil
}
