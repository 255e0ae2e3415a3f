// Package service defines the interfaces for all application services.
package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/tally/internal/model"
)

// ExpenseQuery selects expenses from the store. Zero values select everything.
type ExpenseQuery struct {
	TemplateID *string
	From       *time.Time
	To         *time.Time
	IDs        []string
	Limit      int
}

// TemplateQuery selects recurring templates from the store.
type TemplateQuery struct {
	// DueOnOrBefore selects active templates whose next due date is on or before the time.
	DueOnOrBefore *time.Time
	ActiveOnly    bool
}

// Storage is the persistent store. All reads and writes happen inside a Session.
type Storage interface {
	// BeginSession opens a transactional session. Exactly one of Commit or
	// Rollback must be called on it.
	BeginSession(ctx context.Context) (Session, error)
	// Subscribe returns a feed of committed changes and a function that stops it.
	Subscribe(buffer int) (<-chan SavedEvent, func())

	Migrate(ctx context.Context) error
	Close() error
}

// Session is a single transactional unit of work against the store. Records
// read from one session must not be handed to another; re-resolve them by ID.
type Session interface {
	// Expense operations
	FetchExpenses(ctx context.Context, query ExpenseQuery) ([]model.Expense, error)
	// GetExpense returns common.ErrNotFound when the expense was deleted and
	// common.ErrFaulted when its data must be refreshed first.
	GetExpense(ctx context.Context, id string) (*model.Expense, error)
	// Refresh re-materializes a faulted expense so the next lookup succeeds.
	Refresh(ctx context.Context, id string) error
	SaveExpense(ctx context.Context, expense *model.Expense) error
	DeleteExpense(ctx context.Context, id string) error

	// Recurring template operations
	FetchTemplates(ctx context.Context, query TemplateQuery) ([]model.RecurringTemplate, error)
	GetTemplate(ctx context.Context, id string) (*model.RecurringTemplate, error)
	SaveTemplate(ctx context.Context, template *model.RecurringTemplate) error
	DeleteTemplate(ctx context.Context, id string) error

	// Category and tag operations
	GetCategories(ctx context.Context) ([]model.Category, error)
	GetCategory(ctx context.Context, id string) (*model.Category, error)
	GetCategoryByName(ctx context.Context, name string) (*model.Category, error)
	SaveCategory(ctx context.Context, category *model.Category) error
	DeleteCategory(ctx context.Context, id string) error
	GetTags(ctx context.Context) ([]model.Tag, error)
	EnsureTag(ctx context.Context, name string) (*model.Tag, error)

	Commit() error
	Rollback() error
}

// SavedEvent describes a committed session.
type SavedEvent struct {
	At               time.Time
	ExpenseIDs       []string
	DeletedExpenses  []string
	TemplateIDs      []string
	DeletedTemplates []string
}

// Empty reports whether the event carries no changes.
func (e SavedEvent) Empty() bool {
	return len(e.ExpenseIDs) == 0 && len(e.DeletedExpenses) == 0 &&
		len(e.TemplateIDs) == 0 && len(e.DeletedTemplates) == 0
}

// Touches reports whether the event changed the given expense.
func (e SavedEvent) Touches(expenseID string) bool {
	for _, id := range e.ExpenseIDs {
		if id == expenseID {
			return true
		}
	}
	for _, id := range e.DeletedExpenses {
		if id == expenseID {
			return true
		}
	}
	return false
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryOptions returns the retry settings used when none are configured.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{MaxAttempts: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second}
}

// Limits bounds the values accepted for an expense.
type Limits struct {
	MaxAmount         decimal.Decimal
	MaxMerchantLength int
	MaxNotesLength    int
	MaxPastYears      int
	MaxFutureDays     int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxAmount:         decimal.NewFromInt(1_000_000),
		MaxMerchantLength: 100,
		MaxNotesLength:    1000,
		MaxPastYears:      10,
		MaxFutureDays:     365,
	}
}
