// Package testutil provides test utilities for the tally project.
// It offers in-memory databases and record builders with proper test isolation.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/service"
	"github.com/Veraticus/tally/internal/storage"
)

// Common category names used across tests.
const (
	CategoryGroceries     = "Groceries"
	CategoryFoodDining    = "Food & Dining"
	CategoryHealthFitness = "Health & Fitness"
	CategoryUtilities     = "Utilities"
	CategoryTransport     = "Transportation"
)

// BasicCategories is the minimal set of categories commonly used in tests.
var BasicCategories = []string{CategoryGroceries, CategoryFoodDining, CategoryHealthFitness}

// TestDB represents a test database with associated test utilities.
type TestDB struct {
	Storage *storage.SQLiteStorage
	t       *testing.T
	// Categories maps seeded category names to their IDs.
	Categories map[string]string
}

// SetupTestDB creates a new in-memory test database seeded with the named
// categories. It automatically handles migrations and cleanup.
//
// Example:
//
//	db := testutil.SetupTestDB(t, testutil.BasicCategories...)
func SetupTestDB(t *testing.T, categoryNames ...string) *TestDB {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	db := &TestDB{
		Storage:    store,
		Categories: make(map[string]string, len(categoryNames)),
		t:          t,
	}
	if len(categoryNames) == 0 {
		return db
	}

	err = db.WithSession(func(s service.Session) error {
		for _, name := range categoryNames {
			cat := &model.Category{Name: name}
			if err := s.SaveCategory(ctx, cat); err != nil {
				return fmt.Errorf("seed category %q: %w", name, err)
			}
			db.Categories[name] = cat.ID
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed categories: %v", err)
	}
	return db
}

// MustGetCategory returns the ID of a seeded category or fails the test.
func (db *TestDB) MustGetCategory(name string) string {
	db.t.Helper()
	id, ok := db.Categories[name]
	if !ok {
		db.t.Fatalf("category %q was not seeded", name)
	}
	return id
}

// WithSession executes fn within a session and commits it when fn succeeds.
func (db *TestDB) WithSession(fn func(s service.Session) error) error {
	ctx := context.Background()
	session, err := db.Storage.BeginSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin session: %w", err)
	}
	defer func() { _ = session.Rollback() }()

	if err := fn(session); err != nil {
		return err
	}
	return session.Commit()
}

// MustSaveExpense persists expense or fails the test.
func (db *TestDB) MustSaveExpense(expense *model.Expense) {
	db.t.Helper()
	err := db.WithSession(func(s service.Session) error {
		return s.SaveExpense(context.Background(), expense)
	})
	if err != nil {
		db.t.Fatalf("failed to save expense %s: %v", expense.Merchant, err)
	}
}

// MustSaveTemplate persists tmpl or fails the test.
func (db *TestDB) MustSaveTemplate(tmpl *model.RecurringTemplate) {
	db.t.Helper()
	err := db.WithSession(func(s service.Session) error {
		return s.SaveTemplate(context.Background(), tmpl)
	})
	if err != nil {
		db.t.Fatalf("failed to save template %s: %v", tmpl.Merchant, err)
	}
}

// Date returns midnight UTC on the given day.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NewExpense builds a valid expense with a fresh ID.
func NewExpense(merchant, amount string, date time.Time) *model.Expense {
	return &model.Expense{
		ID:   model.NewID(),
		Date: model.DateOf(date),
		Fields: model.Fields{
			Amount:   decimal.RequireFromString(amount),
			Currency: model.DefaultCurrency,
			Merchant: merchant,
		},
	}
}

// NewMonthlyTemplate builds an active monthly template anchored on day.
func NewMonthlyTemplate(merchant, amount string, start time.Time, day int) *model.RecurringTemplate {
	tmpl := &model.RecurringTemplate{
		ID:        model.NewID(),
		StartDate: model.DateOf(start),
		Active:    true,
		Fields: model.Fields{
			Amount:   decimal.RequireFromString(amount),
			Currency: model.DefaultCurrency,
			Merchant: merchant,
		},
		Pattern: model.RecurringPattern{
			Frequency:  model.FrequencyMonthly,
			Interval:   1,
			DayOfMonth: &day,
		},
	}
	tmpl.NextDueDate = tmpl.ComputeNextDue()
	return tmpl
}
