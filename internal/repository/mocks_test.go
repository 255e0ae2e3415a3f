package repository

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/service"
)

type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) BeginSession(ctx context.Context) (service.Session, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(service.Session)
	return s, args.Error(1)
}

func (m *mockStorage) Subscribe(buffer int) (<-chan service.SavedEvent, func()) {
	ch := make(chan service.SavedEvent)
	return ch, func() {}
}

func (m *mockStorage) Migrate(ctx context.Context) error { return nil }
func (m *mockStorage) Close() error                      { return nil }

type mockSession struct {
	mock.Mock
}

func (m *mockSession) FetchExpenses(ctx context.Context, query service.ExpenseQuery) ([]model.Expense, error) {
	args := m.Called(ctx, query)
	expenses, _ := args.Get(0).([]model.Expense)
	return expenses, args.Error(1)
}

func (m *mockSession) GetExpense(ctx context.Context, id string) (*model.Expense, error) {
	args := m.Called(ctx, id)
	expense, _ := args.Get(0).(*model.Expense)
	return expense, args.Error(1)
}

func (m *mockSession) Refresh(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockSession) SaveExpense(ctx context.Context, expense *model.Expense) error {
	return m.Called(ctx, expense).Error(0)
}

func (m *mockSession) DeleteExpense(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockSession) FetchTemplates(ctx context.Context, query service.TemplateQuery) ([]model.RecurringTemplate, error) {
	args := m.Called(ctx, query)
	templates, _ := args.Get(0).([]model.RecurringTemplate)
	return templates, args.Error(1)
}

func (m *mockSession) GetTemplate(ctx context.Context, id string) (*model.RecurringTemplate, error) {
	args := m.Called(ctx, id)
	tmpl, _ := args.Get(0).(*model.RecurringTemplate)
	return tmpl, args.Error(1)
}

func (m *mockSession) SaveTemplate(ctx context.Context, tmpl *model.RecurringTemplate) error {
	return m.Called(ctx, tmpl).Error(0)
}

func (m *mockSession) DeleteTemplate(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockSession) GetCategories(ctx context.Context) ([]model.Category, error) {
	args := m.Called(ctx)
	cats, _ := args.Get(0).([]model.Category)
	return cats, args.Error(1)
}

func (m *mockSession) GetCategory(ctx context.Context, id string) (*model.Category, error) {
	args := m.Called(ctx, id)
	cat, _ := args.Get(0).(*model.Category)
	return cat, args.Error(1)
}

func (m *mockSession) GetCategoryByName(ctx context.Context, name string) (*model.Category, error) {
	args := m.Called(ctx, name)
	cat, _ := args.Get(0).(*model.Category)
	return cat, args.Error(1)
}

func (m *mockSession) SaveCategory(ctx context.Context, category *model.Category) error {
	return m.Called(ctx, category).Error(0)
}

func (m *mockSession) DeleteCategory(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockSession) GetTags(ctx context.Context) ([]model.Tag, error) {
	args := m.Called(ctx)
	tags, _ := args.Get(0).([]model.Tag)
	return tags, args.Error(1)
}

func (m *mockSession) EnsureTag(ctx context.Context, name string) (*model.Tag, error) {
	args := m.Called(ctx, name)
	tag, _ := args.Get(0).(*model.Tag)
	return tag, args.Error(1)
}

func (m *mockSession) Commit() error   { return m.Called().Error(0) }
func (m *mockSession) Rollback() error { return m.Called().Error(0) }
