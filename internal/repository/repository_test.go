package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/service"
	"github.com/Veraticus/tally/internal/testutil"
)

var fixedNow = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

func fastRetry() service.RetryOptions {
	return service.RetryOptions{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestRepository(t *testing.T) (*Repository, *testutil.TestDB) {
	t.Helper()
	db := testutil.SetupTestDB(t, testutil.BasicCategories...)
	repo := New(db.Storage, WithClock(func() time.Time { return fixedNow }), WithRetry(fastRetry()))
	return repo, db
}

func draft(merchant, amount string, date time.Time) model.ExpenseDraft {
	return model.ExpenseDraft{
		Date: date,
		Fields: model.Fields{
			Amount:   decimal.RequireFromString(amount),
			Merchant: merchant,
		},
	}
}

func TestValidate_AggregatesEveryViolation(t *testing.T) {
	bad := model.PaymentMethod("barter")
	d := model.ExpenseDraft{
		Date: fixedNow.AddDate(-20, 0, 0),
		Fields: model.Fields{
			Amount:        decimal.Zero,
			Currency:      "dollars",
			Notes:         strings.Repeat("n", 1001),
			PaymentMethod: &bad,
		},
		LineItems: []model.LineItem{{Amount: decimal.NewFromInt(-1)}},
	}

	err := Validate(d, service.DefaultLimits(), fixedNow)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrValidation)

	var verr *common.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{
		RuleAmountPositive,
		RuleMerchantRequired,
		RuleDatePastWindow,
		RuleNotesLength,
		RuleCurrencyFormat,
		RulePaymentMethod,
		"line_items[0].amount",
		"line_items[0].name",
	}, verr.Rules())
}

func TestValidate_Boundaries(t *testing.T) {
	limits := service.DefaultLimits()
	tests := []struct {
		mutate   func(*model.ExpenseDraft)
		name     string
		wantRule string
	}{
		{name: "valid", mutate: func(*model.ExpenseDraft) {}},
		{name: "amount at ceiling", wantRule: RuleAmountCeiling, mutate: func(d *model.ExpenseDraft) {
			d.Amount = limits.MaxAmount
		}},
		{name: "amount just below ceiling", mutate: func(d *model.ExpenseDraft) {
			d.Amount = limits.MaxAmount.Sub(decimal.RequireFromString("0.01"))
		}},
		{name: "merchant too long", wantRule: RuleMerchantLength, mutate: func(d *model.ExpenseDraft) {
			d.Merchant = strings.Repeat("m", limits.MaxMerchantLength+1)
		}},
		{name: "date too far ahead", wantRule: RuleDateFutureWindow, mutate: func(d *model.ExpenseDraft) {
			d.Date = model.DateOf(fixedNow).AddDate(0, 0, limits.MaxFutureDays+1)
		}},
		{name: "missing date", wantRule: RuleDateRequired, mutate: func(d *model.ExpenseDraft) {
			d.Date = time.Time{}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := draft("Cafe", "4.50", model.DateOf(fixedNow))
			tt.mutate(&d)
			d.Normalize()

			err := Validate(d, limits, fixedNow)
			if tt.wantRule == "" {
				assert.NoError(t, err)
				return
			}
			var verr *common.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, []string{tt.wantRule}, verr.Rules())
		})
	}
}

func TestRepository_CreateGetUpdateDelete(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()

	d := draft("  Corner Store ", "12.30", time.Date(2024, time.June, 1, 17, 45, 0, 0, time.UTC))
	categoryID := db.MustGetCategory(testutil.CategoryGroceries)
	d.CategoryID = &categoryID
	d.LineItems = []model.LineItem{{Name: "Milk", Amount: decimal.RequireFromString("2.30")}}

	created, err := repo.Create(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "Corner Store", created.Merchant)
	assert.Equal(t, model.DefaultCurrency, created.Currency)
	assert.Equal(t, time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC), created.Date)
	require.Len(t, created.LineItems, 1)
	assert.NotEmpty(t, created.LineItems[0].ID)
	assert.Equal(t, 1, created.LineItems[0].Quantity)

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, testutil.CategoryGroceries, got.CategoryName)

	edit := got.Draft()
	edit.Amount = decimal.RequireFromString("15")
	updated, err := repo.Update(ctx, created.ID, edit)
	require.NoError(t, err)
	assert.True(t, updated.Amount.Equal(decimal.NewFromInt(15)))

	got, err = repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(15)), "materialized copy must reflect the committed update")

	require.NoError(t, repo.Delete(ctx, created.ID))

	_, err = repo.Get(ctx, created.ID)
	var nf *common.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, created.ID, nf.ID)

	err = repo.Delete(ctx, created.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRepository_CreateRejectsInvalidDraft(t *testing.T) {
	repo, _ := newTestRepository(t)

	_, err := repo.Create(context.Background(), draft("", "-3", model.DateOf(fixedNow)))
	var verr *common.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ElementsMatch(t, []string{RuleAmountPositive, RuleMerchantRequired}, verr.Rules())

	snap, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Expenses, "nothing may reach the store")
}

func TestRepository_CreateRejectsUnknownCategory(t *testing.T) {
	repo, _ := newTestRepository(t)

	d := draft("Cafe", "3", model.DateOf(fixedNow))
	missing := "no-such-category"
	d.CategoryID = &missing

	_, err := repo.Create(context.Background(), d)
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestRepository_UpdateDetectsStaleRead(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, draft("Cafe", "3.00", model.DateOf(fixedNow)))
	require.NoError(t, err)

	stale := created.UpdatedAt.Add(-time.Minute)
	edit := created.Draft()
	edit.ExpectedUpdatedAt = &stale
	edit.Amount = decimal.NewFromInt(4)

	_, err = repo.Update(ctx, created.ID, edit)
	assert.ErrorIs(t, err, common.ErrConcurrencyConflict)

	fresh := created.UpdatedAt
	edit.ExpectedUpdatedAt = &fresh
	_, err = repo.Update(ctx, created.ID, edit)
	assert.NoError(t, err)
}

func TestRepository_LoadReplacesSnapshotWholesale(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	assert.Nil(t, repo.Current())

	_, err := repo.Create(ctx, draft("One", "1", model.DateOf(fixedNow)))
	require.NoError(t, err)
	first, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, first.Expenses, 1)

	_, err = repo.Create(ctx, draft("Two", "2", model.DateOf(fixedNow)))
	require.NoError(t, err)

	result := <-repo.LoadAsync(ctx)
	require.NoError(t, result.Err)
	assert.Len(t, result.IDs, 2)

	assert.Len(t, first.Expenses, 1, "published snapshots are never mutated")
	assert.Len(t, repo.Current().Expenses, 2)
	assert.NotSame(t, first, repo.Current())
}

func TestRepository_DeleteManySkipsMissing(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	var ids []string
	for i := range 3 {
		e, err := repo.Create(ctx, draft(fmt.Sprintf("Shop %d", i), "5", model.DateOf(fixedNow)))
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	result := <-repo.DeleteMany(ctx, append(ids, "missing"))
	repo.Wait()
	require.NoError(t, result.Err)
	assert.Equal(t, ids, result.IDs)

	snap, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Expenses)
}

func TestResolve_RefreshesFaultedRecordOnce(t *testing.T) {
	ctx := context.Background()
	session := &mockSession{}
	expense := &model.Expense{ID: "e1", Date: fixedNow}

	session.On("GetExpense", ctx, "e1").Return(nil, fmt.Errorf("expense e1: %w", common.ErrFaulted)).Once()
	session.On("Refresh", ctx, "e1").Return(nil).Once()
	session.On("GetExpense", ctx, "e1").Return(expense, nil).Once()

	got, err := Resolve(ctx, session, "e1")
	require.NoError(t, err)
	assert.Same(t, expense, got)
	session.AssertExpectations(t)
}

func TestResolve_GivesUpAfterOneRefresh(t *testing.T) {
	ctx := context.Background()
	session := &mockSession{}

	session.On("GetExpense", ctx, "e1").Return(nil, common.ErrFaulted).Twice()
	session.On("Refresh", ctx, "e1").Return(nil).Once()

	_, err := Resolve(ctx, session, "e1")
	assert.ErrorIs(t, err, common.ErrPersistence)
	session.AssertExpectations(t)
}

func TestResolve_DeletedIsTypedNotFound(t *testing.T) {
	ctx := context.Background()
	session := &mockSession{}
	session.On("GetExpense", ctx, "gone").Return(nil, fmt.Errorf("lookup: %w", common.ErrNotFound)).Once()

	_, err := Resolve(ctx, session, "gone")
	var nf *common.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "gone", nf.ID)
	session.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
}

func TestResolve_CorruptedRecordReportsCorruption(t *testing.T) {
	ctx := context.Background()
	session := &mockSession{}
	session.On("GetExpense", ctx, "bad").Return(&model.Expense{
		ID:    "bad",
		Fault: &common.CorruptionError{ID: "bad", Details: "unreadable amount"},
	}, nil).Once()

	_, err := Resolve(ctx, session, "bad")
	assert.ErrorIs(t, err, common.ErrCorruption)
}

func TestTransact_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	store := &mockStorage{}
	session := &mockSession{}
	busy := common.NewPersistenceError("begin session", common.ErrBusy)

	store.On("BeginSession", ctx).Return(nil, busy).Once()
	store.On("BeginSession", ctx).Return(session, nil).Once()
	session.On("DeleteExpense", ctx, "e1").Return(nil).Once()
	session.On("Commit").Return(nil).Once()
	session.On("Rollback").Return(nil).Once()

	repo := New(store, WithRetry(fastRetry()))
	require.NoError(t, repo.Delete(ctx, "e1"))
	store.AssertExpectations(t)
	session.AssertExpectations(t)
}

func TestTransact_NeverRetriesValidationOrNotFound(t *testing.T) {
	ctx := context.Background()

	for _, failure := range []error{
		common.NewNotFound("expense", "e1"),
		&common.ValidationError{Violations: []common.Violation{{Rule: "x", Message: "y"}}},
		common.NewConflict("stale"),
	} {
		t.Run(string(common.KindOf(failure)), func(t *testing.T) {
			store := &mockStorage{}
			session := &mockSession{}
			store.On("BeginSession", ctx).Return(session, nil).Once()
			session.On("DeleteExpense", ctx, "e1").Return(failure).Once()
			session.On("Rollback").Return(nil).Once()

			repo := New(store, WithRetry(fastRetry()))
			err := repo.Delete(ctx, "e1")
			assert.True(t, errors.Is(err, failure) || errors.Is(err, common.ErrValidation))
			store.AssertNumberOfCalls(t, "BeginSession", 1)
			session.AssertNotCalled(t, "Commit")
		})
	}
}
