package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/recurrence"
	"github.com/Veraticus/tally/internal/repository"
	"github.com/Veraticus/tally/internal/service"
	"github.com/Veraticus/tally/internal/templatesync"
	"github.com/Veraticus/tally/internal/testutil"
)

var engineNow = time.Date(2024, time.April, 15, 10, 0, 0, 0, time.UTC)

type harness struct {
	db     *testutil.TestDB
	repo   *repository.Repository
	engine *ExpenseEngine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.SetupTestDB(t, testutil.BasicCategories...)
	repo := repository.New(db.Storage,
		repository.WithClock(func() time.Time { return engineNow }),
		repository.WithRetry(service.RetryOptions{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
	)
	gen := recurrence.NewGenerator(repo, recurrence.Config{})
	sync := templatesync.New(repo, templatesync.PolicyUpdateTemplate)
	cfg := DefaultConfig()
	cfg.Debounce = 10 * time.Millisecond
	cfg.SearchDebounce = 20 * time.Millisecond
	return &harness{db: db, repo: repo, engine: NewWithConfig(repo, gen, sync, cfg)}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(h.engine.Stop)
}

func (h *harness) waitFor(t *testing.T, cond func(State) bool) State {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.engine.State()) }, 3*time.Second, 5*time.Millisecond)
	return h.engine.State()
}

func merchants(s State) []string {
	out := make([]string, len(s.Expenses))
	for i := range s.Expenses {
		out[i] = s.Expenses[i].Merchant
	}
	return out
}

func withCount(n int) func(State) bool {
	return func(s State) bool { return s.Status == StatusLoaded && len(s.Expenses) == n }
}

func TestExpenseEngine_PublishesSortedExpenses(t *testing.T) {
	h := newHarness(t)
	h.db.MustSaveExpense(testutil.NewExpense("Bakery", "6.00", testutil.Date(2024, time.April, 2)))
	h.db.MustSaveExpense(testutil.NewExpense("Cinema", "24.00", testutil.Date(2024, time.April, 9)))
	h.db.MustSaveExpense(testutil.NewExpense("Apothecary", "13.50", testutil.Date(2024, time.April, 5)))

	assert.Equal(t, StatusLoading, h.engine.State().Status)
	h.start(t)

	state := h.waitFor(t, withCount(3))
	assert.Equal(t, []string{"Cinema", "Apothecary", "Bakery"}, merchants(state))

	h.engine.SetSortOption(model.SortAmountAsc)
	state = h.waitFor(t, func(s State) bool {
		return s.Status == StatusLoaded && len(s.Expenses) == 3 && s.Expenses[0].Merchant == "Bakery"
	})
	assert.Equal(t, []string{"Bakery", "Apothecary", "Cinema"}, merchants(state))
}

func TestExpenseEngine_FilterAndEmpty(t *testing.T) {
	h := newHarness(t)
	h.db.MustSaveExpense(testutil.NewExpense("Bakery", "6.00", testutil.Date(2024, time.April, 2)))
	h.db.MustSaveExpense(testutil.NewExpense("Cinema", "24.00", testutil.Date(2024, time.April, 9)))
	h.start(t)
	h.waitFor(t, withCount(2))

	h.engine.SetFilterCriteria(model.FilterCriteria{SearchText: "BAKE"})
	state := h.waitFor(t, withCount(1))
	assert.Equal(t, []string{"Bakery"}, merchants(state))

	h.engine.SetFilterCriteria(model.FilterCriteria{SearchText: "nothing matches"})
	state = h.waitFor(t, func(s State) bool { return s.Status == StatusEmpty })
	assert.Empty(t, state.Expenses)
}

func TestExpenseEngine_RecomputesOnStoreChanges(t *testing.T) {
	h := newHarness(t)
	doomed := testutil.NewExpense("Bakery", "6.00", testutil.Date(2024, time.April, 2))
	h.db.MustSaveExpense(doomed)
	h.db.MustSaveExpense(testutil.NewExpense("Cinema", "24.00", testutil.Date(2024, time.April, 9)))
	h.start(t)
	h.waitFor(t, withCount(2))

	require.NoError(t, h.engine.Delete(context.Background(), doomed.ID))
	state := h.waitFor(t, withCount(1))
	assert.Equal(t, []string{"Cinema"}, merchants(state))

	// Writes that bypass the engine are picked up from the change feed.
	h.db.MustSaveExpense(testutil.NewExpense("Deli", "9.00", testutil.Date(2024, time.April, 10)))
	state = h.waitFor(t, withCount(2))
	assert.Equal(t, []string{"Deli", "Cinema"}, merchants(state))
}

func TestExpenseEngine_SubscribeReceivesLatestState(t *testing.T) {
	h := newHarness(t)
	h.db.MustSaveExpense(testutil.NewExpense("Bakery", "6.00", testutil.Date(2024, time.April, 2)))

	states, stop := h.engine.Subscribe()
	defer stop()
	h.start(t)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-states:
			if s.Status == StatusLoaded {
				assert.Len(t, s.Expenses, 1)
				return
			}
		case <-deadline:
			t.Fatal("never received a loaded state")
		}
	}
}

func TestExpenseEngine_CreateRunsRecurrence(t *testing.T) {
	h := newHarness(t)
	tmpl := testutil.NewMonthlyTemplate("Gym", "40.00", testutil.Date(2024, time.April, 1), 1)
	h.db.MustSaveTemplate(tmpl)

	_, err := h.engine.CreateExpense(context.Background(), model.ExpenseDraft{
		Date:   testutil.Date(2024, time.April, 14),
		Fields: model.Fields{Merchant: "Bakery", Amount: decimal.RequireFromString("6.00")},
	})
	require.NoError(t, err)

	state := h.engine.Recompute(context.Background())
	require.Equal(t, StatusLoaded, state.Status)
	assert.ElementsMatch(t, []string{"Bakery", "Gym"}, merchants(state))

	// A second run finds nothing due.
	ids, err := h.engine.Resume(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestExpenseEngine_EditPropagatesToTemplate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tmpl := testutil.NewMonthlyTemplate("Gym", "40.00", testutil.Date(2024, time.April, 1), 1)
	h.db.MustSaveTemplate(tmpl)

	ids, err := h.engine.Resume(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	current, err := h.repo.Get(ctx, ids[0])
	require.NoError(t, err)
	edit := current.Draft()
	edit.Amount = decimal.RequireFromString("45.00")

	attempt, err := h.engine.EditExpense(ctx, ids[0], edit)
	require.NoError(t, err)
	assert.Equal(t, templatesync.StateApplied, attempt.State())
	assert.Equal(t, "45.00", attempt.Template().Amount.StringFixed(2))
}

func TestExpenseEngine_RecomputeReportsErrors(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.db.Storage.Close())

	state := h.engine.Recompute(context.Background())
	assert.Equal(t, StatusError, state.Status)
	require.Error(t, state.Err)
	assert.NotEqual(t, common.ErrorKind(""), state.Kind)
	description, _ := state.Describe()
	assert.NotEmpty(t, description)
}

func TestSearchOnlyChange(t *testing.T) {
	cat := "groceries"
	from := testutil.Date(2024, time.April, 1)
	sameFrom := testutil.Date(2024, time.April, 1)
	laterFrom := testutil.Date(2024, time.April, 2)
	low := decimal.RequireFromString("5")
	sameLow := decimal.RequireFromString("5.00")
	tests := []struct {
		name          string
		before, after model.FilterCriteria
		want          bool
	}{
		{name: "search text only", before: model.FilterCriteria{SearchText: "a"}, after: model.FilterCriteria{SearchText: "ab"}, want: true},
		{name: "unchanged", before: model.FilterCriteria{SearchText: "a"}, after: model.FilterCriteria{SearchText: "a"}, want: false},
		{
			name:   "category too",
			before: model.FilterCriteria{SearchText: "a"},
			after:  model.FilterCriteria{SearchText: "ab", CategoryID: &cat},
			want:   false,
		},
		{name: "vendor only", before: model.FilterCriteria{}, after: model.FilterCriteria{Vendor: "Shell"}, want: false},
		{
			name:   "equal date range in a new allocation",
			before: model.FilterCriteria{SearchText: "a", Dates: &model.DateRange{From: &from}},
			after:  model.FilterCriteria{SearchText: "ab", Dates: &model.DateRange{From: &sameFrom}},
			want:   true,
		},
		{
			name:   "equal amount range in a new allocation",
			before: model.FilterCriteria{SearchText: "a", Amounts: &model.AmountRange{Min: &low}},
			after:  model.FilterCriteria{SearchText: "ab", Amounts: &model.AmountRange{Min: &sameLow}},
			want:   true,
		},
		{
			name:   "date range moved",
			before: model.FilterCriteria{SearchText: "a", Dates: &model.DateRange{From: &from}},
			after:  model.FilterCriteria{SearchText: "ab", Dates: &model.DateRange{From: &laterFrom}},
			want:   false,
		},
		{
			name:   "date range added",
			before: model.FilterCriteria{SearchText: "a"},
			after:  model.FilterCriteria{SearchText: "ab", Dates: &model.DateRange{}},
			want:   false,
		},
		{
			name:   "amount bound cleared",
			before: model.FilterCriteria{SearchText: "a", Amounts: &model.AmountRange{Min: &low}},
			after:  model.FilterCriteria{SearchText: "ab", Amounts: &model.AmountRange{}},
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, searchOnlyChange(tt.before, tt.after))
		})
	}
}
