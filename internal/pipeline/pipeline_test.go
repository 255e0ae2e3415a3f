package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
)

func day(d int) time.Time {
	return time.Date(2024, time.May, d, 0, 0, 0, 0, time.UTC)
}

func expense(id, merchant, amount string, date time.Time) model.Expense {
	return model.Expense{
		ID:   id,
		Date: date,
		Fields: model.Fields{
			Amount:   decimal.RequireFromString(amount),
			Currency: model.DefaultCurrency,
			Merchant: merchant,
		},
	}
}

func ids(expenses []model.Expense) []string {
	out := make([]string, len(expenses))
	for i := range expenses {
		out[i] = expenses[i].ID
	}
	return out
}

func sampleExpenses() []model.Expense {
	groceries := "cat-groceries"
	a := expense("a", "Café Étoile", "4.50", day(3))
	a.Notes = "morning latte"
	b := expense("b", "Whole Foods", "82.10", day(3))
	b.CategoryID = &groceries
	b.CategoryName = "Groceries"
	c := expense("c", "Shell", "45.00", day(10))
	c.Notes = "road trip fuel"
	d := expense("d", "cafe etoile", "4.50", day(12))
	e := expense("e", "Whole Foods", "12.00", day(20))
	e.CategoryID = &groceries
	e.CategoryName = "Groceries"
	return []model.Expense{a, b, c, d, e}
}

func ptr[T any](v T) *T { return &v }

func TestFold(t *testing.T) {
	assert.Equal(t, "cafe etoile", Fold("Café Étoile"))
	assert.Equal(t, "strasse", Fold("STRASSE"))
	assert.Equal(t, Fold("naïve"), Fold("NAIVE"))
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name     string
		criteria model.FilterCriteria
		want     []string
	}{
		{name: "search ignores case and accents", criteria: model.FilterCriteria{SearchText: "CAFE"}, want: []string{"a", "d"}},
		{name: "search matches notes", criteria: model.FilterCriteria{SearchText: "fuel"}, want: []string{"c"}},
		{name: "search matches category name", criteria: model.FilterCriteria{SearchText: "grocer"}, want: []string{"b", "e"}},
		{name: "category", criteria: model.FilterCriteria{CategoryID: ptr("cat-groceries")}, want: []string{"b", "e"}},
		{
			name:     "date range is inclusive",
			criteria: model.FilterCriteria{Dates: &model.DateRange{From: ptr(day(3)), To: ptr(day(10))}},
			want:     []string{"a", "b", "c"},
		},
		{
			name:     "amount range",
			criteria: model.FilterCriteria{Amounts: &model.AmountRange{Min: ptr(decimal.RequireFromString("10")), Max: ptr(decimal.RequireFromString("50"))}},
			want:     []string{"c", "e"},
		},
		{name: "vendor", criteria: model.FilterCriteria{Vendor: "whole foods"}, want: []string{"b", "e"}},
		{
			name: "criteria combine with and",
			criteria: model.FilterCriteria{
				CategoryID: ptr("cat-groceries"),
				Amounts:    &model.AmountRange{Min: ptr(decimal.RequireFromString("50"))},
			},
			want: []string{"b"},
		},
		{name: "no match", criteria: model.FilterCriteria{SearchText: "zzz"}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Filter(sampleExpenses(), tt.criteria)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestFilter_EmptyCriteriaReturnsInput(t *testing.T) {
	in := sampleExpenses()
	in[0].Fault = &common.CorruptionError{ID: "a"}

	got := Filter(in, model.FilterCriteria{SearchText: "   "})
	require.Len(t, got, len(in))
	assert.Same(t, &in[0], &got[0])
}

func TestFilter_Idempotent(t *testing.T) {
	criteria := []model.FilterCriteria{
		{},
		{SearchText: "e"},
		{Vendor: "Shell"},
		{CategoryID: ptr("cat-groceries"), SearchText: "whole"},
		{Dates: &model.DateRange{From: ptr(day(10))}, Amounts: &model.AmountRange{Max: ptr(decimal.RequireFromString("45"))}},
	}
	for i, c := range criteria {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			once := Filter(sampleExpenses(), c)
			twice := Filter(once, c)
			assert.Equal(t, once, twice)
		})
	}
}

func TestSort(t *testing.T) {
	tests := []struct {
		option model.SortOption
		want   []string
	}{
		{option: model.SortDateDesc, want: []string{"e", "d", "c", "a", "b"}},
		{option: model.SortDateAsc, want: []string{"a", "b", "c", "d", "e"}},
		// Equal amounts fall back to date descending.
		{option: model.SortAmountAsc, want: []string{"d", "a", "e", "c", "b"}},
		{option: model.SortAmountDesc, want: []string{"b", "c", "e", "d", "a"}},
		// "Café Étoile" and "cafe etoile" fold to the same key.
		{option: model.SortMerchantAsc, want: []string{"d", "a", "c", "e", "b"}},
		{option: model.SortMerchantDesc, want: []string{"e", "b", "c", "d", "a"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.option), func(t *testing.T) {
			assert.Equal(t, tt.want, ids(Sort(sampleExpenses(), tt.option)))
		})
	}
}

func TestSort_DoesNotMutateInput(t *testing.T) {
	in := sampleExpenses()
	before := ids(in)
	_ = Sort(in, model.SortAmountDesc)
	assert.Equal(t, before, ids(in))
}

func TestSort_DeterministicAndExcludesUnreadable(t *testing.T) {
	in := sampleExpenses()
	in = append(in,
		expense("f", "Same", "1.00", day(5)),
		expense("g", "Same", "1.00", day(5)),
	)
	in[2].Fault = &common.CorruptionError{ID: "c", Details: "amount unreadable"}
	in[4].Deleted = true

	first := Sort(in, model.SortAmountAsc)
	for range 5 {
		assert.Equal(t, first, Sort(in, model.SortAmountAsc))
	}
	assert.Equal(t, []string{"f", "g", "d", "a", "b"}, ids(first))
}

func TestCompare_FallsBack(t *testing.T) {
	a := expense("a", "A", "1", day(1))
	b := expense("b", "B", "1", day(2))

	// Missing merchant keys fall back to date descending.
	assert.Equal(t, 1, compare(&a, &b, model.SortMerchantAsc, map[string]string{}))

	// Unreadable dates fall back to identity.
	a.Fault = errors.New("boom")
	assert.Equal(t, -1, compare(&a, &b, model.SortAmountDesc, nil))
}

func TestSorter_Async(t *testing.T) {
	in := make([]model.Expense, 0, 50)
	for i := range 50 {
		in = append(in, expense(fmt.Sprintf("id-%02d", i), "M", fmt.Sprintf("%d.00", i), day(1)))
	}
	sorter := NewSorter(10, 2)

	got, err := sorter.Sort(context.Background(), in, model.SortAmountDesc)
	require.NoError(t, err)
	require.Len(t, got, 50)
	assert.Equal(t, "id-49", got[0].ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sorter.Sort(ctx, in, model.SortAmountDesc)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScheduler_CoalescesBurst(t *testing.T) {
	var (
		mu       sync.Mutex
		latest   string
		observed []string
		kinds    []bool
	)

	var sched *Scheduler
	sched = NewScheduler(context.Background(), SchedulerConfig{Debounce: 200 * time.Millisecond}, func(tok *Token) error {
		mu.Lock()
		c := latest
		mu.Unlock()
		return sched.Publish(tok, func() {
			mu.Lock()
			observed = append(observed, c)
			kinds = append(kinds, tok.Has(CriteriaChanged))
			mu.Unlock()
		})
	})
	t.Cleanup(sched.Stop)

	for i := range 10 {
		mu.Lock()
		latest = fmt.Sprintf("criteria-%d", i)
		mu.Unlock()
		sched.Trigger(CriteriaChanged)
		time.Sleep(4 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"criteria-9"}, observed)
	assert.Equal(t, []bool{true}, kinds)
	assert.Equal(t, 1, sched.Runs())
}

func TestScheduler_SearchUsesLongerWindow(t *testing.T) {
	started := make(chan time.Time, 1)
	sched := NewScheduler(context.Background(), SchedulerConfig{Debounce: 20 * time.Millisecond, SearchDebounce: 150 * time.Millisecond},
		func(tok *Token) error {
			started <- time.Now()
			return nil
		})
	t.Cleanup(sched.Stop)

	begin := time.Now()
	sched.Trigger(SearchChanged)
	select {
	case at := <-started:
		assert.GreaterOrEqual(t, at.Sub(begin), 150*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("recompute never ran")
	}
}

func TestScheduler_NewerEventCancelsRunningPass(t *testing.T) {
	var (
		mu        sync.Mutex
		published []uint64
		cancelled []uint64
	)
	release := make(chan struct{})
	firstStarted := make(chan struct{})

	var sched *Scheduler
	sched = NewScheduler(context.Background(), SchedulerConfig{Debounce: 10 * time.Millisecond}, func(tok *Token) error {
		if tok.Generation() == 1 {
			close(firstStarted)
			<-release
		}
		if err := tok.Check(); err != nil {
			mu.Lock()
			cancelled = append(cancelled, tok.Generation())
			mu.Unlock()
			return err
		}
		return sched.Publish(tok, func() {
			mu.Lock()
			published = append(published, tok.Generation())
			mu.Unlock()
		})
	})
	t.Cleanup(sched.Stop)

	sched.Trigger(StoreChanged)
	<-firstStarted
	sched.Trigger(SortChanged)
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 1 && len(cancelled) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{2}, published)
	assert.Equal(t, []uint64{1}, cancelled)
}

func TestScheduler_PublishNeverGoesBackwards(t *testing.T) {
	sched := NewScheduler(context.Background(), SchedulerConfig{}, func(*Token) error { return nil })
	t.Cleanup(sched.Stop)

	older := &Token{ctx: context.Background(), gen: 1}
	newer := &Token{ctx: context.Background(), gen: 2}

	require.NoError(t, sched.Publish(newer, func() {}))
	assert.ErrorIs(t, sched.Publish(older, func() { t.Fatal("stale pass published") }), ErrSuperseded)
}
