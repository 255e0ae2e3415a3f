package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strings"

	"github.com/Veraticus/tally/internal/model"
)

// DefaultAsyncThreshold is the list size above which sorting moves to a worker.
const DefaultAsyncThreshold = 2000

// Sort returns the live expenses ordered by option. The input is never
// mutated. Ties on the primary field break by date descending, then by ID.
func Sort(expenses []model.Expense, option model.SortOption) []model.Expense {
	if option == "" {
		option = model.DefaultSort
	}

	out := make([]model.Expense, 0, len(expenses))
	excluded := 0
	for i := range expenses {
		if !expenses[i].Live() {
			excluded++
			continue
		}
		out = append(out, expenses[i].Clone())
	}
	if excluded > 0 {
		slog.Debug("excluded unreadable expenses from sort", "count", excluded)
	}

	keys := make(map[string]string, len(out))
	if option == model.SortMerchantAsc || option == model.SortMerchantDesc {
		for i := range out {
			if merchant, err := out[i].SortMerchant(); err == nil {
				keys[out[i].ID] = Fold(merchant)
			}
		}
	}

	slices.SortStableFunc(out, func(a, b model.Expense) int {
		return compare(&a, &b, option, keys)
	})
	return out
}

// compare never panics. A failure on the primary field falls back to the
// date, and a failure on the date falls back to the ID.
func compare(a, b *model.Expense, option model.SortOption, keys map[string]string) (c int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("expense comparison failed, ordering by id", "a", a.ID, "b", b.ID, "panic", r)
			c = strings.Compare(a.ID, b.ID)
		}
	}()

	primary, err := comparePrimary(a, b, option, keys)
	if err == nil && primary != 0 {
		if option.Descending() {
			return -primary
		}
		return primary
	}
	if err != nil {
		slog.Debug("primary sort field unreadable, falling back to date", "a", a.ID, "b", b.ID, "error", err)
	}

	if byDate, err := compareDates(a, b); err == nil {
		if byDate != 0 {
			return -byDate
		}
	} else {
		slog.Debug("sort date unreadable, falling back to id", "a", a.ID, "b", b.ID, "error", err)
	}
	return strings.Compare(a.ID, b.ID)
}

func comparePrimary(a, b *model.Expense, option model.SortOption, keys map[string]string) (int, error) {
	switch option {
	case model.SortAmountAsc, model.SortAmountDesc:
		x, err := a.SortAmount()
		if err != nil {
			return 0, err
		}
		y, err := b.SortAmount()
		if err != nil {
			return 0, err
		}
		return x.Cmp(y), nil
	case model.SortMerchantAsc, model.SortMerchantDesc:
		x, okA := keys[a.ID]
		y, okB := keys[b.ID]
		if !okA || !okB {
			return 0, fmt.Errorf("merchant key missing for %s or %s", a.ID, b.ID)
		}
		return strings.Compare(x, y), nil
	case model.SortDateAsc, model.SortDateDesc:
		return compareDates(a, b)
	}
	return 0, fmt.Errorf("unsupported sort option %q", option)
}

func compareDates(a, b *model.Expense) (int, error) {
	x, err := a.SortDate()
	if err != nil {
		return 0, err
	}
	y, err := b.SortDate()
	if err != nil {
		return 0, err
	}
	return x.Compare(y), nil
}

// Sorter runs large sorts on a bounded pool of workers so the caller can be
// cancelled without waiting for the sort to finish.
type Sorter struct {
	slots     chan struct{}
	threshold int
}

// NewSorter creates a sorter. Lists longer than threshold are sorted on one
// of workers background slots.
func NewSorter(threshold, workers int) *Sorter {
	if threshold <= 0 {
		threshold = DefaultAsyncThreshold
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Sorter{threshold: threshold, slots: make(chan struct{}, workers)}
}

// Sort orders expenses like Sort. It returns ctx.Err() if ctx is done before
// the result is ready.
func (s *Sorter) Sort(ctx context.Context, expenses []model.Expense, option model.SortOption) ([]model.Expense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(expenses) <= s.threshold {
		return Sort(expenses, option), nil
	}

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	done := make(chan []model.Expense, 1)
	go func() {
		defer func() { <-s.slots }()
		done <- Sort(expenses, option)
	}()

	select {
	case sorted := <-done:
		return sorted, nil
	case <-ctx.Done():
		slog.Debug("sort abandoned", "count", len(expenses), "reason", context.Cause(ctx))
		return nil, ctx.Err()
	}
}
