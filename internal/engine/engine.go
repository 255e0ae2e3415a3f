// Package engine implements the expense engine. It keeps the published
// expense list in step with the store, the filter criteria and the sort
// option, and runs the recurrence generator on resume and after saves.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/pipeline"
	"github.com/Veraticus/tally/internal/recurrence"
	"github.com/Veraticus/tally/internal/repository"
	"github.com/Veraticus/tally/internal/templatesync"
)

// Config holds configuration options for the expense engine.
type Config struct {
	Debounce           time.Duration
	SearchDebounce     time.Duration
	AsyncSortThreshold int
	SortWorkers        int
	// FeedBuffer is the store change feed buffer size.
	FeedBuffer int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Debounce:           pipeline.DefaultDebounce,
		SearchDebounce:     pipeline.DefaultSearchDebounce,
		AsyncSortThreshold: pipeline.DefaultAsyncThreshold,
		FeedBuffer:         16,
	}
}

// ExpenseEngine orchestrates loading, filtering, sorting and publishing of
// the expense list.
type ExpenseEngine struct {
	repo      *repository.Repository
	generator *recurrence.Generator
	sync      *templatesync.Synchronizer
	sorter    *pipeline.Sorter
	sched     *pipeline.Scheduler
	unsub     func()
	subs      *stateFeed
	state     State
	criteria  model.FilterCriteria
	sortBy    model.SortOption
	cfg       Config
	feedDone  chan struct{}
	mu        sync.RWMutex
	started   bool
}

// New creates a new expense engine with the given dependencies.
func New(repo *repository.Repository, generator *recurrence.Generator, synchronizer *templatesync.Synchronizer) *ExpenseEngine {
	return NewWithConfig(repo, generator, synchronizer, DefaultConfig())
}

// NewWithConfig creates a new expense engine with custom configuration.
func NewWithConfig(repo *repository.Repository, generator *recurrence.Generator, synchronizer *templatesync.Synchronizer, cfg Config) *ExpenseEngine {
	if cfg.FeedBuffer <= 0 {
		cfg.FeedBuffer = DefaultConfig().FeedBuffer
	}
	return &ExpenseEngine{
		repo:      repo,
		generator: generator,
		sync:      synchronizer,
		sorter:    pipeline.NewSorter(cfg.AsyncSortThreshold, cfg.SortWorkers),
		subs:      newStateFeed(),
		state:     State{Status: StatusLoading},
		sortBy:    model.DefaultSort,
		cfg:       cfg,
	}
}

// Start publishes Loading, subscribes to the store's change feed and starts
// the first load. Recompute passes run until ctx is cancelled or Stop is called.
func (e *ExpenseEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.sched = pipeline.NewScheduler(ctx, pipeline.SchedulerConfig{
		Debounce:       e.cfg.Debounce,
		SearchDebounce: e.cfg.SearchDebounce,
	}, e.recompute)
	events, unsub := e.repo.Storage().Subscribe(e.cfg.FeedBuffer)
	e.unsub = unsub
	e.feedDone = make(chan struct{})
	e.mu.Unlock()

	e.setState(State{Status: StatusLoading})

	go func() {
		defer close(e.feedDone)
		for event := range events {
			slog.Debug("store changed", "expenses", len(event.ExpenseIDs), "deleted", len(event.DeletedExpenses),
				"templates", len(event.TemplateIDs))
			e.sched.Trigger(pipeline.StoreChanged)
		}
	}()

	e.sched.Flush(pipeline.StoreChanged)
	slog.Info("expense engine started")
	return nil
}

// Stop cancels pending work and closes every subscription.
func (e *ExpenseEngine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	sched, unsub, feedDone := e.sched, e.unsub, e.feedDone
	e.mu.Unlock()

	unsub()
	<-feedDone
	sched.Stop()
	e.subs.close()
	slog.Info("expense engine stopped")
}

// Subscribe returns a channel that always holds the most recent state and a
// function that stops the subscription. Intermediate states may be skipped.
func (e *ExpenseEngine) Subscribe() (<-chan State, func()) {
	return e.subs.subscribe(e.State())
}

// State returns the last published state.
func (e *ExpenseEngine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Criteria returns the current filter criteria and sort option.
func (e *ExpenseEngine) Criteria() (model.FilterCriteria, model.SortOption) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.criteria, e.sortBy
}

// SetFilterCriteria replaces the filter criteria. A change to the search
// text alone is debounced with the longer search window.
func (e *ExpenseEngine) SetFilterCriteria(criteria model.FilterCriteria) {
	e.mu.Lock()
	kind := pipeline.CriteriaChanged
	if searchOnlyChange(e.criteria, criteria) {
		kind = pipeline.SearchChanged
	}
	e.criteria = criteria
	e.mu.Unlock()
	e.trigger(kind)
}

// SetSortOption replaces the sort option.
func (e *ExpenseEngine) SetSortOption(option model.SortOption) {
	if option == "" {
		option = model.DefaultSort
	}
	e.mu.Lock()
	e.sortBy = option
	e.mu.Unlock()
	e.trigger(pipeline.SortChanged)
}

// Delete removes an expense. The list is recomputed from the store's change
// notification.
func (e *ExpenseEngine) Delete(ctx context.Context, id string) error {
	return e.repo.Delete(ctx, id)
}

// DeleteMany removes several expenses in the background.
func (e *ExpenseEngine) DeleteMany(ctx context.Context, ids []string) <-chan repository.Result {
	return e.repo.DeleteMany(ctx, ids)
}

// Retry reloads from the store immediately.
func (e *ExpenseEngine) Retry() {
	e.mu.RLock()
	sched := e.sched
	e.mu.RUnlock()
	if sched == nil {
		return
	}
	e.setState(State{Status: StatusLoading})
	sched.Flush(pipeline.StoreChanged)
}

// Resume generates every due recurring expense. Call it when the
// application starts or returns to the foreground.
func (e *ExpenseEngine) Resume(ctx context.Context) ([]string, error) {
	return e.generator.CheckAndGenerateDue(ctx)
}

// CreateExpense stores a new expense and then runs recurrence.
func (e *ExpenseEngine) CreateExpense(ctx context.Context, draft model.ExpenseDraft) (*model.Expense, error) {
	expense, err := e.repo.Create(ctx, draft)
	if err != nil {
		return nil, err
	}
	e.afterSave(ctx)
	return expense, nil
}

// EditExpense starts a save attempt for an edited expense. When the attempt
// is waiting for a choice, finish it with ResolveEdit.
func (e *ExpenseEngine) EditExpense(ctx context.Context, id string, draft model.ExpenseDraft) (*templatesync.Attempt, error) {
	attempt, err := e.sync.Begin(ctx, id, draft)
	if err != nil {
		return nil, err
	}
	if saved(attempt.State()) {
		e.afterSave(ctx)
	}
	return attempt, nil
}

// ResolveEdit answers a pending template update choice.
func (e *ExpenseEngine) ResolveEdit(ctx context.Context, attempt *templatesync.Attempt, choice templatesync.Choice) error {
	if err := attempt.Resolve(ctx, choice); err != nil {
		return err
	}
	if saved(attempt.State()) {
		e.afterSave(ctx)
	}
	return nil
}

// Recompute runs one pass synchronously and returns the resulting state
// without debouncing. It does not require Start.
func (e *ExpenseEngine) Recompute(ctx context.Context) State {
	snap, err := e.repo.Load(ctx)
	if err != nil {
		return errorState(err)
	}
	criteria, option := e.Criteria()
	expenses, err := e.sorter.Sort(ctx, pipeline.Filter(snap.Expenses, criteria), option)
	if err != nil {
		return errorState(err)
	}
	return listState(expenses)
}

func (e *ExpenseEngine) trigger(kind pipeline.EventKind) {
	e.mu.RLock()
	sched := e.sched
	e.mu.RUnlock()
	if sched != nil {
		sched.Trigger(kind)
	}
}

// afterSave runs recurrence. Its failures are logged, never returned, since
// the save itself already succeeded.
func (e *ExpenseEngine) afterSave(ctx context.Context) {
	ids, err := e.generator.CheckAndGenerateDue(ctx)
	if err != nil {
		common.LogError(ctx, err, "recurrence after save failed", nil)
	}
	if len(ids) > 0 {
		slog.Debug("recurrence after save", "generated", len(ids))
	}
}

// recompute is one scheduler pass: load (or reuse) the snapshot, filter,
// sort, publish.
func (e *ExpenseEngine) recompute(tok *pipeline.Token) error {
	ctx := tok.Context()

	snap := e.repo.Current()
	if snap == nil || tok.Has(pipeline.StoreChanged) {
		var err error
		snap, err = e.repo.Load(ctx)
		if err != nil {
			if tok.Check() != nil {
				return tok.Check()
			}
			common.LogError(ctx, err, "failed to load expenses", common.Fields{"generation": tok.Generation()})
			return e.sched.Publish(tok, func() { e.setState(errorState(err)) })
		}
	}

	// Criteria are read once the window has closed so the pass uses the latest.
	criteria, option := e.Criteria()

	if err := tok.Check(); err != nil {
		return err
	}
	filtered := pipeline.Filter(snap.Expenses, criteria)

	if err := tok.Check(); err != nil {
		return err
	}
	sorted, err := e.sorter.Sort(ctx, filtered, option)
	if err != nil {
		if checkErr := tok.Check(); checkErr != nil {
			return checkErr
		}
		return e.sched.Publish(tok, func() { e.setState(errorState(err)) })
	}

	state := listState(sorted)
	state.Generation = tok.Generation()
	return e.sched.Publish(tok, func() { e.setState(state) })
}

func (e *ExpenseEngine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.subs.publish(s)
	slog.Debug("published expense state", "status", s.Status, "count", len(s.Expenses), "generation", s.Generation)
}

func saved(s templatesync.State) bool {
	return s == templatesync.StateApplied || s == templatesync.StateExpenseOnlySaved
}

func searchOnlyChange(before, after model.FilterCriteria) bool {
	if before.SearchText == after.SearchText {
		return false
	}
	before.SearchText = after.SearchText
	return equalCriteria(before, after)
}

func equalCriteria(a, b model.FilterCriteria) bool {
	if a.SearchText != b.SearchText || a.Vendor != b.Vendor {
		return false
	}
	if (a.CategoryID == nil) != (b.CategoryID == nil) || (a.CategoryID != nil && *a.CategoryID != *b.CategoryID) {
		return false
	}
	return equalDates(a.Dates, b.Dates) && equalAmounts(a.Amounts, b.Amounts)
}

func equalDates(a, b *model.DateRange) bool {
	if a == nil || b == nil {
		return a == b
	}
	return equalTime(a.From, b.From) && equalTime(a.To, b.To)
}

func equalAmounts(a, b *model.AmountRange) bool {
	if a == nil || b == nil {
		return a == b
	}
	return equalDecimal(a.Min, b.Min) && equalDecimal(a.Max, b.Max)
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func equalDecimal(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func listState(expenses []model.Expense) State {
	if len(expenses) == 0 {
		return State{Status: StatusEmpty, Expenses: expenses}
	}
	return State{Status: StatusLoaded, Expenses: expenses}
}

func errorState(err error) State {
	return State{Status: StatusError, Err: err, Kind: common.KindOf(err)}
}
