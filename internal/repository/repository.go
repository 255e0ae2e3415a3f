// Package repository is the data-access facade over the persistent store. It
// owns expense CRUD, validation, background execution of bulk work, and the
// current expense set.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/service"
)

// Snapshot is an immutable view of the expense set. It is replaced wholesale
// on every load and never mutated after publication.
type Snapshot struct {
	LoadedAt time.Time
	Expenses []model.Expense
	// Faulted counts records that were loaded but cannot be read.
	Faulted int
}

// Result reports the outcome of background work.
type Result struct {
	Err error
	IDs []string
}

// Option configures a Repository.
type Option func(*Repository)

// WithLimits sets the validation limits.
func WithLimits(limits service.Limits) Option {
	return func(r *Repository) { r.limits = limits }
}

// WithRetry sets the retry policy for transactional writes.
func WithRetry(opts service.RetryOptions) Option {
	return func(r *Repository) { r.retry = opts }
}

// WithClock replaces the clock used for date validation.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// Repository is the expense data-access facade.
type Repository struct {
	store   service.Storage
	now     func() time.Time
	current atomic.Pointer[Snapshot]
	retry   service.RetryOptions
	limits  service.Limits
	wg      sync.WaitGroup
}

// New creates a repository over store.
func New(store service.Storage, opts ...Option) *Repository {
	r := &Repository{
		store:  store,
		limits: service.DefaultLimits(),
		retry:  service.DefaultRetryOptions(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Storage returns the underlying store.
func (r *Repository) Storage() service.Storage {
	return r.store
}

// Now returns the repository clock's current time.
func (r *Repository) Now() time.Time {
	return r.now()
}

// ValidateDraft checks draft against the repository's limits.
func (r *Repository) ValidateDraft(draft model.ExpenseDraft) error {
	return Validate(draft, r.limits, r.now())
}

// Current returns the latest loaded snapshot, or nil before the first load.
func (r *Repository) Current() *Snapshot {
	return r.current.Load()
}

// Transact runs fn inside one store session and commits it. Transient
// failures retry the whole session with bounded backoff.
func (r *Repository) Transact(ctx context.Context, op string, fn func(service.Session) error) error {
	return common.WithRetry(ctx, func() error {
		session, err := r.store.BeginSession(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if rbErr := session.Rollback(); rbErr != nil {
				slog.Error("failed to rollback session", "op", op, "error", rbErr)
			}
		}()

		if err := fn(session); err != nil {
			return err
		}
		return session.Commit()
	}, r.retry)
}

// View runs fn in a session that is always rolled back.
func (r *Repository) View(ctx context.Context, fn func(service.Session) error) error {
	return common.WithRetry(ctx, func() error {
		session, err := r.store.BeginSession(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = session.Rollback() }()
		return fn(session)
	}, r.retry)
}

// Load fetches every expense and publishes it as the current snapshot.
func (r *Repository) Load(ctx context.Context) (*Snapshot, error) {
	var expenses []model.Expense
	err := r.View(ctx, func(s service.Session) error {
		var fetchErr error
		expenses, fetchErr = s.FetchExpenses(ctx, service.ExpenseQuery{})
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load expenses: %w", err)
	}

	snap := &Snapshot{Expenses: expenses, LoadedAt: r.now()}
	for i := range expenses {
		if !expenses[i].Live() {
			snap.Faulted++
		}
	}
	if snap.Faulted > 0 {
		common.LogWarn(ctx, "loaded expenses with unreadable records", common.Fields{"faulted": snap.Faulted})
	}

	r.current.Store(snap)
	slog.Debug("loaded expenses", "count", len(expenses))
	return snap, nil
}

// LoadAsync runs Load in the background. The channel receives exactly one result.
func (r *Repository) LoadAsync(ctx context.Context) <-chan Result {
	return r.background(func() Result {
		snap, err := r.Load(ctx)
		if err != nil {
			return Result{Err: err}
		}
		ids := make([]string, len(snap.Expenses))
		for i := range snap.Expenses {
			ids[i] = snap.Expenses[i].ID
		}
		return Result{IDs: ids}
	})
}

// Get resolves an expense by identity.
func (r *Repository) Get(ctx context.Context, id string) (*model.Expense, error) {
	var expense *model.Expense
	err := r.View(ctx, func(s service.Session) error {
		var resolveErr error
		expense, resolveErr = Resolve(ctx, s, id)
		return resolveErr
	})
	if err != nil {
		return nil, err
	}
	return expense, nil
}

// Resolve re-materializes an expense inside session s. Deleted records come
// back as *common.NotFoundError; faulted records are refreshed and resolved
// once more before giving up.
func Resolve(ctx context.Context, s service.Session, id string) (*model.Expense, error) {
	expense, err := s.GetExpense(ctx, id)
	if errors.Is(err, common.ErrFaulted) {
		slog.Debug("expense faulted, refreshing", "id", id)
		if refreshErr := s.Refresh(ctx, id); refreshErr != nil {
			err = refreshErr
		} else {
			expense, err = s.GetExpense(ctx, id)
		}
	}

	switch {
	case err == nil:
	case errors.Is(err, common.ErrNotFound):
		var nf *common.NotFoundError
		if errors.As(err, &nf) {
			return nil, nf
		}
		return nil, common.NewNotFound("expense", id)
	case errors.Is(err, common.ErrFaulted):
		return nil, common.NewPersistenceError("resolve expense", err)
	default:
		return nil, err
	}

	if expense.Fault != nil {
		return nil, expense.Fault
	}
	return expense, nil
}

// Create validates draft and stores it as a new expense.
func (r *Repository) Create(ctx context.Context, draft model.ExpenseDraft) (*model.Expense, error) {
	draft.Normalize()
	if err := Validate(draft, r.limits, r.now()); err != nil {
		return nil, err
	}

	var created model.Expense
	err := r.Transact(ctx, "create expense", func(s service.Session) error {
		created = model.Expense{
			ID:        model.NewID(),
			Date:      draft.Date,
			Fields:    draft.Fields.Clone(),
			LineItems: draft.LineItems,
		}
		return s.SaveExpense(ctx, &created)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("created expense", "id", created.ID, "merchant", created.Merchant, "amount", created.Amount)
	return &created, nil
}

// Update applies draft to the stored expense id.
func (r *Repository) Update(ctx context.Context, id string, draft model.ExpenseDraft) (*model.Expense, error) {
	draft.Normalize()
	if err := Validate(draft, r.limits, r.now()); err != nil {
		return nil, err
	}

	var updated *model.Expense
	err := r.Transact(ctx, "update expense", func(s service.Session) error {
		current, err := Resolve(ctx, s, id)
		if err != nil {
			return err
		}
		if err := CheckExpected(current, draft); err != nil {
			return err
		}
		ApplyDraft(current, draft)
		if err := s.SaveExpense(ctx, current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("updated expense", "id", id)
	return updated, nil
}

// CheckExpected fails with a conflict when current changed since draft was read.
func CheckExpected(current *model.Expense, draft model.ExpenseDraft) error {
	if draft.ExpectedUpdatedAt == nil || current.UpdatedAt.Equal(*draft.ExpectedUpdatedAt) {
		return nil
	}
	return common.NewConflict(fmt.Sprintf("expense %s was modified at %s", current.ID,
		current.UpdatedAt.Format(time.RFC3339)))
}

// ApplyDraft copies the draft's editable values onto expense.
func ApplyDraft(expense *model.Expense, draft model.ExpenseDraft) {
	expense.Date = draft.Date
	expense.Fields = draft.Fields.Clone()
	expense.LineItems = draft.LineItems
}

// Delete removes the expense id.
func (r *Repository) Delete(ctx context.Context, id string) error {
	err := r.Transact(ctx, "delete expense", func(s service.Session) error {
		return s.DeleteExpense(ctx, id)
	})
	if err != nil {
		return err
	}
	slog.Info("deleted expense", "id", id)
	return nil
}

// DeleteMany removes ids in one transaction in the background. Records that
// are already gone are skipped; the result lists the IDs actually deleted.
func (r *Repository) DeleteMany(ctx context.Context, ids []string) <-chan Result {
	ids = append([]string(nil), ids...)
	return r.background(func() Result {
		var deleted []string
		err := r.Transact(ctx, "delete expenses", func(s service.Session) error {
			deleted = deleted[:0]
			for _, id := range ids {
				err := s.DeleteExpense(ctx, id)
				if errors.Is(err, common.ErrNotFound) {
					slog.Debug("expense already deleted", "id", id)
					continue
				}
				if err != nil {
					return err
				}
				deleted = append(deleted, id)
			}
			return nil
		})
		if err != nil {
			return Result{Err: err}
		}
		slog.Info("deleted expenses", "count", len(deleted))
		return Result{IDs: deleted}
	})
}

func (r *Repository) background(fn func() Result) <-chan Result {
	out := make(chan Result, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		out <- fn()
		close(out)
	}()
	return out
}

// Wait blocks until all background work has finished.
func (r *Repository) Wait() {
	r.wg.Wait()
}
