// Package templatesync propagates edits of generated expenses back to the
// recurring template that produced them.
//
// A save attempt moves through Idle, ChangeDetected, then AwaitingChoice or
// AutoApplying, and ends in Applied, RolledBack or ExpenseOnlySaved. A
// cancelled attempt returns to Idle with the edit reverted.
package templatesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/repository"
	"github.com/Veraticus/tally/internal/service"
)

// Policy decides what happens when a generated expense is edited.
type Policy string

// Update policies.
const (
	PolicyAlwaysAsk         Policy = "always-ask"
	PolicyUpdateTemplate    Policy = "always-update-template"
	PolicyUpdateExpenseOnly Policy = "always-update-expense-only"
	DefaultPolicy                  = PolicyAlwaysAsk
)

// ParsePolicy converts a string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.TrimSpace(s)); p {
	case PolicyAlwaysAsk, PolicyUpdateTemplate, PolicyUpdateExpenseOnly:
		return p, nil
	case "":
		return DefaultPolicy, nil
	}
	return "", fmt.Errorf("%w: unknown template update policy %q", common.ErrInvalidConfig, s)
}

// Choice is the caller's answer to a pending template update.
type Choice int

// Choices.
const (
	ChoiceUpdateTemplate Choice = iota
	ChoiceExpenseOnly
	ChoiceCancel
)

func (c Choice) String() string {
	switch c {
	case ChoiceUpdateTemplate:
		return "update-template"
	case ChoiceExpenseOnly:
		return "expense-only"
	case ChoiceCancel:
		return "cancel"
	}
	return fmt.Sprintf("choice(%d)", int(c))
}

// State is the position of a save attempt in its lifecycle.
type State int

// States.
const (
	StateIdle State = iota
	StateChangeDetected
	StateAwaitingChoice
	StateAutoApplying
	StateApplied
	StateRolledBack
	StateExpenseOnlySaved
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChangeDetected:
		return "change-detected"
	case StateAwaitingChoice:
		return "awaiting-choice"
	case StateAutoApplying:
		return "auto-applying"
	case StateApplied:
		return "applied"
	case StateRolledBack:
		return "rolled-back"
	case StateExpenseOnlySaved:
		return "expense-only-saved"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	switch s {
	case StateIdle, StateApplied, StateRolledBack, StateExpenseOnlySaved:
		return true
	}
	return false
}

// ErrNoPendingChoice is returned when Resolve is called on an attempt that is
// not waiting for a decision.
var ErrNoPendingChoice = errors.New("no template update choice is pending")

// Synchronizer starts save attempts for edited expenses.
type Synchronizer struct {
	repo   *repository.Repository
	policy Policy
}

// New creates a synchronizer writing through repo.
func New(repo *repository.Repository, policy Policy) *Synchronizer {
	if policy == "" {
		policy = DefaultPolicy
	}
	return &Synchronizer{repo: repo, policy: policy}
}

// Policy returns the configured update policy.
func (s *Synchronizer) Policy() Policy {
	return s.policy
}

// Begin starts a save attempt for an edit of expense expenseID.
//
// When the expense was not generated by an active template, or the edit does
// not touch a tracked field, the edit is saved immediately and the attempt is
// returned in StateExpenseOnlySaved. Otherwise the configured policy either
// resolves the attempt or leaves it in StateAwaitingChoice.
func (s *Synchronizer) Begin(ctx context.Context, expenseID string, edit model.ExpenseDraft) (*Attempt, error) {
	edit.Normalize()
	if err := s.repo.ValidateDraft(edit); err != nil {
		return nil, err
	}

	base, err := s.repo.Get(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	if edit.ExpectedUpdatedAt == nil {
		updatedAt := base.UpdatedAt
		edit.ExpectedUpdatedAt = &updatedAt
	}

	a := &Attempt{
		sync:      s,
		expenseID: expenseID,
		base:      base.Clone(),
		edit:      edit,
		state:     StateIdle,
	}

	tmpl, err := s.linkedTemplate(ctx, base)
	if err != nil {
		return nil, err
	}
	if tmpl != nil {
		a.changes = model.Diff(base.Fields, edit.Fields)
	}
	if tmpl == nil || a.changes.Empty() {
		a.state = StateChangeDetected
		return a, a.saveExpenseOnly(ctx)
	}

	a.templateID = tmpl.ID
	a.template = tmpl
	a.templateChanges = a.changes.Rebase(tmpl.Fields)
	a.state = StateChangeDetected
	slog.Debug("generated expense edit touches template fields",
		"expense_id", expenseID, "template_id", tmpl.ID, "changes", a.changes.String())

	switch s.policy {
	case PolicyUpdateTemplate:
		a.state = StateAutoApplying
		return a, a.applyTemplate(ctx)
	case PolicyUpdateExpenseOnly:
		a.state = StateAutoApplying
		return a, a.saveExpenseOnly(ctx)
	default:
		a.state = StateAwaitingChoice
		return a, nil
	}
}

// linkedTemplate returns the active template that generated expense, or nil.
func (s *Synchronizer) linkedTemplate(ctx context.Context, expense *model.Expense) (*model.RecurringTemplate, error) {
	if !expense.IsGenerated() {
		return nil, nil
	}
	var tmpl *model.RecurringTemplate
	err := s.repo.View(ctx, func(sess service.Session) error {
		var getErr error
		tmpl, getErr = sess.GetTemplate(ctx, *expense.TemplateID)
		return getErr
	})
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !tmpl.Active {
		return nil, nil
	}
	return tmpl, nil
}

// Attempt is one save of an edited expense.
type Attempt struct {
	sync      *Synchronizer
	template  *model.RecurringTemplate
	result    *model.Expense
	expenseID string
	// templateID is empty when the expense has no active template.
	templateID string
	base       model.Expense
	edit       model.ExpenseDraft
	changes    model.ChangeSet
	// templateChanges holds the same deltas based on the template's values
	// when the attempt began.
	templateChanges model.ChangeSet
	state           State
	mu              sync.Mutex
}

// State returns the attempt's current state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// PendingChanges returns the template-tracked fields the edit changes.
func (a *Attempt) PendingChanges() model.ChangeSet {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append(model.ChangeSet(nil), a.changes...)
}

// Edit returns the edit as it currently stands. After a cancel it holds the
// pre-edit values.
func (a *Attempt) Edit() model.ExpenseDraft {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.edit
}

// Result returns the saved expense, or nil if nothing was saved.
func (a *Attempt) Result() *model.Expense {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// Template returns the in-memory template the attempt worked on, or nil.
func (a *Attempt) Template() *model.RecurringTemplate {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.template == nil {
		return nil
	}
	clone := a.template.Clone()
	return &clone
}

// Resolve answers a pending template update.
func (a *Attempt) Resolve(ctx context.Context, choice Choice) error {
	a.mu.Lock()
	if a.state != StateAwaitingChoice {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: attempt is %s", ErrNoPendingChoice, state)
	}
	// Claimed; a concurrent Resolve now gets ErrNoPendingChoice.
	a.state = StateAutoApplying
	a.mu.Unlock()

	slog.Debug("template update choice", "expense_id", a.expenseID, "choice", choice)
	switch choice {
	case ChoiceUpdateTemplate:
		return a.applyTemplate(ctx)
	case ChoiceExpenseOnly:
		return a.saveExpenseOnly(ctx)
	case ChoiceCancel:
		a.mu.Lock()
		a.edit = a.base.Draft()
		a.changes = nil
		a.templateChanges = nil
		a.state = StateIdle
		a.mu.Unlock()
		return nil
	}
	a.mu.Lock()
	a.state = StateAwaitingChoice
	a.mu.Unlock()
	return fmt.Errorf("unknown choice %v", choice)
}

// saveExpenseOnly saves the edit without touching the template.
func (a *Attempt) saveExpenseOnly(ctx context.Context) error {
	var saved *model.Expense
	err := a.sync.repo.Transact(ctx, "save expense", func(s service.Session) error {
		expense, err := repository.Resolve(ctx, s, a.expenseID)
		if err != nil {
			return err
		}
		if err := repository.CheckExpected(expense, a.edit); err != nil {
			return err
		}
		repository.ApplyDraft(expense, a.edit)
		if err := s.SaveExpense(ctx, expense); err != nil {
			return err
		}
		saved = expense
		return nil
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.state = StateRolledBack
		return err
	}
	a.result = saved
	a.state = StateExpenseOnlySaved
	slog.Info("saved expense edit", "expense_id", a.expenseID, "template_updated", false)
	return nil
}

// applyTemplate saves the edit and propagates the change set to the template
// in one transaction. Inside that transaction the template's changed fields
// must still hold the values they had when the attempt began. If anything fails
// after the template was mutated, every snapshotted field is restored.
func (a *Attempt) applyTemplate(ctx context.Context) error {
	var (
		saved    *model.Expense
		working  *model.RecurringTemplate
		snapshot model.TemplateSnapshot
		mutated  bool
	)

	err := a.sync.repo.Transact(ctx, "propagate expense edit to template", func(s service.Session) error {
		if mutated {
			snapshot.Restore(working)
			mutated = false
		}

		expense, err := repository.Resolve(ctx, s, a.expenseID)
		if err != nil {
			return err
		}
		if err := repository.CheckExpected(expense, a.edit); err != nil {
			return err
		}

		tmpl, err := s.GetTemplate(ctx, a.templateID)
		if err != nil {
			return err
		}
		working = tmpl
		if stale := a.templateChanges.StaleAgainst(tmpl.Fields); len(stale) > 0 {
			names := make([]string, len(stale))
			for i, f := range stale {
				names[i] = string(f)
			}
			return common.NewConflict("template changed since the expense was read", names...)
		}

		snapshot = tmpl.Snapshot()
		a.templateChanges.ApplyTo(&tmpl.Fields)
		mutated = true

		repository.ApplyDraft(expense, a.edit)
		if err := s.SaveExpense(ctx, expense); err != nil {
			return err
		}
		if err := s.SaveTemplate(ctx, tmpl); err != nil {
			return err
		}
		saved = expense
		return nil
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	if working != nil {
		a.template = working
	}
	if err != nil {
		if mutated {
			snapshot.Restore(a.template)
			common.LogError(ctx, err, "template propagation rolled back",
				common.Fields{"expense_id": a.expenseID, "template_id": a.templateID})
		}
		a.state = StateRolledBack
		return err
	}
	a.result = saved
	a.state = StateApplied
	slog.Info("saved expense edit", "expense_id", a.expenseID, "template_id", a.templateID,
		"template_updated", true, "changes", a.changes.String())
	return nil
}
