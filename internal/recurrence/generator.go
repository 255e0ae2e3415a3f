// Package recurrence generates expenses from recurring templates. Each
// occurrence is created in the same transaction that advances its template,
// so a template's next due date is never observed ahead of its expense.
package recurrence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/repository"
	"github.com/Veraticus/tally/internal/service"
)

// DefaultMaxCatchUp bounds the occurrences generated for one template per run.
const DefaultMaxCatchUp = 24

// Config tunes duplicate detection and catch-up.
type Config struct {
	// AmountTolerance is the largest amount difference that still counts as the same occurrence.
	AmountTolerance decimal.Decimal
	// DateTolerance is the number of days around the due date searched for an existing occurrence.
	DateTolerance int
	MaxCatchUp    int
}

// Generator creates due expenses from active templates.
type Generator struct {
	repo *repository.Repository
	cfg  Config
}

// NewGenerator creates a generator that writes through repo.
func NewGenerator(repo *repository.Repository, cfg Config) *Generator {
	if cfg.MaxCatchUp <= 0 {
		cfg.MaxCatchUp = DefaultMaxCatchUp
	}
	if cfg.DateTolerance < 0 {
		cfg.DateTolerance = 0
	}
	if cfg.AmountTolerance.IsNegative() {
		cfg.AmountTolerance = decimal.Zero
	}
	return &Generator{repo: repo, cfg: cfg}
}

// outcome of one generation step.
type step struct {
	expenseID string
	// advanced is true when the template moved to its next occurrence.
	advanced bool
}

// CheckAndGenerateDue creates one expense per due occurrence of every active
// template and returns the new expense IDs. A failure on one template does not
// stop the others; all failures are joined into the returned error.
func (g *Generator) CheckAndGenerateDue(ctx context.Context) ([]string, error) {
	now := g.repo.Now()
	today := model.DateOf(now)

	var dueIDs []string
	err := g.repo.View(ctx, func(s service.Session) error {
		due, err := s.FetchTemplates(ctx, service.TemplateQuery{DueOnOrBefore: &today})
		if err != nil {
			return err
		}
		dueIDs = make([]string, 0, len(due))
		for _, tmpl := range due {
			dueIDs = append(dueIDs, tmpl.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find due templates: %w", err)
	}

	var (
		created []string
		errs    []error
	)
	for _, id := range dueIDs {
		ids, err := g.catchUp(ctx, id, now)
		created = append(created, ids...)
		if err != nil {
			if ctx.Err() != nil {
				return created, ctx.Err()
			}
			common.LogError(ctx, err, "recurring generation failed", common.Fields{"template_id": id})
			errs = append(errs, fmt.Errorf("template %s: %w", id, err))
		}
	}

	if len(created) > 0 {
		slog.Info("generated recurring expenses", "count", len(created))
	}
	return created, errors.Join(errs...)
}

// catchUp generates the template's due occurrences in date order, one
// transaction each.
func (g *Generator) catchUp(ctx context.Context, templateID string, now time.Time) ([]string, error) {
	var created []string
	for range g.cfg.MaxCatchUp {
		result, err := g.generateNext(ctx, templateID, now)
		if err != nil {
			return created, err
		}
		if result.expenseID != "" {
			created = append(created, result.expenseID)
		}
		if !result.advanced {
			return created, nil
		}
	}
	slog.Warn("recurring template still due after catch-up limit",
		"template_id", templateID, "limit", g.cfg.MaxCatchUp)
	return created, nil
}

// generateNext creates the template's next occurrence if it is due. The
// template is re-resolved inside the transaction; duplicate detection, the
// new expense and the template advance commit together or not at all.
func (g *Generator) generateNext(ctx context.Context, templateID string, now time.Time) (step, error) {
	var result step
	err := g.repo.Transact(ctx, "generate recurring expense", func(s service.Session) error {
		result = step{}

		tmpl, err := s.GetTemplate(ctx, templateID)
		if err != nil {
			return err
		}
		if !tmpl.IsDue(now) {
			return nil
		}
		occurrence := model.DateOf(*tmpl.NextDueDate)

		existing, err := g.findOccurrence(ctx, s, tmpl, occurrence)
		if err != nil {
			return err
		}

		if existing == "" {
			expense := NewOccurrence(tmpl, occurrence)
			if err := g.repo.ValidateDraft(expense.Draft()); err != nil {
				return err
			}
			if err := s.SaveExpense(ctx, expense); err != nil {
				return err
			}
			result.expenseID = expense.ID
		} else {
			slog.Debug("occurrence already exists",
				"template_id", templateID, "date", occurrence.Format(model.DateLayout), "expense_id", existing)
		}

		tmpl.Advance(occurrence)
		if err := s.SaveTemplate(ctx, tmpl); err != nil {
			return err
		}
		result.advanced = true
		return nil
	})
	if err != nil {
		return step{}, err
	}

	if result.expenseID != "" {
		slog.Info("generated recurring expense", "template_id", templateID, "expense_id", result.expenseID)
	}
	return result, nil
}

// findOccurrence returns the ID of an expense generated by tmpl that matches
// the occurrence by merchant, amount and date within tolerance. An expense
// recorded for the same occurrence date always matches, even after edits.
func (g *Generator) findOccurrence(ctx context.Context, s service.Session, tmpl *model.RecurringTemplate, occurrence time.Time) (string, error) {
	from := occurrence.AddDate(0, 0, -g.cfg.DateTolerance)
	to := occurrence.AddDate(0, 0, g.cfg.DateTolerance)
	candidates, err := s.FetchExpenses(ctx, service.ExpenseQuery{TemplateID: &tmpl.ID})
	if err != nil {
		return "", err
	}
	for i := range candidates {
		c := &candidates[i]
		if c.OccurrenceDate != nil && c.OccurrenceDate.Equal(occurrence) {
			return c.ID, nil
		}
		if !c.Live() || c.Merchant != tmpl.Merchant || c.Date.Before(from) || c.Date.After(to) {
			continue
		}
		if c.Amount.Sub(tmpl.Amount).Abs().GreaterThan(g.cfg.AmountTolerance) {
			continue
		}
		return c.ID, nil
	}
	return "", nil
}

// NewOccurrence builds the expense a template produces for the given date.
func NewOccurrence(tmpl *model.RecurringTemplate, occurrence time.Time) *model.Expense {
	templateID := tmpl.ID
	date := model.DateOf(occurrence)
	return &model.Expense{
		ID:             model.NewID(),
		Date:           date,
		Fields:         tmpl.Fields.Clone(),
		TemplateID:     &templateID,
		OccurrenceDate: &date,
	}
}
