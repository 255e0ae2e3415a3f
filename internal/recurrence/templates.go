package recurrence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/service"
)

// TemplateDraft carries the data for a new recurring template.
type TemplateDraft struct {
	StartDate time.Time
	// LastGeneratedDate records an occurrence created before the template existed.
	LastGeneratedDate *time.Time
	model.Fields
	Pattern model.RecurringPattern
}

// CreateTemplate validates draft and stores it as an active template.
func (g *Generator) CreateTemplate(ctx context.Context, draft TemplateDraft) (*model.RecurringTemplate, error) {
	expenseDraft := model.ExpenseDraft{Date: draft.StartDate, Fields: draft.Fields}
	expenseDraft.Normalize()

	verr := &common.ValidationError{}
	if err := g.repo.ValidateDraft(expenseDraft); err != nil {
		var v *common.ValidationError
		if !errors.As(err, &v) {
			return nil, err
		}
		verr.Violations = append(verr.Violations, v.Violations...)
	}
	if draft.Pattern.Interval == 0 {
		draft.Pattern.Interval = 1
	}
	if err := draft.Pattern.Validate(); err != nil {
		verr.Add("pattern.valid", "%v", err)
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	tmpl := &model.RecurringTemplate{
		ID:        model.NewID(),
		StartDate: expenseDraft.Date,
		Active:    true,
		Fields:    expenseDraft.Fields,
		Pattern:   draft.Pattern,
	}
	if draft.LastGeneratedDate != nil {
		tmpl.Advance(*draft.LastGeneratedDate)
	} else {
		tmpl.NextDueDate = tmpl.ComputeNextDue()
	}

	err := g.repo.Transact(ctx, "create template", func(s service.Session) error {
		return s.SaveTemplate(ctx, tmpl)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("created recurring template", "id", tmpl.ID, "merchant", tmpl.Merchant,
		"frequency", tmpl.Pattern.Frequency, "next_due", tmpl.NextDueDate)
	return tmpl, nil
}

// ListTemplates returns every template.
func (g *Generator) ListTemplates(ctx context.Context) ([]model.RecurringTemplate, error) {
	var templates []model.RecurringTemplate
	err := g.repo.View(ctx, func(s service.Session) error {
		var err error
		templates, err = s.FetchTemplates(ctx, service.TemplateQuery{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return templates, nil
}

// SetActive pauses or resumes a template. Paused templates never generate.
func (g *Generator) SetActive(ctx context.Context, id string, active bool) error {
	err := g.repo.Transact(ctx, "set template active", func(s service.Session) error {
		tmpl, err := s.GetTemplate(ctx, id)
		if err != nil {
			return err
		}
		if tmpl.Active == active {
			return nil
		}
		tmpl.Active = active
		return s.SaveTemplate(ctx, tmpl)
	})
	if err != nil {
		return err
	}
	slog.Info("updated template", "id", id, "active", active)
	return nil
}

// DeleteTemplate removes a template. Expenses it generated are kept.
func (g *Generator) DeleteTemplate(ctx context.Context, id string) error {
	return g.repo.Transact(ctx, "delete template", func(s service.Session) error {
		return s.DeleteTemplate(ctx, id)
	})
}
