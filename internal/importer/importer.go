// Package importer loads expenses from receipt records and bank statements.
// A record that cannot be imported is reported without stopping the rest.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/ofx"
	"github.com/Veraticus/tally/internal/repository"
	"github.com/Veraticus/tally/internal/service"
)

// ErrUnsupportedFormat is returned for files with an unknown extension.
var ErrUnsupportedFormat = errors.New("unsupported import format")

// Creator stores a new expense.
type Creator interface {
	CreateExpense(ctx context.Context, draft model.ExpenseDraft) (*model.Expense, error)
}

// Progress receives import progress. *progressbar.ProgressBar satisfies it.
type Progress interface {
	ChangeMax(total int)
	Add(n int) error
}

// Options controls an import run.
type Options struct {
	Progress Progress
	// DryRun validates every item without storing anything.
	DryRun bool
	// AllowDuplicates imports items that match an existing expense on date,
	// merchant and amount.
	AllowDuplicates bool
}

// Failure describes one item that could not be imported.
type Failure struct {
	Err   error
	Label string
	Index int
}

func (f Failure) Error() string {
	return fmt.Sprintf("item %d (%s): %v", f.Index+1, f.Label, f.Err)
}

// Report summarizes an import run.
type Report struct {
	Created    []string
	Failures   []Failure
	Duplicates int
	// Credits counts statement transactions skipped because they add money.
	Credits int
	// Validated counts items that passed validation in a dry run.
	Validated int
}

// Importer writes imported expenses through a Creator.
type Importer struct {
	repo    *repository.Repository
	creator Creator
	parser  *ofx.Parser
}

// New creates an importer. Category and tag names are resolved through repo
// and expenses are stored through creator.
func New(repo *repository.Repository, creator Creator) *Importer {
	return &Importer{repo: repo, creator: creator, parser: ofx.NewParser()}
}

type item struct {
	err      error
	label    string
	category string
	tags     []string
	draft    model.ExpenseDraft
}

// ImportFile imports path based on its extension: .yaml, .yml and .json hold
// receipt records, .ofx and .qfx hold bank statements.
func (i *Importer) ImportFile(ctx context.Context, path string, opts Options) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			slog.Warn("Failed to close import file", "path", path, "error", cerr)
		}
	}()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return i.ImportRecords(ctx, f, opts)
	case ".ofx", ".qfx":
		return i.ImportStatement(ctx, f, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// ImportRecords imports receipt records read from r.
func (i *Importer) ImportRecords(ctx context.Context, r io.Reader, opts Options) (*Report, error) {
	records, err := ParseRecords(r)
	if err != nil {
		return nil, err
	}

	items := make([]item, len(records))
	for n, rec := range records {
		draft, err := rec.Draft()
		items[n] = item{
			draft:    draft,
			err:      err,
			label:    rec.Label(),
			category: strings.TrimSpace(rec.Category),
			tags:     rec.Tags,
		}
	}
	return i.run(ctx, items, opts, &Report{})
}

// ImportStatement imports the debits of an OFX/QFX statement read from r.
func (i *Importer) ImportStatement(ctx context.Context, r io.Reader, opts Options) (*Report, error) {
	stmt, err := i.parser.ParseFile(ctx, r)
	if err != nil {
		return nil, err
	}

	items := make([]item, len(stmt.Entries))
	for n, entry := range stmt.Entries {
		items[n] = item{
			draft: entry.Draft,
			label: fmt.Sprintf("%s on %s", entry.Draft.Merchant, entry.Draft.Date.Format(model.DateLayout)),
		}
	}
	return i.run(ctx, items, opts, &Report{Credits: stmt.Credits})
}

func (i *Importer) run(ctx context.Context, items []item, opts Options, report *Report) (*Report, error) {
	if opts.Progress != nil {
		opts.Progress.ChangeMax(len(items))
	}

	for n := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		it := &items[n]
		id, dup, err := i.importItem(ctx, it, opts)
		switch {
		case err != nil:
			report.Failures = append(report.Failures, Failure{Index: n, Label: it.label, Err: err})
			slog.Warn("Skipping expense that could not be imported", "item", n+1, "label", it.label, "error", err)
		case dup:
			report.Duplicates++
		case opts.DryRun:
			report.Validated++
		default:
			report.Created = append(report.Created, id)
		}

		if opts.Progress != nil {
			if err := opts.Progress.Add(1); err != nil {
				slog.Debug("Failed to update progress", "error", err)
			}
		}
	}

	common.LogInfo(ctx, "import finished", common.Fields{
		"created":    len(report.Created),
		"failed":     len(report.Failures),
		"duplicates": report.Duplicates,
		"credits":    report.Credits,
		"dry_run":    opts.DryRun,
	})
	return report, nil
}

func (i *Importer) importItem(ctx context.Context, it *item, opts Options) (string, bool, error) {
	if it.err != nil {
		return "", false, it.err
	}
	if err := i.repo.ValidateDraft(it.draft); err != nil {
		return "", false, err
	}

	if !opts.AllowDuplicates {
		dup, err := i.isDuplicate(ctx, it.draft)
		if err != nil {
			return "", false, err
		}
		if dup {
			return "", true, nil
		}
	}
	if opts.DryRun {
		return "", false, nil
	}

	if err := i.resolveReferences(ctx, it); err != nil {
		return "", false, err
	}
	created, err := i.creator.CreateExpense(ctx, it.draft)
	if err != nil {
		return "", false, err
	}
	return created.ID, false, nil
}

// isDuplicate reports whether a live expense with the same date, merchant
// and amount already exists.
func (i *Importer) isDuplicate(ctx context.Context, draft model.ExpenseDraft) (bool, error) {
	day := model.DateOf(draft.Date)
	var found bool
	err := i.repo.View(ctx, func(s service.Session) error {
		existing, err := s.FetchExpenses(ctx, service.ExpenseQuery{From: &day, To: &day})
		if err != nil {
			return err
		}
		for n := range existing {
			e := &existing[n]
			if e.Live() && strings.EqualFold(e.Merchant, draft.Merchant) && e.Amount.Equal(draft.Amount) {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

func (i *Importer) resolveReferences(ctx context.Context, it *item) error {
	refs, err := i.repo.ResolveReferences(ctx, it.category, it.tags, true)
	if err != nil {
		return err
	}
	if refs.CategoryID != nil {
		it.draft.CategoryID = refs.CategoryID
	}
	if len(refs.TagIDs) > 0 {
		it.draft.TagIDs = refs.TagIDs
	}
	return nil
}
