// Package pipeline turns the current expense set into the ordered list shown
// to the user: a pure filter, a fault-tolerant sort, and a scheduler that
// coalesces bursts of triggers into one cancellable recompute.
package pipeline

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/Veraticus/tally/internal/model"
)

// Fold maps s to a key for case- and diacritic-insensitive comparison.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return cases.Fold().String(strings.TrimSpace(stripped))
}

type predicate func(e *model.Expense) bool

// Filter returns the expenses matching criteria. Populated criteria combine
// with AND semantics. Empty criteria return the input unchanged; otherwise the
// result is a new slice and records that cannot be read are dropped.
func Filter(expenses []model.Expense, criteria model.FilterCriteria) []model.Expense {
	if criteria.IsEmpty() {
		return expenses
	}

	preds := compile(criteria)
	out := make([]model.Expense, 0, len(expenses))
	for i := range expenses {
		e := &expenses[i]
		if !e.Live() {
			continue
		}
		if matchesAll(e, preds) {
			out = append(out, *e)
		}
	}
	return out
}

func matchesAll(e *model.Expense, preds []predicate) bool {
	for _, p := range preds {
		if !p(e) {
			return false
		}
	}
	return true
}

// compile orders predicates cheapest and most selective first. Text search
// runs last.
func compile(c model.FilterCriteria) []predicate {
	var preds []predicate

	if c.CategoryID != nil {
		id := *c.CategoryID
		preds = append(preds, func(e *model.Expense) bool {
			return e.CategoryID != nil && *e.CategoryID == id
		})
	}
	if c.Dates != nil {
		dates := *c.Dates
		preds = append(preds, func(e *model.Expense) bool { return dates.Contains(e.Date) })
	}
	if c.Amounts != nil {
		amounts := *c.Amounts
		preds = append(preds, func(e *model.Expense) bool { return amounts.Contains(e.Amount) })
	}
	if vendor := Fold(c.Vendor); vendor != "" {
		preds = append(preds, func(e *model.Expense) bool { return Fold(e.Merchant) == vendor })
	}
	if needle := Fold(c.SearchText); needle != "" {
		preds = append(preds, func(e *model.Expense) bool {
			return strings.Contains(Fold(e.Merchant), needle) ||
				strings.Contains(Fold(e.Notes), needle) ||
				strings.Contains(Fold(e.CategoryName), needle)
		})
	}
	return preds
}
