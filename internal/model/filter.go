package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateRange is an inclusive interval of calendar days. Either bound may be nil.
type DateRange struct {
	From *time.Time
	To   *time.Time
}

// Contains reports whether t falls within the range.
func (r DateRange) Contains(t time.Time) bool {
	d := DateOf(t)
	if r.From != nil && d.Before(DateOf(*r.From)) {
		return false
	}
	if r.To != nil && d.After(DateOf(*r.To)) {
		return false
	}
	return true
}

// AmountRange is an inclusive amount interval. Either bound may be nil.
type AmountRange struct {
	Min *decimal.Decimal
	Max *decimal.Decimal
}

// Contains reports whether amount falls within the range.
func (r AmountRange) Contains(amount decimal.Decimal) bool {
	if r.Min != nil && amount.LessThan(*r.Min) {
		return false
	}
	if r.Max != nil && amount.GreaterThan(*r.Max) {
		return false
	}
	return true
}

// FilterCriteria selects expenses. Every field is optional; populated fields
// combine with AND semantics.
type FilterCriteria struct {
	CategoryID *string
	Dates      *DateRange
	Amounts    *AmountRange
	SearchText string
	Vendor     string
}

// IsEmpty reports whether the criteria match everything.
func (c FilterCriteria) IsEmpty() bool {
	return c.CategoryID == nil &&
		c.Dates == nil &&
		c.Amounts == nil &&
		strings.TrimSpace(c.SearchText) == "" &&
		strings.TrimSpace(c.Vendor) == ""
}

// SortOption selects the ordering of the expense list.
type SortOption string

// Sort options.
const (
	SortDateAsc      SortOption = "date-asc"
	SortDateDesc     SortOption = "date-desc"
	SortAmountAsc    SortOption = "amount-asc"
	SortAmountDesc   SortOption = "amount-desc"
	SortMerchantAsc  SortOption = "merchant-asc"
	SortMerchantDesc SortOption = "merchant-desc"
)

// DefaultSort is the ordering used when none is chosen.
const DefaultSort = SortDateDesc

// ParseSortOption converts a string into a SortOption.
func ParseSortOption(s string) (SortOption, error) {
	switch o := SortOption(strings.ToLower(strings.TrimSpace(s))); o {
	case SortDateAsc, SortDateDesc, SortAmountAsc, SortAmountDesc, SortMerchantAsc, SortMerchantDesc:
		return o, nil
	case "":
		return DefaultSort, nil
	}
	return "", fmt.Errorf("unsupported sort option %q", s)
}

// Descending reports whether the primary field sorts high to low.
func (o SortOption) Descending() bool {
	return strings.HasSuffix(string(o), "-desc")
}
