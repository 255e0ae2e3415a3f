// Package model defines the core domain models used throughout the application.
package model

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrRecordNotLive is returned by field accessors on deleted or faulted records.
var ErrRecordNotLive = errors.New("record is not live")

// DefaultCurrency is used when a draft carries no currency code.
const DefaultCurrency = "USD"

// DateLayout is the storage and display layout for calendar dates.
const DateLayout = "2006-01-02"

// PaymentMethod identifies how an expense was paid.
type PaymentMethod string

// Payment method constants.
const (
	PaymentCash         PaymentMethod = "cash"
	PaymentCreditCard   PaymentMethod = "credit_card"
	PaymentDebitCard    PaymentMethod = "debit_card"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
	PaymentMobile       PaymentMethod = "mobile"
	PaymentOther        PaymentMethod = "other"
)

// IsValid reports whether m is a known payment method.
func (m PaymentMethod) IsValid() bool {
	switch m {
	case PaymentCash, PaymentCreditCard, PaymentDebitCard, PaymentBankTransfer, PaymentMobile, PaymentOther:
		return true
	}
	return false
}

// Fields are the values shared by an expense and the template that generates it.
// They are exactly the fields tracked by a ChangeSet.
type Fields struct {
	CategoryID    *string
	PaymentMethod *PaymentMethod
	Amount        decimal.Decimal
	Currency      string
	Merchant      string
	Notes         string
	TagIDs        []string
}

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	out := f
	if f.CategoryID != nil {
		id := *f.CategoryID
		out.CategoryID = &id
	}
	if f.PaymentMethod != nil {
		pm := *f.PaymentMethod
		out.PaymentMethod = &pm
	}
	out.TagIDs = slices.Clone(f.TagIDs)
	return out
}

// LineItem is a single priced entry on a receipt. Line items are owned by their expense.
type LineItem struct {
	ID       string
	Name     string
	Amount   decimal.Decimal
	Quantity int
}

// Expense is a single spending record, usually derived from a scanned receipt.
type Expense struct {
	Date      time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
	// Fault is set when the record's stored data could not be materialized.
	Fault error
	// TemplateID is a non-owning reference to the RecurringTemplate that generated the expense.
	TemplateID *string
	// OccurrenceDate is the due date a generated expense was created for.
	OccurrenceDate *time.Time
	// CategoryName is resolved from CategoryID when the record is fetched.
	CategoryName string
	ID           string
	Fields
	LineItems []LineItem
	Deleted   bool
}

// Live reports whether the record can be read safely.
func (e *Expense) Live() bool {
	return e != nil && !e.Deleted && e.Fault == nil
}

func (e *Expense) liveErr() error {
	if e == nil {
		return fmt.Errorf("%w: nil expense", ErrRecordNotLive)
	}
	if e.Deleted {
		return fmt.Errorf("%w: expense %s deleted", ErrRecordNotLive, e.ID)
	}
	if e.Fault != nil {
		return fmt.Errorf("%w: expense %s: %v", ErrRecordNotLive, e.ID, e.Fault)
	}
	return nil
}

// SortAmount returns the amount, or an error if the record is not live.
func (e *Expense) SortAmount() (decimal.Decimal, error) {
	if err := e.liveErr(); err != nil {
		return decimal.Zero, err
	}
	return e.Amount, nil
}

// SortDate returns the date, or an error if the record is not live.
func (e *Expense) SortDate() (time.Time, error) {
	if err := e.liveErr(); err != nil {
		return time.Time{}, err
	}
	return e.Date, nil
}

// SortMerchant returns the merchant, or an error if the record is not live.
func (e *Expense) SortMerchant() (string, error) {
	if err := e.liveErr(); err != nil {
		return "", err
	}
	return e.Merchant, nil
}

// IsGenerated reports whether the expense was produced from a recurring template.
func (e *Expense) IsGenerated() bool {
	return e.TemplateID != nil && *e.TemplateID != ""
}

// Draft returns the user-editable values of the expense.
func (e *Expense) Draft() ExpenseDraft {
	return ExpenseDraft{
		Fields:    e.Fields.Clone(),
		Date:      e.Date,
		LineItems: slices.Clone(e.LineItems),
	}
}

// Clone returns a deep copy of the expense.
func (e *Expense) Clone() Expense {
	out := *e
	out.Fields = e.Fields.Clone()
	out.LineItems = slices.Clone(e.LineItems)
	if e.TemplateID != nil {
		id := *e.TemplateID
		out.TemplateID = &id
	}
	out.OccurrenceDate = cloneTime(e.OccurrenceDate)
	return out
}

// ExpenseDraft carries the data for creating or updating an expense.
type ExpenseDraft struct {
	Date time.Time
	// ExpectedUpdatedAt, when set, makes an update fail with a conflict if the
	// stored record changed since it was read.
	ExpectedUpdatedAt *time.Time
	Fields
	LineItems []LineItem
}

// Normalize trims text fields, defaults the currency, truncates the date to a
// calendar day, and assigns identities to new line items.
func (d *ExpenseDraft) Normalize() {
	d.Merchant = strings.TrimSpace(d.Merchant)
	d.Notes = strings.TrimSpace(d.Notes)
	d.Currency = strings.ToUpper(strings.TrimSpace(d.Currency))
	if d.Currency == "" {
		d.Currency = DefaultCurrency
	}
	if !d.Date.IsZero() {
		d.Date = DateOf(d.Date)
	}
	d.TagIDs = NormalizeTags(d.TagIDs)
	d.LineItems = slices.Clone(d.LineItems)
	for i := range d.LineItems {
		d.LineItems[i].Name = strings.TrimSpace(d.LineItems[i].Name)
		if d.LineItems[i].ID == "" {
			d.LineItems[i].ID = NewID()
		}
		if d.LineItems[i].Quantity <= 0 {
			d.LineItems[i].Quantity = 1
		}
	}
}

// NewID returns a new time-ordered identity.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// DateOf truncates t to midnight UTC of its calendar day.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a calendar date in DateLayout.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// NormalizeTags returns the sorted, de-duplicated tag set.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
