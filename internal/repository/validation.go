package repository

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/service"
)

// Validation rule names reported in common.Violation.Rule.
const (
	RuleAmountPositive   = "amount.positive"
	RuleAmountCeiling    = "amount.ceiling"
	RuleMerchantRequired = "merchant.required"
	RuleMerchantLength   = "merchant.length"
	RuleDateRequired     = "date.required"
	RuleDatePastWindow   = "date.past_window"
	RuleDateFutureWindow = "date.future_window"
	RuleNotesLength      = "notes.length"
	RuleCurrencyFormat   = "currency.format"
	RulePaymentMethod    = "payment_method.valid"
)

// Validate checks a normalized draft against limits as of now. Every violated
// rule is reported in a single *common.ValidationError.
func Validate(draft model.ExpenseDraft, limits service.Limits, now time.Time) error {
	verr := &common.ValidationError{}

	if !draft.Amount.IsPositive() {
		verr.Add(RuleAmountPositive, "amount must be greater than zero")
	} else if !limits.MaxAmount.IsZero() && !draft.Amount.LessThan(limits.MaxAmount) {
		verr.Add(RuleAmountCeiling, "amount must be below %s", limits.MaxAmount.StringFixed(2))
	}

	switch n := utf8.RuneCountInString(draft.Merchant); {
	case n == 0:
		verr.Add(RuleMerchantRequired, "merchant is required")
	case limits.MaxMerchantLength > 0 && n > limits.MaxMerchantLength:
		verr.Add(RuleMerchantLength, "merchant must be at most %d characters", limits.MaxMerchantLength)
	}

	if draft.Date.IsZero() {
		verr.Add(RuleDateRequired, "date is required")
	} else {
		today := model.DateOf(now)
		if limits.MaxPastYears > 0 && draft.Date.Before(today.AddDate(-limits.MaxPastYears, 0, 0)) {
			verr.Add(RuleDatePastWindow, "date must be within the last %d years", limits.MaxPastYears)
		}
		if limits.MaxFutureDays > 0 && draft.Date.After(today.AddDate(0, 0, limits.MaxFutureDays)) {
			verr.Add(RuleDateFutureWindow, "date must be at most %d days in the future", limits.MaxFutureDays)
		}
	}

	if limits.MaxNotesLength > 0 && utf8.RuneCountInString(draft.Notes) > limits.MaxNotesLength {
		verr.Add(RuleNotesLength, "notes must be at most %d characters", limits.MaxNotesLength)
	}

	if !validCurrency(draft.Currency) {
		verr.Add(RuleCurrencyFormat, "currency %q must be a three-letter code", draft.Currency)
	}

	if draft.PaymentMethod != nil && !draft.PaymentMethod.IsValid() {
		verr.Add(RulePaymentMethod, "unknown payment method %q", *draft.PaymentMethod)
	}

	for i, item := range draft.LineItems {
		if !item.Amount.IsPositive() {
			verr.Add(fmt.Sprintf("line_items[%d].amount", i), "line item %d amount must be greater than zero", i+1)
		}
		if item.Name == "" {
			verr.Add(fmt.Sprintf("line_items[%d].name", i), "line item %d needs a name", i+1)
		}
	}

	return verr.OrNil()
}

func validCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
