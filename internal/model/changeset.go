package model

import (
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// Field names a value tracked by a ChangeSet.
type Field string

// Tracked fields, in ChangeSet order.
const (
	FieldAmount        Field = "amount"
	FieldMerchant      Field = "merchant"
	FieldCategory      Field = "category"
	FieldNotes         Field = "notes"
	FieldPaymentMethod Field = "payment_method"
	FieldCurrency      Field = "currency"
	FieldTags          Field = "tags"
)

// TrackedFields lists every field in the order deltas are reported.
var TrackedFields = []Field{
	FieldAmount,
	FieldMerchant,
	FieldCategory,
	FieldNotes,
	FieldPaymentMethod,
	FieldCurrency,
	FieldTags,
}

// FieldValue holds the value of one tracked field. Only the member matching
// the field is meaningful.
type FieldValue struct {
	Ref     *string
	Payment *PaymentMethod
	Amount  decimal.Decimal
	Text    string
	Tags    []string
}

// Value extracts the value of field from f.
func (f Fields) Value(field Field) FieldValue {
	switch field {
	case FieldAmount:
		return FieldValue{Amount: f.Amount}
	case FieldMerchant:
		return FieldValue{Text: f.Merchant}
	case FieldCategory:
		return FieldValue{Ref: f.CategoryID}
	case FieldNotes:
		return FieldValue{Text: f.Notes}
	case FieldPaymentMethod:
		return FieldValue{Payment: f.PaymentMethod}
	case FieldCurrency:
		return FieldValue{Text: f.Currency}
	case FieldTags:
		return FieldValue{Tags: NormalizeTags(f.TagIDs)}
	}
	return FieldValue{}
}

// Set stores v into field of f.
func (f *Fields) Set(field Field, v FieldValue) {
	switch field {
	case FieldAmount:
		f.Amount = v.Amount
	case FieldMerchant:
		f.Merchant = v.Text
	case FieldCategory:
		f.CategoryID = cloneString(v.Ref)
	case FieldNotes:
		f.Notes = v.Text
	case FieldPaymentMethod:
		if v.Payment == nil {
			f.PaymentMethod = nil
		} else {
			pm := *v.Payment
			f.PaymentMethod = &pm
		}
	case FieldCurrency:
		f.Currency = v.Text
	case FieldTags:
		f.TagIDs = slices.Clone(v.Tags)
	}
}

// Equal compares two values of field.
func (v FieldValue) Equal(field Field, other FieldValue) bool {
	switch field {
	case FieldAmount:
		return v.Amount.Equal(other.Amount)
	case FieldMerchant, FieldNotes:
		return v.Text == other.Text
	case FieldCurrency:
		return strings.EqualFold(v.Text, other.Text)
	case FieldCategory:
		return derefString(v.Ref) == derefString(other.Ref)
	case FieldPaymentMethod:
		var a, b PaymentMethod
		if v.Payment != nil {
			a = *v.Payment
		}
		if other.Payment != nil {
			b = *other.Payment
		}
		return a == b
	case FieldTags:
		return slices.Equal(NormalizeTags(v.Tags), NormalizeTags(other.Tags))
	}
	return false
}

// Format renders the value of field for display.
func (v FieldValue) Format(field Field) string {
	switch field {
	case FieldAmount:
		return v.Amount.StringFixed(2)
	case FieldCategory:
		if v.Ref == nil {
			return "(none)"
		}
		return *v.Ref
	case FieldPaymentMethod:
		if v.Payment == nil {
			return "(none)"
		}
		return string(*v.Payment)
	case FieldTags:
		return "[" + strings.Join(v.Tags, ", ") + "]"
	}
	return v.Text
}

// FieldDelta is a change of one field from Old to New.
type FieldDelta struct {
	Old   FieldValue
	New   FieldValue
	Field Field
}

func (d FieldDelta) String() string {
	return fmt.Sprintf("%s: %s → %s", d.Field, d.Old.Format(d.Field), d.New.Format(d.Field))
}

// ChangeSet is an ordered list of field deltas.
type ChangeSet []FieldDelta

// Diff computes the changes needed to turn before into after.
func Diff(before, after Fields) ChangeSet {
	var cs ChangeSet
	for _, field := range TrackedFields {
		oldV, newV := before.Value(field), after.Value(field)
		if !oldV.Equal(field, newV) {
			cs = append(cs, FieldDelta{Field: field, Old: oldV, New: newV})
		}
	}
	return cs
}

// Empty reports whether the change set has no deltas.
func (cs ChangeSet) Empty() bool {
	return len(cs) == 0
}

// Fields lists the changed fields in order.
func (cs ChangeSet) Fields() []Field {
	out := make([]Field, len(cs))
	for i, d := range cs {
		out[i] = d.Field
	}
	return out
}

// Has reports whether field is changed.
func (cs ChangeSet) Has(field Field) bool {
	for _, d := range cs {
		if d.Field == field {
			return true
		}
	}
	return false
}

// ApplyTo writes every new value onto f.
func (cs ChangeSet) ApplyTo(f *Fields) {
	for _, d := range cs {
		f.Set(d.Field, d.New)
	}
}

// Rebase returns the same changes with their old values taken from base. A
// change computed against one record can then be checked and applied against
// another that shares its fields.
func (cs ChangeSet) Rebase(base Fields) ChangeSet {
	out := make(ChangeSet, len(cs))
	for i, d := range cs {
		out[i] = FieldDelta{Field: d.Field, Old: base.Value(d.Field), New: d.New}
	}
	return out
}

// StaleAgainst returns the fields whose current value no longer matches the
// value the change was based on.
func (cs ChangeSet) StaleAgainst(current Fields) []Field {
	var stale []Field
	for _, d := range cs {
		if !current.Value(d.Field).Equal(d.Field, d.Old) {
			stale = append(stale, d.Field)
		}
	}
	return stale
}

func (cs ChangeSet) String() string {
	parts := make([]string, len(cs))
	for i, d := range cs {
		parts[i] = d.String()
	}
	return strings.Join(parts, "; ")
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
