package model

import (
	"reflect"
	"testing"

	"github.com/shopspring/decimal"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("invalid decimal %q: %v", s, err)
	}
	return d
}

func TestDiff(t *testing.T) {
	card := PaymentCreditCard
	base := Fields{
		Amount:   mustDecimal(t, "40.00"),
		Currency: "USD",
		Merchant: "Gym",
		Notes:    "monthly",
		TagIDs:   []string{"b", "a"},
	}

	tests := []struct {
		edit   func(f *Fields)
		name   string
		fields []Field
	}{
		{
			name:   "no changes",
			edit:   func(_ *Fields) {},
			fields: nil,
		},
		{
			name:   "equal amounts with different scale are unchanged",
			edit:   func(f *Fields) { f.Amount = mustDecimal(t, "40") },
			fields: nil,
		},
		{
			name:   "tag order is irrelevant",
			edit:   func(f *Fields) { f.TagIDs = []string{"a", "b"} },
			fields: nil,
		},
		{
			name: "deltas follow field order",
			edit: func(f *Fields) {
				f.TagIDs = []string{"c"}
				f.PaymentMethod = &card
				f.Amount = mustDecimal(t, "45.50")
				f.Merchant = "Gym & Spa"
			},
			fields: []Field{FieldAmount, FieldMerchant, FieldPaymentMethod, FieldTags},
		},
		{
			name: "notes cleared and currency changed",
			edit: func(f *Fields) {
				f.Currency = "EUR"
				f.Notes = ""
			},
			fields: []Field{FieldNotes, FieldCurrency},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			after := base.Clone()
			tt.edit(&after)
			cs := Diff(base, after)
			got := cs.Fields()
			if len(got) == 0 {
				got = nil
			}
			if !reflect.DeepEqual(got, tt.fields) {
				t.Errorf("Diff() fields = %v, want %v", got, tt.fields)
			}
			if cs.Empty() != (len(tt.fields) == 0) {
				t.Errorf("Empty() = %v with %d deltas", cs.Empty(), len(cs))
			}
		})
	}
}

func TestChangeSet_ApplyTo(t *testing.T) {
	before := Fields{Amount: mustDecimal(t, "10.00"), Merchant: "Gym", Currency: "USD"}
	after := before.Clone()
	after.Amount = mustDecimal(t, "25.00")
	after.Notes = "price increase"

	cs := Diff(before, after)
	target := before.Clone()
	cs.ApplyTo(&target)

	if !Diff(target, after).Empty() {
		t.Errorf("applying the change set should reproduce the edit, still differs: %s", Diff(target, after))
	}
}

func TestChangeSet_StaleAgainst(t *testing.T) {
	base := Fields{Amount: mustDecimal(t, "10.00"), Merchant: "Gym", Currency: "USD"}
	edited := base.Clone()
	edited.Amount = mustDecimal(t, "25.00")
	cs := Diff(base, edited)

	if stale := cs.StaleAgainst(base); len(stale) != 0 {
		t.Errorf("unchanged base should not be stale, got %v", stale)
	}

	unrelated := base.Clone()
	unrelated.Notes = "changed elsewhere"
	if stale := cs.StaleAgainst(unrelated); len(stale) != 0 {
		t.Errorf("changes to untouched fields should not be stale, got %v", stale)
	}

	moved := base.Clone()
	moved.Amount = mustDecimal(t, "12.00")
	if stale := cs.StaleAgainst(moved); !reflect.DeepEqual(stale, []Field{FieldAmount}) {
		t.Errorf("StaleAgainst() = %v, want [amount]", stale)
	}
}

func TestChangeSet_Rebase(t *testing.T) {
	expense := Fields{Amount: mustDecimal(t, "12.00"), Merchant: "Gym", Currency: "USD"}
	edited := expense.Clone()
	edited.Amount = mustDecimal(t, "15.00")
	cs := Diff(expense, edited)

	template := Fields{Amount: mustDecimal(t, "10.00"), Merchant: "Gym", Currency: "USD", Notes: "monthly"}
	rebased := cs.Rebase(template)

	if !reflect.DeepEqual(rebased.Fields(), []Field{FieldAmount}) {
		t.Fatalf("Rebase() fields = %v, want [amount]", rebased.Fields())
	}
	if got := rebased.String(); got != "amount: 10.00 → 15.00" {
		t.Errorf("Rebase() = %q, want %q", got, "amount: 10.00 → 15.00")
	}
	if stale := rebased.StaleAgainst(template); len(stale) != 0 {
		t.Errorf("rebased changes should not be stale against their base, got %v", stale)
	}
	if cs.String() != "amount: 12.00 → 15.00" {
		t.Errorf("Rebase() must not modify the receiver, got %q", cs.String())
	}

	target := template.Clone()
	rebased.ApplyTo(&target)
	if !target.Amount.Equal(mustDecimal(t, "15.00")) || target.Notes != "monthly" {
		t.Errorf("applying rebased changes gave amount %s notes %q", target.Amount, target.Notes)
	}
}

func TestChangeSet_String(t *testing.T) {
	before := Fields{Amount: mustDecimal(t, "10"), Merchant: "Gym"}
	after := before.Clone()
	after.Amount = mustDecimal(t, "25")

	if got, want := Diff(before, after).String(), "amount: 10.00 → 25.00"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
