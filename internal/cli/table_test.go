package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/Veraticus/tally/internal/model"
)

func tableExpense(merchant, category, amount, currency string, day int) model.Expense {
	return model.Expense{
		ID:           merchant,
		Date:         time.Date(2024, time.April, day, 0, 0, 0, 0, time.UTC),
		CategoryName: category,
		Fields: model.Fields{
			Merchant: merchant,
			Amount:   decimal.RequireFromString(amount),
			Currency: currency,
		},
	}
}

func TestExpenseTable(t *testing.T) {
	templateID := "tmpl-1"
	apothecary := tableExpense("Apothecary", "", "13.50", "USD", 5)
	apothecary.TemplateID = &templateID

	expenses := []model.Expense{
		tableExpense("Cinema", "Entertainment", "24.00", "USD", 9),
		apothecary,
		tableExpense("Bakery", "Groceries", "6.00", "USD", 2),
		tableExpense("Boulangerie", "Groceries", "4.20", "EUR", 1),
	}

	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "expense_table", []byte(ExpenseTable(expenses, TableOptions{Plain: true})))
}

func TestExpenseTable_Empty(t *testing.T) {
	assert.Equal(t, "No expenses.\n", ExpenseTable(nil, TableOptions{Plain: true}))
}

func TestExpenseTable_SingleExpense(t *testing.T) {
	out := ExpenseTable([]model.Expense{tableExpense("Bakery", "Groceries", "6.00", "USD", 2)}, TableOptions{Plain: true})
	assert.Contains(t, out, "1 expense, total 6.00 USD")
	assert.NotContains(t, out, "recurring template")
}

func TestExpenseTable_ShowIDs(t *testing.T) {
	out := ExpenseTable([]model.Expense{
		tableExpense("Bakery", "Groceries", "6.00", "USD", 2),
		tableExpense("Cinema", "Entertainment", "24.00", "USD", 9),
	}, TableOptions{Plain: true, ShowIDs: true})

	lines := strings.Split(out, "\n")
	assert.Equal(t, "ID      DATE        MERCHANT  CATEGORY          AMOUNT", lines[0])
	assert.Equal(t, "Bakery  2024-04-02  Bakery    Groceries       6.00 USD", lines[1])
	assert.Equal(t, "Cinema  2024-04-09  Cinema    Entertainment  24.00 USD", lines[2])
}
