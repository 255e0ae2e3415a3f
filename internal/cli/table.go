package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"github.com/Veraticus/tally/internal/model"
)

const (
	columnGap       = "  "
	generatedMarker = "*"
)

// TableOptions controls ExpenseTable output.
type TableOptions struct {
	// Plain drops terminal styling.
	Plain bool
	// ShowIDs adds a leading column with each expense's ID.
	ShowIDs bool
}

// ExpenseTable renders expenses as an aligned table followed by per-currency
// totals.
func ExpenseTable(expenses []model.Expense, opts TableOptions) string {
	if len(expenses) == 0 {
		return "No expenses.\n"
	}

	headers := []string{"DATE", "MERCHANT", "CATEGORY", "AMOUNT"}
	if opts.ShowIDs {
		headers = append([]string{"ID"}, headers...)
	}
	rows := make([][]string, 0, len(expenses))
	totals := make(map[string]decimal.Decimal)
	generated := false

	for i := range expenses {
		e := &expenses[i]
		merchant := e.Merchant
		if e.IsGenerated() {
			merchant += generatedMarker
			generated = true
		}
		category := e.CategoryName
		if category == "" {
			category = "-"
		}
		row := []string{
			e.Date.Format(model.DateLayout),
			merchant,
			category,
			e.Amount.StringFixed(2) + " " + e.Currency,
		}
		if opts.ShowIDs {
			row = append([]string{e.ID}, row...)
		}
		rows = append(rows, row)
		totals[e.Currency] = totals[e.Currency].Add(e.Amount)
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	style := func(s lipgloss.Style, text string) string {
		if opts.Plain {
			return text
		}
		return s.Render(text)
	}

	var b strings.Builder
	b.WriteString(style(TableHeaderStyle, formatRow(headers, widths, true)))
	b.WriteString("\n")
	last := len(headers) - 1
	for _, row := range rows {
		b.WriteString(formatRow(row[:last], widths[:last], false))
		b.WriteString(columnGap)
		b.WriteString(style(AmountStyle, pad(row[last], widths[last], true)))
		b.WriteString("\n")
	}

	currencies := slices.Sorted(maps.Keys(totals))
	sums := make([]string, len(currencies))
	for i, c := range currencies {
		sums[i] = totals[c].StringFixed(2) + " " + c
	}
	noun := "expenses"
	if len(expenses) == 1 {
		noun = "expense"
	}
	fmt.Fprintf(&b, "\n%d %s, total %s\n", len(expenses), noun, strings.Join(sums, ", "))
	if generated {
		b.WriteString(style(SubtleStyle, generatedMarker+" generated from a recurring template"))
		b.WriteString("\n")
	}
	return b.String()
}

// formatRow pads each cell to its column width.
func formatRow(cells []string, widths []int, alignLastRight bool) string {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = pad(cell, widths[i], alignLastRight && i == len(cells)-1)
	}
	return strings.Join(parts, columnGap)
}

func pad(s string, width int, right bool) string {
	gap := width - lipgloss.Width(s)
	if gap <= 0 {
		return s
	}
	if right {
		return strings.Repeat(" ", gap) + s
	}
	return s + strings.Repeat(" ", gap)
}
