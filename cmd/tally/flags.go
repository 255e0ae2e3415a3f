package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/repository"
)

// addFieldFlags registers the flags that set expense and template fields.
func addFieldFlags(cmd *cobra.Command) {
	cmd.Flags().String("merchant", "", "Merchant name")
	cmd.Flags().String("amount", "", "Amount, e.g. 12.50")
	cmd.Flags().String("currency", "", "ISO 4217 currency code (default USD)")
	cmd.Flags().String("category", "", "Category name")
	cmd.Flags().String("payment", "", "Payment method (cash, credit_card, debit_card, bank_transfer, mobile, other)")
	cmd.Flags().String("notes", "", "Free-form notes")
	cmd.Flags().StringSlice("tag", nil, "Tag name (repeatable)")
}

// applyFieldFlags copies every changed field flag onto fields.
func applyFieldFlags(ctx context.Context, cmd *cobra.Command, repo *repository.Repository, fields *model.Fields) error {
	flags := cmd.Flags()

	if flags.Changed("merchant") {
		fields.Merchant, _ = flags.GetString("merchant")
	}
	if flags.Changed("amount") {
		raw, _ := flags.GetString("amount")
		amount, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid amount %q", raw)
		}
		fields.Amount = amount
	}
	if flags.Changed("currency") {
		fields.Currency, _ = flags.GetString("currency")
	}
	if flags.Changed("payment") {
		raw, _ := flags.GetString("payment")
		if raw == "" {
			fields.PaymentMethod = nil
		} else {
			pm := model.PaymentMethod(strings.ToLower(raw))
			fields.PaymentMethod = &pm
		}
	}
	if flags.Changed("notes") {
		fields.Notes, _ = flags.GetString("notes")
	}

	if flags.Changed("category") || flags.Changed("tag") {
		category, _ := flags.GetString("category")
		tags, _ := flags.GetStringSlice("tag")
		refs, err := repo.ResolveReferences(ctx, category, tags, false)
		if err != nil {
			return err
		}
		if flags.Changed("category") {
			fields.CategoryID = refs.CategoryID
		}
		if flags.Changed("tag") {
			fields.TagIDs = refs.TagIDs
		}
	}
	return nil
}

// addFilterFlags registers the list filter and sort flags.
func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("search", "", "Match merchant, notes or category, ignoring case and accents")
	cmd.Flags().String("category", "", "Only expenses in this category")
	cmd.Flags().String("from", "", "Earliest date (YYYY-MM-DD)")
	cmd.Flags().String("to", "", "Latest date (YYYY-MM-DD)")
	cmd.Flags().String("min", "", "Smallest amount")
	cmd.Flags().String("max", "", "Largest amount")
	cmd.Flags().String("vendor", "", "Only expenses from this merchant")
	cmd.Flags().String("sort", string(model.DefaultSort), "Sort order (date-desc, date-asc, amount-desc, amount-asc, merchant-asc, merchant-desc)")
}

// filterFromFlags builds filter criteria and a sort option from the flags.
func filterFromFlags(ctx context.Context, cmd *cobra.Command, repo *repository.Repository) (model.FilterCriteria, model.SortOption, error) {
	flags := cmd.Flags()
	var criteria model.FilterCriteria

	criteria.SearchText, _ = flags.GetString("search")
	criteria.Vendor, _ = flags.GetString("vendor")

	if category, _ := flags.GetString("category"); category != "" {
		refs, err := repo.ResolveReferences(ctx, category, nil, false)
		if err != nil {
			return criteria, "", err
		}
		criteria.CategoryID = refs.CategoryID
	}

	from, err := optionalDate(flags.GetString("from"))
	if err != nil {
		return criteria, "", err
	}
	to, err := optionalDate(flags.GetString("to"))
	if err != nil {
		return criteria, "", err
	}
	if from != nil || to != nil {
		criteria.Dates = &model.DateRange{From: from, To: to}
	}

	minAmount, err := optionalAmount(flags.GetString("min"))
	if err != nil {
		return criteria, "", err
	}
	maxAmount, err := optionalAmount(flags.GetString("max"))
	if err != nil {
		return criteria, "", err
	}
	if minAmount != nil || maxAmount != nil {
		criteria.Amounts = &model.AmountRange{Min: minAmount, Max: maxAmount}
	}

	rawSort, _ := flags.GetString("sort")
	option, err := model.ParseSortOption(rawSort)
	if err != nil {
		return criteria, "", err
	}
	return criteria, option, nil
}

func optionalDate(raw string, _ error) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := model.ParseDate(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func optionalAmount(raw string, _ error) (*decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return &d, nil
}

// parseDateFlag returns the date flag's value, or today when it is unset.
func parseDateFlag(cmd *cobra.Command, name string) (time.Time, error) {
	raw, _ := cmd.Flags().GetString(name)
	if strings.TrimSpace(raw) == "" {
		return model.DateOf(time.Now()), nil
	}
	return model.ParseDate(raw)
}
