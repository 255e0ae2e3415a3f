package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Veraticus/tally/internal/cli"
	"github.com/Veraticus/tally/internal/engine"
	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/templatesync"
)

func expensesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "expenses",
		Aliases: []string{"expense", "e"},
		Short:   "List and manage expenses",
	}
	cmd.AddCommand(expensesListCmd())
	cmd.AddCommand(expensesAddCmd())
	cmd.AddCommand(expensesEditCmd())
	cmd.AddCommand(expensesDeleteCmd())
	return cmd
}

func expensesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List expenses",
		Long: `List expenses matching the given filters.

Examples:
  # Everything, newest first
  tally expenses list

  # Coffee shops in March, cheapest first
  tally expenses list --search cafe --from 2024-03-01 --to 2024-03-31 --sort amount-asc

  # One category above an amount
  tally expenses list --category Groceries --min 50`,
		RunE: runExpensesList,
	}
	addFilterFlags(cmd)
	cmd.Flags().Bool("ids", false, "Show expense IDs")
	cmd.Flags().Bool("plain", false, "Disable colors")
	return cmd
}

func runExpensesList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, "")
	if err != nil {
		return err
	}
	defer a.Close()

	criteria, option, err := filterFromFlags(ctx, cmd, a.repo)
	if err != nil {
		return err
	}
	a.engine.SetFilterCriteria(criteria)
	a.engine.SetSortOption(option)

	state := a.engine.Recompute(ctx)
	if state.Status == engine.StatusError {
		return state.Err
	}

	showIDs, _ := cmd.Flags().GetBool("ids")
	plain, _ := cmd.Flags().GetBool("plain")
	_, err = fmt.Fprint(cmd.OutOrStdout(), cli.ExpenseTable(state.Expenses, cli.TableOptions{Plain: plain, ShowIDs: showIDs}))
	return err
}

func expensesAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an expense",
		Long: `Add an expense by hand.

Examples:
  tally expenses add --merchant "Corner Bakery" --amount 6.50 --category "Food & Dining"
  tally expenses add --merchant Shell --amount 48.20 --date 2024-03-14 --payment credit_card --tag car`,
		RunE: runExpensesAdd,
	}
	addFieldFlags(cmd)
	cmd.Flags().String("date", "", "Expense date (YYYY-MM-DD, default today)")
	_ = cmd.MarkFlagRequired("merchant")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func runExpensesAdd(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, "")
	if err != nil {
		return err
	}
	defer a.Close()

	date, err := parseDateFlag(cmd, "date")
	if err != nil {
		return err
	}
	draft := model.ExpenseDraft{Date: date}
	if err := applyFieldFlags(ctx, cmd, a.repo, &draft.Fields); err != nil {
		return err
	}

	expense, err := a.engine.CreateExpense(ctx, draft)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Added %s %s at %s (%s)",
		expense.Amount.StringFixed(2), expense.Currency, expense.Merchant, expense.ID)))
	return nil
}

func expensesEditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit an expense",
		Long: `Edit an expense. Only the flags you pass are changed.

When the expense was generated by a recurring template and the edit changes
one of the template's fields, the sync policy decides whether the template
is updated too. With always-ask you choose each time.

Examples:
  tally expenses edit 0190a1b2-... --amount 17.99
  tally expenses edit 0190a1b2-... --amount 17.99 --policy always-update-template`,
		Args: cobra.ExactArgs(1),
		RunE: runExpensesEdit,
	}
	addFieldFlags(cmd)
	cmd.Flags().String("date", "", "Expense date (YYYY-MM-DD)")
	cmd.Flags().String("policy", "", "Template sync policy for this edit (always-ask, always-update-template, always-update-expense-only)")
	return cmd
}

func runExpensesEdit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	policy, _ := cmd.Flags().GetString("policy")
	a, err := openApp(ctx, policy)
	if err != nil {
		return err
	}
	defer a.Close()

	current, err := a.repo.Get(ctx, args[0])
	if err != nil {
		return err
	}
	edit := current.Draft()
	edit.ExpectedUpdatedAt = &current.UpdatedAt
	if err := applyFieldFlags(ctx, cmd, a.repo, &edit.Fields); err != nil {
		return err
	}
	if cmd.Flags().Changed("date") {
		if edit.Date, err = parseDateFlag(cmd, "date"); err != nil {
			return err
		}
	}

	attempt, err := a.engine.EditExpense(ctx, current.ID, edit)
	if err != nil {
		return err
	}

	if attempt.State() == templatesync.StateAwaitingChoice {
		prompter := cli.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
		tmpl := attempt.Template()
		choice, err := prompter.ChooseTemplateUpdate(ctx, tmpl.Merchant, attempt.PendingChanges())
		if err != nil {
			if cancelErr := a.engine.ResolveEdit(ctx, attempt, templatesync.ChoiceCancel); cancelErr != nil {
				return errors.Join(err, cancelErr)
			}
			return err
		}
		if err := a.engine.ResolveEdit(ctx, attempt, choice); err != nil {
			return err
		}
	}

	return reportEdit(cmd.OutOrStdout(), attempt)
}

func reportEdit(w io.Writer, attempt *templatesync.Attempt) error {
	var msg string
	switch attempt.State() {
	case templatesync.StateApplied:
		msg = cli.FormatSuccess(fmt.Sprintf("Updated the expense and its recurring template (%s)",
			attempt.PendingChanges().String()))
	case templatesync.StateExpenseOnlySaved:
		msg = cli.FormatSuccess("Updated the expense")
	case templatesync.StateIdle:
		msg = cli.FormatWarning("Edit cancelled, nothing was saved")
	default:
		msg = cli.FormatError("Edit was not saved: " + attempt.State().String())
	}
	_, err := fmt.Fprintln(w, msg)
	return err
}

func expensesDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete expenses",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runExpensesDelete,
	}
	cmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func runExpensesDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, "")
	if err != nil {
		return err
	}
	defer a.Close()

	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		prompter := cli.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
		ok, err := prompter.Confirm(ctx, fmt.Sprintf("Delete %d expense(s)?", len(args)))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("Nothing deleted"))
			return nil
		}
	}

	deleted, err := deleteExpenses(ctx, a.engine, args)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Deleted %d expense(s)", deleted)))
	return nil
}

func deleteExpenses(ctx context.Context, eng *engine.ExpenseEngine, ids []string) (int, error) {
	if len(ids) == 1 {
		if err := eng.Delete(ctx, ids[0]); err != nil {
			return 0, err
		}
		return 1, nil
	}
	result := <-eng.DeleteMany(ctx, ids)
	if result.Err != nil {
		return 0, result.Err
	}
	return len(result.IDs), nil
}
