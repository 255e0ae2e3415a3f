package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/tally/internal/cli"
	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/recurrence"
)

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "templates",
		Aliases: []string{"template", "t"},
		Short:   "Manage recurring expense templates",
	}
	cmd.AddCommand(templatesAddCmd())
	cmd.AddCommand(templatesListCmd())
	cmd.AddCommand(templatesSetActiveCmd("pause", "Stop a template from generating expenses", false))
	cmd.AddCommand(templatesSetActiveCmd("resume", "Let a paused template generate expenses again", true))
	cmd.AddCommand(templatesDeleteCmd())
	return cmd
}

func templatesAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a recurring template",
		Long: `Add a template that generates an expense on a schedule.

Examples:
  # Netflix on the 5th of every month
  tally templates add --merchant Netflix --amount 15.49 --frequency monthly --day 5

  # Gym every two weeks starting next Monday
  tally templates add --merchant Gym --amount 20 --frequency weekly --interval 2 --start 2024-04-22`,
		RunE: runTemplatesAdd,
	}
	addFieldFlags(cmd)
	cmd.Flags().String("frequency", string(model.FrequencyMonthly), "none, weekly, biweekly, monthly or quarterly")
	cmd.Flags().Int("interval", 1, "Generate every N periods")
	cmd.Flags().Int("day", 0, "Day of month for monthly and quarterly templates (clamped to short months)")
	cmd.Flags().String("start", "", "First occurrence (YYYY-MM-DD, default today)")
	_ = cmd.MarkFlagRequired("merchant")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func runTemplatesAdd(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, "")
	if err != nil {
		return err
	}
	defer a.Close()

	start, err := parseDateFlag(cmd, "start")
	if err != nil {
		return err
	}
	rawFrequency, _ := cmd.Flags().GetString("frequency")
	frequency, err := model.ParseFrequency(strings.ToLower(rawFrequency))
	if err != nil {
		return err
	}
	interval, _ := cmd.Flags().GetInt("interval")

	draft := recurrence.TemplateDraft{
		StartDate: start,
		Pattern:   model.RecurringPattern{Frequency: frequency, Interval: interval},
	}
	if day, _ := cmd.Flags().GetInt("day"); cmd.Flags().Changed("day") {
		draft.Pattern.DayOfMonth = &day
	}
	if err := applyFieldFlags(ctx, cmd, a.repo, &draft.Fields); err != nil {
		return err
	}

	tmpl, err := a.generator.CreateTemplate(ctx, draft)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Added %s template %s (%s), next due %s",
		tmpl.Pattern.Frequency, tmpl.Merchant, tmpl.ID, formatDue(tmpl.NextDueDate))))
	return nil
}

func templatesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recurring templates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.Close()

			templates, err := a.generator.ListTemplates(ctx)
			if err != nil {
				return err
			}
			if len(templates) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("No recurring templates"))
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMERCHANT\tAMOUNT\tSCHEDULE\tNEXT DUE\tSTATUS")
			for i := range templates {
				t := &templates[i]
				status := "active"
				if !t.Active {
					status = "paused"
				}
				fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\t%s\n",
					t.ID, t.Merchant, t.Amount.StringFixed(2), t.Currency,
					describeSchedule(t.Pattern), formatDue(t.NextDueDate), status)
			}
			return w.Flush()
		},
	}
}

func templatesSetActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.generator.SetActive(ctx, args[0], active); err != nil {
				return err
			}
			state := "paused"
			if active {
				state = "resumed"
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Template "+state))
			return nil
		},
	}
}

func templatesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a template; the expenses it generated are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.generator.DeleteTemplate(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Template deleted"))
			return nil
		},
	}
}

func describeSchedule(p model.RecurringPattern) string {
	s := string(p.Frequency)
	if p.Interval > 1 {
		s = fmt.Sprintf("every %d × %s", p.Interval, p.Frequency)
	}
	if p.DayOfMonth != nil {
		s += fmt.Sprintf(" (day %d)", *p.DayOfMonth)
	}
	return s
}

func formatDue(due *time.Time) string {
	if due == nil {
		return "-"
	}
	return due.Format(model.DateLayout)
}
