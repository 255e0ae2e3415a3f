package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Veraticus/tally/internal/cli"
)

func recurCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recur",
		Short: "Generate every due recurring expense now",
		Long: `Generate one expense for each due occurrence of every active template.

Missed occurrences are caught up, and an occurrence that already has an
expense is never generated twice, so running this repeatedly is safe.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := a.engine.Resume(ctx)
			out := cmd.OutOrStdout()
			for _, id := range ids {
				fmt.Fprintln(out, "  "+cli.RecurringIcon+" "+id)
			}
			if err != nil {
				// Expenses generated before the failure are kept.
				if len(ids) > 0 {
					fmt.Fprintln(out, cli.FormatWarning(fmt.Sprintf("Generated %d expense(s) before failing", len(ids))))
				}
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintln(out, cli.FormatInfo("Nothing due"))
				return nil
			}
			fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Generated %d recurring expense(s)", len(ids))))
			return nil
		},
	}
}
