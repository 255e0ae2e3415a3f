package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/tally/internal/cli"
	"github.com/Veraticus/tally/internal/engine"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the expense list live and generate recurring expenses",
		Long: `Run the expense engine in the foreground. Due recurring expenses are
generated on start and then on every --recur-interval. The filtered list is
printed again whenever the store changes, including writes made by other
tally commands.`,
		RunE: runWatch,
	}
	addFilterFlags(cmd)
	cmd.Flags().Duration("recur-interval", time.Hour, "How often to check for due recurring expenses")
	cmd.Flags().Bool("plain", false, "Disable colors")
	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	handler := cli.NewInterruptHandler(cmd.ErrOrStderr())
	ctx := handler.HandleInterrupts(cmd.Context(), "")

	a, err := openApp(ctx, "")
	if err != nil {
		return err
	}
	defer a.Close()

	criteria, option, err := filterFromFlags(ctx, cmd, a.repo)
	if err != nil {
		return err
	}
	interval, _ := cmd.Flags().GetDuration("recur-interval")
	plain, _ := cmd.Flags().GetBool("plain")
	out := cmd.OutOrStdout()

	a.engine.SetFilterCriteria(criteria)
	a.engine.SetSortOption(option)

	states, stop := a.engine.Subscribe()
	defer stop()
	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	resume := func() {
		ids, err := a.engine.Resume(ctx)
		if len(ids) > 0 {
			fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("Generated %d recurring expense(s)", len(ids))))
		}
		if err != nil && ctx.Err() == nil {
			fmt.Fprintln(out, cli.FormatFailure(failureText(err)))
		}
	}
	resume()

	var ticker <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		ticker = t.C
	}

	var lastGeneration uint64
	for {
		select {
		case <-ctx.Done():
			slog.Debug("watch stopped", "interrupted", handler.WasInterrupted())
			return nil
		case <-ticker:
			resume()
		case state, ok := <-states:
			if !ok {
				return nil
			}
			if state.Status != engine.StatusLoading && state.Generation != 0 && state.Generation == lastGeneration {
				continue
			}
			lastGeneration = state.Generation
			printState(out, state, plain)
		}
	}
}

func printState(w io.Writer, state engine.State, plain bool) {
	switch state.Status {
	case engine.StatusLoading:
		fmt.Fprintln(w, cli.FormatInfo("Loading expenses..."))
	case engine.StatusError:
		description, suggestion := state.Describe()
		fmt.Fprintln(w, cli.FormatFailure(description, suggestion))
	default:
		fmt.Fprintln(w, cli.FormatTitle(fmt.Sprintf("Expenses at %s", time.Now().Format("15:04:05"))))
		fmt.Fprint(w, cli.ExpenseTable(state.Expenses, cli.TableOptions{Plain: plain}))
	}
}
