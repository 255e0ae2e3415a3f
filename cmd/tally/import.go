package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Veraticus/tally/internal/cli"
	"github.com/Veraticus/tally/internal/importer"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>...",
		Short: "Import receipts or bank statements",
		Long: `Import expenses from scanned receipt records or bank statements.

Receipt records are YAML or JSON (.yaml, .yml, .json): a list of records, or a
mapping with a "receipts" list. Each record has merchant, amount, date and
optionally currency, category, payment_method, notes, tags and line_items.

Statements are OFX or QFX files (.ofx, .qfx). Debits become expenses and
credits are skipped.

Records that fail validation are reported and skipped. Records matching an
existing expense on date, merchant and amount are skipped unless
--allow-duplicates is given.

Examples:
  # Import receipts
  tally import receipts.yaml

  # Check a statement without saving
  tally import --dry-run ~/Downloads/*.qfx`,
		Args: cobra.MinimumNArgs(1),
		RunE: runImport,
	}

	cmd.Flags().Bool("dry-run", false, "Validate without saving")
	cmd.Flags().Bool("allow-duplicates", false, "Import records that match an existing expense")
	return cmd
}

func runImport(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	allowDuplicates, _ := cmd.Flags().GetBool("allow-duplicates")

	files, err := expandFiles(args)
	if err != nil {
		return err
	}

	handler := cli.NewInterruptHandler(cmd.ErrOrStderr())
	ctx := handler.HandleInterrupts(cmd.Context(), "tally import")

	a, err := openApp(ctx, "")
	if err != nil {
		return err
	}
	defer a.Close()

	imp := importer.New(a.repo, a.engine)
	out := cmd.OutOrStdout()
	var created, failed int

	for _, file := range files {
		fmt.Fprintln(out, cli.FormatTitle("Importing "+filepath.Base(file)))

		bar := cli.NewProgressBar(cmd.ErrOrStderr(), 0, "Importing expenses...")
		report, err := imp.ImportFile(ctx, file, importer.Options{
			Progress:        bar,
			DryRun:          dryRun,
			AllowDuplicates: allowDuplicates,
		})
		if handler.WasInterrupted() {
			return nil
		}
		if err != nil {
			fmt.Fprintln(out, cli.FormatError(fmt.Sprintf("%s: %v", file, err)))
			failed++
			continue
		}

		printReport(cmd, report, dryRun)
		created += len(report.Created)
		failed += len(report.Failures)
	}

	if failed > 0 {
		return fmt.Errorf("%d item(s) could not be imported", failed)
	}
	if !dryRun {
		fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Imported %d expense(s)", created)))
	}
	return nil
}

func printReport(cmd *cobra.Command, report *importer.Report, dryRun bool) {
	out := cmd.OutOrStdout()
	if dryRun {
		fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("%d expense(s) would be imported", report.Validated)))
	} else {
		fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("%d expense(s) created", len(report.Created))))
	}
	if report.Duplicates > 0 {
		fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("%d duplicate(s) skipped", report.Duplicates)))
	}
	if report.Credits > 0 {
		fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("%d credit(s) skipped", report.Credits)))
	}
	for _, f := range report.Failures {
		fmt.Fprintln(out, cli.FormatWarning(f.Error()))
	}
}

// expandFiles expands glob patterns and rejects directories.
func expandFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		if strings.ContainsAny(arg, "*?[") {
			matches, err := filepath.Glob(arg)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", arg, err)
			}
			files = append(files, matches...)
			continue
		}
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", arg, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", arg)
		}
		files = append(files, arg)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files matched")
	}
	return files, nil
}
