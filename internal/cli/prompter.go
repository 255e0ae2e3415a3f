package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/templatesync"
)

// ErrInputTerminated is returned when input ends before a valid answer.
var ErrInputTerminated = errors.New("input terminated")

// Prompter asks the user questions on a terminal.
type Prompter struct {
	writer io.Writer
	reader *LineReader
}

// NewPrompter creates a prompter reading answers from reader. Nil arguments
// default to stdin and stdout.
func NewPrompter(reader io.Reader, writer io.Writer) *Prompter {
	if reader == nil {
		reader = os.Stdin
	}
	if writer == nil {
		writer = os.Stdout
	}
	return &Prompter{
		reader: NewLineReader(reader),
		writer: writer,
	}
}

// ChooseTemplateUpdate shows the pending template changes for merchant and
// asks whether to update the template, save only the expense, or cancel.
func (p *Prompter) ChooseTemplateUpdate(ctx context.Context, merchant string, changes model.ChangeSet) (templatesync.Choice, error) {
	var content strings.Builder
	fmt.Fprintf(&content, "%s This expense was generated by the recurring %s template.\n\n",
		RecurringIcon, PromptStyle.Render(merchant))
	for _, d := range changes {
		fmt.Fprintf(&content, "  • %s\n", d.String())
	}
	if _, err := fmt.Fprintln(p.writer, RenderBox("Update recurring template?", strings.TrimRight(content.String(), "\n"))); err != nil {
		return templatesync.ChoiceCancel, fmt.Errorf("failed to write template changes: %w", err)
	}

	lines := []string{
		"  [T] Update the template and this expense",
		"  [E] Update this expense only",
		"  [C] Cancel the edit",
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(p.writer, line); err != nil {
			return templatesync.ChoiceCancel, fmt.Errorf("failed to write options: %w", err)
		}
	}

	choice, err := p.promptChoice(ctx, "Choice", []string{"t", "e", "c"})
	if err != nil {
		return templatesync.ChoiceCancel, err
	}
	switch choice {
	case "t":
		return templatesync.ChoiceUpdateTemplate, nil
	case "e":
		return templatesync.ChoiceExpenseOnly, nil
	default:
		return templatesync.ChoiceCancel, nil
	}
}

// Confirm asks a yes/no question. An empty answer is no.
func (p *Prompter) Confirm(ctx context.Context, question string) (bool, error) {
	if _, err := fmt.Fprintf(p.writer, "%s", FormatPrompt(question+" [y/N]")); err != nil {
		return false, fmt.Errorf("failed to write prompt: %w", err)
	}
	answer, err := p.readLine(ctx)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func (p *Prompter) promptChoice(ctx context.Context, prompt string, validChoices []string) (string, error) {
	for {
		if _, err := fmt.Fprintf(p.writer, "%s", FormatPrompt(prompt)); err != nil {
			return "", fmt.Errorf("failed to write prompt: %w", err)
		}

		input, err := p.readLine(ctx)
		if err != nil {
			return "", err
		}

		choice := strings.ToLower(input)
		for _, valid := range validChoices {
			if choice == valid {
				return choice, nil
			}
		}

		if _, err := fmt.Fprintln(p.writer, FormatError("Invalid choice. Please try again.")); err != nil {
			slog.Warn("Failed to write error message", "error", err)
		}
	}
}

func (p *Prompter) readLine(ctx context.Context) (string, error) {
	line, err := p.reader.ReadLine(ctx)
	if errors.Is(err, io.EOF) {
		return "", ErrInputTerminated
	}
	return line, err
}

// NewProgressBar creates the progress bar shown during imports and
// recurrence runs.
func NewProgressBar(w io.Writer, total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("[cyan][bold]"+description+"[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			if _, err := fmt.Fprintln(w); err != nil {
				slog.Warn("Failed to write newline after progress bar", "error", err)
			}
		}),
	)
}
