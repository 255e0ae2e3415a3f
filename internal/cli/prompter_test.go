package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/templatesync"
)

func amountChange(from, to string) model.ChangeSet {
	return model.Diff(
		model.Fields{Amount: decimal.RequireFromString(from)},
		model.Fields{Amount: decimal.RequireFromString(to)},
	)
}

func TestPrompter_ChooseTemplateUpdate(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		want        templatesync.Choice
		wantInvalid bool
		wantErr     error
	}{
		{name: "update template", input: "t\n", want: templatesync.ChoiceUpdateTemplate},
		{name: "upper case", input: "T\n", want: templatesync.ChoiceUpdateTemplate},
		{name: "expense only", input: "e\n", want: templatesync.ChoiceExpenseOnly},
		{name: "cancel", input: "c\n", want: templatesync.ChoiceCancel},
		{name: "invalid then valid", input: "x\ne\n", want: templatesync.ChoiceExpenseOnly, wantInvalid: true},
		{name: "input ends", input: "", want: templatesync.ChoiceCancel, wantErr: ErrInputTerminated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := NewPrompter(strings.NewReader(tt.input), &out)

			choice, err := p.ChooseTemplateUpdate(context.Background(), "Netflix", amountChange("10.00", "25.00"))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, choice)

			output := out.String()
			assert.Contains(t, output, "Netflix")
			assert.Contains(t, output, "amount: 10.00 → 25.00")
			assert.Contains(t, output, "[T] Update the template")
			assert.Equal(t, tt.wantInvalid, strings.Contains(output, "Invalid choice"))
		})
	}
}

func TestPrompter_ChooseTemplateUpdateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPrompter(strings.NewReader("t\n"), &bytes.Buffer{})
	choice, err := p.ChooseTemplateUpdate(ctx, "Netflix", amountChange("10.00", "11.00"))
	assert.ErrorIs(t, err, ErrInputCancelled)
	assert.Equal(t, templatesync.ChoiceCancel, choice)
}

func TestPrompter_Confirm(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{name: "yes", input: "y\n", want: true},
		{name: "full yes", input: "YES\n", want: true},
		{name: "no", input: "n\n", want: false},
		{name: "empty answer", input: "\n", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := NewPrompter(strings.NewReader(tt.input), &out)
			got, err := p.Confirm(context.Background(), "Delete 2 expenses?")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), "Delete 2 expenses? [y/N]")
		})
	}
}

func TestNewProgressBar(t *testing.T) {
	var out bytes.Buffer
	bar := NewProgressBar(&out, 3, "Importing expenses...")
	for range 3 {
		require.NoError(t, bar.Add(1))
	}
	require.NoError(t, bar.Finish())
	assert.True(t, bar.IsFinished())
}
