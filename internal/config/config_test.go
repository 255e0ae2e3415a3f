package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/templatesync"
)

func newViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	Configure(v)
	if yaml != "" {
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(strings.NewReader(yaml)))
	}
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(newViper(t, ""))
	require.NoError(t, err)

	assert.Equal(t, ExpandPath(DefaultDatabasePath), cfg.Database.Path)
	assert.Equal(t, templatesync.PolicyAlwaysAsk, cfg.SyncPolicy())

	eng := cfg.EngineConfig()
	assert.Equal(t, 200*time.Millisecond, eng.Debounce)
	assert.Equal(t, 300*time.Millisecond, eng.SearchDebounce)
	assert.Equal(t, 2000, eng.AsyncSortThreshold)

	limits, err := cfg.Limits()
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1_000_000).Equal(limits.MaxAmount))
	assert.Equal(t, 100, limits.MaxMerchantLength)
	assert.Equal(t, 1000, limits.MaxNotesLength)
	assert.Equal(t, 10, limits.MaxPastYears)
	assert.Equal(t, 365, limits.MaxFutureDays)

	rec, err := cfg.RecurrenceConfig()
	require.NoError(t, err)
	assert.True(t, rec.AmountTolerance.IsZero())
	assert.Equal(t, 0, rec.DateTolerance)

	retry := cfg.RetryOptions()
	assert.Equal(t, 3, retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, retry.InitialDelay)
	assert.Equal(t, time.Second, retry.MaxDelay)
}

func TestLoad_FromFile(t *testing.T) {
	cfg, err := Load(newViper(t, `
database:
  path: /tmp/tally-test.db
engine:
  debounce: 50ms
  search_debounce: 120ms
recurrence:
  duplicate_date_tolerance: 2
  duplicate_amount_tolerance: "0.50"
sync:
  policy: always-update-template
validation:
  max_amount: "5000"
`))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/tally-test.db", cfg.Database.Path)
	assert.Equal(t, templatesync.PolicyUpdateTemplate, cfg.SyncPolicy())
	assert.Equal(t, 50*time.Millisecond, cfg.EngineConfig().Debounce)
	assert.Equal(t, 120*time.Millisecond, cfg.EngineConfig().SearchDebounce)

	rec, err := cfg.RecurrenceConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, rec.DateTolerance)
	assert.Equal(t, "0.5", rec.AmountTolerance.String())

	limits, err := cfg.Limits()
	require.NoError(t, err)
	assert.Equal(t, "5000", limits.MaxAmount.String())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("TALLY_SYNC_POLICY", "always-update-expense-only")
	t.Setenv("TALLY_DATABASE_PATH", "/tmp/env.db")

	cfg, err := Load(newViper(t, ""))
	require.NoError(t, err)
	assert.Equal(t, templatesync.PolicyUpdateExpenseOnly, cfg.SyncPolicy())
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown policy", yaml: "sync:\n  policy: sometimes\n"},
		{name: "bad max amount", yaml: "validation:\n  max_amount: lots\n"},
		{name: "zero max amount", yaml: "validation:\n  max_amount: \"0\"\n"},
		{name: "negative tolerance", yaml: "recurrence:\n  duplicate_amount_tolerance: \"-1\"\n"},
		{name: "negative date tolerance", yaml: "recurrence:\n  duplicate_date_tolerance: -3\n"},
		{name: "no attempts", yaml: "retry:\n  max_attempts: 0\n"},
		{name: "bad log level", yaml: "logging:\n  level: loud\n"},
		{name: "empty database path", yaml: "database:\n  path: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(newViper(t, tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, common.ErrInvalidConfig)
		})
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("TALLY_DATA", "/srv/tally")

	tests := []struct {
		in, want string
	}{
		{in: "", want: ""},
		{in: "~", want: home},
		{in: "~/tally.db", want: home + "/tally.db"},
		{in: "$TALLY_DATA/tally.db", want: "/srv/tally/tally.db"},
		{in: "/abs/tally.db", want: "/abs/tally.db"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandPath(tt.in))
		})
	}
}
