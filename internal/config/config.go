package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/engine"
	"github.com/Veraticus/tally/internal/recurrence"
	"github.com/Veraticus/tally/internal/service"
	"github.com/Veraticus/tally/internal/templatesync"
)

const (
	// DefaultDatabasePath is where the expense store lives unless configured.
	DefaultDatabasePath = "~/.local/share/tally/tally.db"
	// EnvPrefix prefixes environment overrides, e.g. TALLY_SYNC_POLICY.
	EnvPrefix = "TALLY"
)

// Config is the typed application configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Recurrence RecurrenceConfig `mapstructure:"recurrence"`
	Validation ValidationConfig `mapstructure:"validation"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Retry      RetryConfig      `mapstructure:"retry"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig tunes the recompute pipeline.
type EngineConfig struct {
	Debounce           time.Duration `mapstructure:"debounce"`
	SearchDebounce     time.Duration `mapstructure:"search_debounce"`
	AsyncSortThreshold int           `mapstructure:"async_sort_threshold"`
}

// RecurrenceConfig tunes duplicate detection during generation.
type RecurrenceConfig struct {
	DuplicateAmountTolerance string `mapstructure:"duplicate_amount_tolerance"`
	DuplicateDateTolerance   int    `mapstructure:"duplicate_date_tolerance"`
	MaxCatchUp               int    `mapstructure:"max_catch_up"`
}

// SyncConfig selects how edits to generated expenses reach their template.
type SyncConfig struct {
	Policy string `mapstructure:"policy"`
}

// ValidationConfig bounds accepted expense values.
type ValidationConfig struct {
	MaxAmount         string `mapstructure:"max_amount"`
	MaxMerchantLength int    `mapstructure:"max_merchant_length"`
	MaxNotesLength    int    `mapstructure:"max_notes_length"`
	MaxPastYears      int    `mapstructure:"max_past_years"`
	MaxFutureDays     int    `mapstructure:"max_future_days"`
}

// RetryConfig bounds retries of transient store failures.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// LoggingConfig selects the slog level and handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	limits := service.DefaultLimits()
	retry := service.DefaultRetryOptions()
	eng := engine.DefaultConfig()

	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("engine.debounce", eng.Debounce)
	v.SetDefault("engine.search_debounce", eng.SearchDebounce)
	v.SetDefault("engine.async_sort_threshold", eng.AsyncSortThreshold)

	v.SetDefault("recurrence.duplicate_date_tolerance", 0)
	v.SetDefault("recurrence.duplicate_amount_tolerance", "0")
	v.SetDefault("recurrence.max_catch_up", recurrence.DefaultMaxCatchUp)

	v.SetDefault("sync.policy", string(templatesync.DefaultPolicy))

	v.SetDefault("validation.max_amount", limits.MaxAmount.String())
	v.SetDefault("validation.max_merchant_length", limits.MaxMerchantLength)
	v.SetDefault("validation.max_notes_length", limits.MaxNotesLength)
	v.SetDefault("validation.max_past_years", limits.MaxPastYears)
	v.SetDefault("validation.max_future_days", limits.MaxFutureDays)

	v.SetDefault("retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("retry.initial_delay", retry.InitialDelay)
	v.SetDefault("retry.max_delay", retry.MaxDelay)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Configure registers defaults and environment overrides on v.
func Configure(v *viper.Viper) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}
	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path is empty", common.ErrInvalidConfig)
	}
	if _, err := templatesync.ParsePolicy(c.Sync.Policy); err != nil {
		return err
	}
	if _, err := c.Limits(); err != nil {
		return err
	}
	if _, err := c.RecurrenceConfig(); err != nil {
		return err
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: retry.max_attempts must be at least 1", common.ErrInvalidConfig)
	}
	if c.Engine.Debounce < 0 || c.Engine.SearchDebounce < 0 {
		return fmt.Errorf("%w: engine debounce windows must not be negative", common.ErrInvalidConfig)
	}
	if _, err := common.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// Limits returns the validation limits.
func (c *Config) Limits() (service.Limits, error) {
	maxAmount, err := decimal.NewFromString(c.Validation.MaxAmount)
	if err != nil || !maxAmount.IsPositive() {
		return service.Limits{}, fmt.Errorf("%w: validation.max_amount %q must be a positive decimal",
			common.ErrInvalidConfig, c.Validation.MaxAmount)
	}
	return service.Limits{
		MaxAmount:         maxAmount,
		MaxMerchantLength: c.Validation.MaxMerchantLength,
		MaxNotesLength:    c.Validation.MaxNotesLength,
		MaxPastYears:      c.Validation.MaxPastYears,
		MaxFutureDays:     c.Validation.MaxFutureDays,
	}, nil
}

// RecurrenceConfig returns the generator settings.
func (c *Config) RecurrenceConfig() (recurrence.Config, error) {
	tolerance, err := decimal.NewFromString(c.Recurrence.DuplicateAmountTolerance)
	if err != nil || tolerance.IsNegative() {
		return recurrence.Config{}, fmt.Errorf("%w: recurrence.duplicate_amount_tolerance %q must be a non-negative decimal",
			common.ErrInvalidConfig, c.Recurrence.DuplicateAmountTolerance)
	}
	if c.Recurrence.DuplicateDateTolerance < 0 {
		return recurrence.Config{}, fmt.Errorf("%w: recurrence.duplicate_date_tolerance must not be negative", common.ErrInvalidConfig)
	}
	return recurrence.Config{
		AmountTolerance: tolerance,
		DateTolerance:   c.Recurrence.DuplicateDateTolerance,
		MaxCatchUp:      c.Recurrence.MaxCatchUp,
	}, nil
}

// SyncPolicy returns the template synchronization policy.
func (c *Config) SyncPolicy() templatesync.Policy {
	p, err := templatesync.ParsePolicy(c.Sync.Policy)
	if err != nil {
		return templatesync.DefaultPolicy
	}
	return p
}

// RetryOptions returns the store retry settings.
func (c *Config) RetryOptions() service.RetryOptions {
	return service.RetryOptions{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
	}
}

// EngineConfig returns the pipeline settings.
func (c *Config) EngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Debounce = c.Engine.Debounce
	cfg.SearchDebounce = c.Engine.SearchDebounce
	if c.Engine.AsyncSortThreshold > 0 {
		cfg.AsyncSortThreshold = c.Engine.AsyncSortThreshold
	}
	return cfg
}
