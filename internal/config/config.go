// Package config loads the process-boundary configuration of the market-
// making core: exchange endpoints, the account roster, the task roster, and
// the shared risk thresholds. Grounded on the teacher's internal/config
// (github.com/spf13/viper, YAML file + env-var override for secrets), with
// the env prefix renamed from POLY_ to MM_ and the single-market Config
// generalized to a multi-account, multi-task roster.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"perpmm/internal/risk"
	"perpmm/pkg/types"
)

// Config is the top-level configuration, loaded from a YAML file with
// MM_-prefixed environment variables overriding secrets.
type Config struct {
	DryRun   bool            `mapstructure:"dry_run"`
	API      APIConfig       `mapstructure:"api"`
	Accounts []AccountConfig `mapstructure:"accounts"`
	Tasks    []TaskConfig    `mapstructure:"tasks"`
	Risk     RiskConfig      `mapstructure:"risk"`
	Logging  LoggingConfig   `mapstructure:"logging"`
	Shutdown ShutdownConfig  `mapstructure:"shutdown"`
}

// APIConfig holds the exchange's REST and WebSocket endpoints.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	WSURL   string `mapstructure:"ws_url"`
}

// AccountConfig is one wallet this process can trade under. The private key
// itself is never stored in the config file: WalletPrivateKeyEnv names the
// environment variable it is read from at signer-construction time.
type AccountConfig struct {
	Ref                 string `mapstructure:"ref"`
	Chain               string `mapstructure:"chain"`
	ChainID             int64  `mapstructure:"chain_id"`
	WalletAddress       string `mapstructure:"wallet_address"`
	WalletPrivateKeyEnv string `mapstructure:"wallet_private_key_env"`
	SessionKeyPath      string `mapstructure:"session_key_path"`
}

// TaskConfig is one configured market-making task: a (symbol, account)
// pair plus its risk profile and tuning constants (spec §9 Open
// Questions surfaced as configuration rather than hard-coded).
type TaskConfig struct {
	TaskID               string  `mapstructure:"task_id"`
	Symbol               string  `mapstructure:"symbol"`
	AccountRef           string  `mapstructure:"account_ref"`
	RiskProfile          string  `mapstructure:"risk_profile"`
	BudgetUSD            float64 `mapstructure:"budget_usd"`
	TickSize             float64 `mapstructure:"tick_size"`
	RefreshIntervalSec   float64 `mapstructure:"refresh_interval_sec"`
	FillCooldownSec      float64 `mapstructure:"fill_cooldown_sec"`
	SentTimeoutSec       float64 `mapstructure:"sent_timeout_sec"`
	StopDeadlineSec      float64 `mapstructure:"stop_deadline_sec"`
	ClosePositionsOnStop bool    `mapstructure:"close_positions_on_stop"`
}

// RiskConfig is the shared Risk Guard threshold set (spec §4.2), applied to
// every task's own Guard instance.
type RiskConfig struct {
	MaxPriceVelocityBps float64 `mapstructure:"max_price_velocity_bps"`
	MinDepthUSD         float64 `mapstructure:"min_depth_usd"`
	MaxPositionUSD      float64 `mapstructure:"max_position_usd"`
	MaxFillsPerMinute   int     `mapstructure:"max_fills_per_minute"`
	MaxSpreadBps        float64 `mapstructure:"max_spread_bps"`
	QuietPeriodSec      float64 `mapstructure:"quiet_period_sec"`
}

// LoggingConfig configures the process-wide slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ShutdownConfig bounds how long ShutdownAndWait waits for every task to
// join before giving up.
type ShutdownConfig struct {
	DeadlineSec float64 `mapstructure:"deadline_sec"`
}

// Load reads config from a YAML file with env var overrides. Sensitive
// values (private keys) are never read here — only their referenced env
// var names are; Validate checks those names resolve to non-empty values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if os.Getenv("MM_DRY_RUN") == "true" || os.Getenv("MM_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks required fields and cross-references across the roster:
// every task's account_ref must resolve to a configured account, every
// risk_profile must be one of the four known profiles, and task_ids must
// be unique.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.WSURL == "" {
		return fmt.Errorf("api.ws_url is required")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	accountRefs := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.Ref == "" {
			return fmt.Errorf("accounts[].ref is required")
		}
		if a.WalletAddress == "" {
			return fmt.Errorf("account %q: wallet_address is required", a.Ref)
		}
		if a.WalletPrivateKeyEnv == "" {
			return fmt.Errorf("account %q: wallet_private_key_env is required", a.Ref)
		}
		if os.Getenv(a.WalletPrivateKeyEnv) == "" {
			return fmt.Errorf("account %q: environment variable %s is not set", a.Ref, a.WalletPrivateKeyEnv)
		}
		accountRefs[a.Ref] = true
	}

	if len(c.Tasks) == 0 {
		return fmt.Errorf("at least one task must be configured")
	}
	taskIDs := make(map[string]bool, len(c.Tasks))
	for _, tsk := range c.Tasks {
		if tsk.TaskID == "" {
			return fmt.Errorf("tasks[].task_id is required")
		}
		if taskIDs[tsk.TaskID] {
			return fmt.Errorf("duplicate task_id %q", tsk.TaskID)
		}
		taskIDs[tsk.TaskID] = true

		if tsk.Symbol == "" {
			return fmt.Errorf("task %q: symbol is required", tsk.TaskID)
		}
		if !accountRefs[tsk.AccountRef] {
			return fmt.Errorf("task %q: account_ref %q is not a configured account", tsk.TaskID, tsk.AccountRef)
		}
		if !types.RiskProfile(tsk.RiskProfile).Valid() {
			return fmt.Errorf("task %q: risk_profile %q is not one of low/medium/high/xhigh", tsk.TaskID, tsk.RiskProfile)
		}
		if tsk.BudgetUSD <= 0 {
			return fmt.Errorf("task %q: budget_usd must be > 0", tsk.TaskID)
		}
		if tsk.TickSize <= 0 {
			return fmt.Errorf("task %q: tick_size must be > 0", tsk.TaskID)
		}
	}

	if c.Risk.MaxPriceVelocityBps <= 0 {
		return fmt.Errorf("risk.max_price_velocity_bps must be > 0")
	}
	if c.Risk.MaxFillsPerMinute <= 0 {
		return fmt.Errorf("risk.max_fills_per_minute must be > 0")
	}

	return nil
}

// AccountByRef resolves ref to its AccountConfig.
func (c *Config) AccountByRef(ref string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.Ref == ref {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// ToRiskConfig converts the YAML-friendly float/seconds form into the
// decimal/time.Duration form the Risk Guard operates on.
func (rc RiskConfig) ToRiskConfig() risk.Config {
	cfg := risk.Config{
		MaxPriceVelocityBps: decimal.NewFromFloat(rc.MaxPriceVelocityBps),
		MinDepthUSD:         decimal.NewFromFloat(rc.MinDepthUSD),
		MaxPositionUSD:      decimal.NewFromFloat(rc.MaxPositionUSD),
		MaxFillsPerMinute:   rc.MaxFillsPerMinute,
		MaxSpreadBps:        decimal.NewFromFloat(rc.MaxSpreadBps),
	}
	if rc.QuietPeriodSec > 0 {
		cfg.QuietPeriod = time.Duration(rc.QuietPeriodSec * float64(time.Second))
	} else {
		cfg.QuietPeriod = risk.DefaultQuietPeriod
	}
	return cfg
}

// ToTaskConfiguration converts one configured task into the runtime
// types.TaskConfiguration the Supervisor spawns, deriving ladder tiers and
// base order size from mark (the symbol's price at task-construction time,
// spec §3 "Derivation").
func (tc TaskConfig) ToTaskConfiguration(mark decimal.Decimal) types.TaskConfiguration {
	profile := types.RiskProfile(tc.RiskProfile)
	return types.TaskConfiguration{
		TaskID:               tc.TaskID,
		Symbol:               tc.Symbol,
		AccountRef:           tc.AccountRef,
		RiskProfile:          profile,
		BudgetUSD:            decimal.NewFromFloat(tc.BudgetUSD),
		TickSize:             decimal.NewFromFloat(tc.TickSize),
		Derived:              types.DeriveParams(profile, decimal.NewFromFloat(tc.BudgetUSD), mark),
		RefreshInterval:      secondsOrDefault(tc.RefreshIntervalSec, 4*time.Second),
		FillCooldown:         secondsOrDefault(tc.FillCooldownSec, 3*time.Second),
		SentTimeout:          secondsOrDefault(tc.SentTimeoutSec, 5*time.Second),
		StopDeadline:         secondsOrDefault(tc.StopDeadlineSec, 10*time.Second),
		ClosePositionsOnStop: tc.ClosePositionsOnStop,
	}
}

func secondsOrDefault(seconds float64, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds * float64(time.Second))
}
