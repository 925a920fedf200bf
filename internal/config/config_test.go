package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const testYAML = `
api:
  base_url: https://exchange.example/api
  ws_url: wss://exchange.example/ws
accounts:
  - ref: acct-1
    chain: evm
    wallet_address: "0xabc"
    wallet_private_key_env: TEST_MM_WALLET_KEY
tasks:
  - task_id: task-1
    symbol: BTC-USD
    account_ref: acct-1
    risk_profile: high
    budget_usd: 50000
    tick_size: 0.01
risk:
  max_price_velocity_bps: 100
  min_depth_usd: 1000
  max_position_usd: 1000000
  max_fills_per_minute: 30
  max_spread_bps: 50
`

func writeTestConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoadAndValidateSucceedsWithCompleteConfig(t *testing.T) {
	t.Setenv("TEST_MM_WALLET_KEY", "deadbeef")
	path := writeTestConfig(t, testYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.API.BaseURL != "https://exchange.example/api" {
		t.Errorf("API.BaseURL = %q", cfg.API.BaseURL)
	}
	if len(cfg.Tasks) != 1 || cfg.Tasks[0].TaskID != "task-1" {
		t.Fatalf("Tasks = %+v", cfg.Tasks)
	}
}

func TestValidateFailsOnUnknownAccountRef(t *testing.T) {
	t.Setenv("TEST_MM_WALLET_KEY", "deadbeef")
	path := writeTestConfig(t, `
api:
  base_url: https://exchange.example/api
  ws_url: wss://exchange.example/ws
accounts:
  - ref: acct-1
    wallet_address: "0xabc"
    wallet_private_key_env: TEST_MM_WALLET_KEY
tasks:
  - task_id: task-1
    symbol: BTC-USD
    account_ref: does-not-exist
    risk_profile: high
    budget_usd: 50000
    tick_size: 0.01
risk:
  max_price_velocity_bps: 100
  max_fills_per_minute: 30
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject an unknown account_ref")
	}
}

func TestValidateFailsOnInvalidRiskProfile(t *testing.T) {
	t.Setenv("TEST_MM_WALLET_KEY", "deadbeef")
	path := writeTestConfig(t, `
api:
  base_url: https://exchange.example/api
  ws_url: wss://exchange.example/ws
accounts:
  - ref: acct-1
    wallet_address: "0xabc"
    wallet_private_key_env: TEST_MM_WALLET_KEY
tasks:
  - task_id: task-1
    symbol: BTC-USD
    account_ref: acct-1
    risk_profile: extreme
    budget_usd: 50000
    tick_size: 0.01
risk:
  max_price_velocity_bps: 100
  max_fills_per_minute: 30
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject an unknown risk_profile")
	}
}

func TestValidateFailsWhenWalletKeyEnvUnset(t *testing.T) {
	os.Unsetenv("TEST_MM_WALLET_KEY_MISSING")
	path := writeTestConfig(t, testYAML)
	// Override the referenced env var name to one we know is unset.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Accounts[0].WalletPrivateKeyEnv = "TEST_MM_WALLET_KEY_MISSING"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to fail when the wallet key env var is unset")
	}
}

func TestValidateFailsOnDuplicateTaskID(t *testing.T) {
	t.Setenv("TEST_MM_WALLET_KEY", "deadbeef")
	path := writeTestConfig(t, `
api:
  base_url: https://exchange.example/api
  ws_url: wss://exchange.example/ws
accounts:
  - ref: acct-1
    wallet_address: "0xabc"
    wallet_private_key_env: TEST_MM_WALLET_KEY
tasks:
  - task_id: task-1
    symbol: BTC-USD
    account_ref: acct-1
    risk_profile: high
    budget_usd: 50000
    tick_size: 0.01
  - task_id: task-1
    symbol: ETH-USD
    account_ref: acct-1
    risk_profile: medium
    budget_usd: 20000
    tick_size: 0.01
risk:
  max_price_velocity_bps: 100
  max_fills_per_minute: 30
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject duplicate task_ids")
	}
}

func TestToTaskConfigurationDerivesLadderFromMark(t *testing.T) {
	t.Setenv("TEST_MM_WALLET_KEY", "deadbeef")
	path := writeTestConfig(t, testYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tc := cfg.Tasks[0]
	runtime := tc.ToTaskConfiguration(decimal.NewFromInt(50000))

	if runtime.TaskID != "task-1" {
		t.Errorf("TaskID = %q", runtime.TaskID)
	}
	if runtime.Derived.Tiers != 2 {
		t.Errorf("Derived.Tiers = %d, want 2 (high profile)", runtime.Derived.Tiers)
	}
	if runtime.RefreshInterval != 4*time.Second {
		t.Errorf("RefreshInterval default = %v, want 4s", runtime.RefreshInterval)
	}
}

func TestToRiskConfigAppliesDefaultQuietPeriod(t *testing.T) {
	rc := RiskConfig{MaxPriceVelocityBps: 100, MaxFillsPerMinute: 30}
	got := rc.ToRiskConfig()
	if got.QuietPeriod != 30*time.Second {
		t.Errorf("QuietPeriod default = %v, want 30s", got.QuietPeriod)
	}
}

func TestAccountByRef(t *testing.T) {
	t.Setenv("TEST_MM_WALLET_KEY", "deadbeef")
	path := writeTestConfig(t, testYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, ok := cfg.AccountByRef("acct-1"); !ok {
		t.Error("AccountByRef(acct-1) not found")
	}
	if _, ok := cfg.AccountByRef("nope"); ok {
		t.Error("AccountByRef(nope) unexpectedly found")
	}
}
