package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestTickSizeDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 1},
		{Tick001, 2},
		{Tick0001, 3},
		{Tick00001, 4},
		{TickSize("unknown"), 2}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.Decimals(); got != tt.want {
			t.Errorf("TickSize(%q).Decimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestTickSizeAmountDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 3},
		{Tick001, 4},
		{Tick0001, 5},
		{Tick00001, 6},
		{TickSize("unknown"), 4}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.AmountDecimals(); got != tt.want {
			t.Errorf("TickSize(%q).AmountDecimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

// TestDeriveParamsHighProfileMatchesS1 pins the spec's S1 scenario literally:
// profile high, budget_usd 50000, mark 50000 must derive base_qty 0.2
// (=50000×20%/50000), not 0.3.
func TestDeriveParamsHighProfileMatchesS1(t *testing.T) {
	t.Parallel()

	d := DeriveParams(RiskHigh, decimal.NewFromInt(50000), decimal.NewFromInt(50000))

	want := decimal.NewFromFloat(0.2)
	if !d.BaseQty.Equal(want) {
		t.Errorf("DeriveParams(high, 50000, 50000).BaseQty = %s, want %s", d.BaseQty, want)
	}
	if d.Tiers != 2 {
		t.Errorf("DeriveParams(high, ...).Tiers = %d, want 2", d.Tiers)
	}
}
