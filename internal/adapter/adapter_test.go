package adapter

import (
	"testing"

	"github.com/shopspring/decimal"

	"perpmm/pkg/types"
)

func TestRoundToTickBidRoundsDown(t *testing.T) {
	t.Parallel()
	price := decimal.NewFromFloat(49975.379)
	tick := decimal.NewFromFloat(0.01)

	got := RoundToTick(price, tick, types.Buy)
	want := decimal.NewFromFloat(49975.37)
	if !got.Equal(want) {
		t.Errorf("RoundToTick = %v, want %v", got, want)
	}
}

func TestRoundToTickAskRoundsUp(t *testing.T) {
	t.Parallel()
	price := decimal.NewFromFloat(49975.373)
	tick := decimal.NewFromFloat(0.01)

	got := RoundToTick(price, tick, types.Sell)
	want := decimal.NewFromFloat(49975.38)
	if !got.Equal(want) {
		t.Errorf("RoundToTick = %v, want %v", got, want)
	}
}

func TestRoundToTickZeroTickIsNoop(t *testing.T) {
	t.Parallel()
	price := decimal.NewFromFloat(123.456)
	got := RoundToTick(price, decimal.Zero, types.Buy)
	if !got.Equal(price) {
		t.Errorf("RoundToTick with zero tick = %v, want %v unchanged", got, price)
	}
}
