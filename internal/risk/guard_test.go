package risk

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpmm/pkg/types"
)

func newTestGuard(cfg Config) *Guard {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, "task-1", logger)
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestGuardStartsSafe(t *testing.T) {
	t.Parallel()
	g := newTestGuard(Config{})
	if got := g.Current().Kind; got != types.RiskSafe {
		t.Fatalf("initial kind = %v, want Safe", got)
	}
}

// TestPriceVelocityHalts reproduces spec.md §8 S3: mark moves 50000 -> 50500
// (100bps) within 200ms against a 100bps/s threshold, which must Halt.
func TestPriceVelocityHalts(t *testing.T) {
	t.Parallel()
	g := newTestGuard(Config{MaxPriceVelocityBps: dec(100)})

	base := time.Now()
	g.RecordPrice(base, dec(50000))
	g.RecordPrice(base.Add(200*time.Millisecond), dec(50500))

	state := g.Evaluate(base.Add(200 * time.Millisecond))
	if state.Kind != types.RiskHalt {
		t.Fatalf("kind = %v, want Halt", state.Kind)
	}
	if len(state.Reasons) != 1 || state.Reasons[0] != "price_velocity" {
		t.Errorf("reasons = %v, want [price_velocity]", state.Reasons)
	}
}

func TestPositionHalts(t *testing.T) {
	t.Parallel()
	g := newTestGuard(Config{MaxPositionUSD: dec(10000)})
	g.RecordPosition(dec(15000))

	state := g.Evaluate(time.Now())
	if state.Kind != types.RiskHalt {
		t.Fatalf("kind = %v, want Halt", state.Kind)
	}
}

func TestDepthCautionsNotHalts(t *testing.T) {
	t.Parallel()
	g := newTestGuard(Config{MinDepthUSD: dec(5000)})
	g.RecordDepth(dec(1000))

	state := g.Evaluate(time.Now())
	if state.Kind != types.RiskCaution {
		t.Fatalf("kind = %v, want Caution", state.Kind)
	}
}

func TestFillsPerMinuteCautions(t *testing.T) {
	t.Parallel()
	g := newTestGuard(Config{MaxFillsPerMinute: 3})

	now := time.Now()
	for i := 0; i < 4; i++ {
		g.RecordFill(now)
	}

	state := g.Evaluate(now)
	if state.Kind != types.RiskCaution {
		t.Fatalf("kind = %v, want Caution", state.Kind)
	}
}

func TestSpreadCautions(t *testing.T) {
	t.Parallel()
	g := newTestGuard(Config{MaxSpreadBps: dec(50)})
	g.RecordSpread(dec(80))

	state := g.Evaluate(time.Now())
	if state.Kind != types.RiskCaution {
		t.Fatalf("kind = %v, want Caution", state.Kind)
	}
}

// TestQuietPeriodDeescalatesHaltToCautionToSafe drives the guard through
// Halt -> Caution -> Safe purely by advancing the clock once triggers clear,
// exercising the 30s quiet-period requirement of spec.md §4.2.
func TestQuietPeriodDeescalatesHaltToCautionToSafe(t *testing.T) {
	t.Parallel()
	g := newTestGuard(Config{
		MaxPositionUSD: dec(10000),
		QuietPeriod:    30 * time.Second,
	})

	base := time.Now()
	g.RecordPosition(dec(15000))
	if state := g.Evaluate(base); state.Kind != types.RiskHalt {
		t.Fatalf("kind = %v, want Halt", state.Kind)
	}

	// Position clears, but quiet period has not elapsed: still Halt.
	g.RecordPosition(dec(0))
	if state := g.Evaluate(base.Add(5 * time.Second)); state.Kind != types.RiskHalt {
		t.Fatalf("kind after 5s = %v, want Halt (quiet period not elapsed)", state.Kind)
	}

	// Quiet period elapsed since the critical trigger: falls to Caution, not
	// directly to Safe.
	afterQuiet := base.Add(31 * time.Second)
	state := g.Evaluate(afterQuiet)
	if state.Kind != types.RiskCaution {
		t.Fatalf("kind after quiet period = %v, want Caution", state.Kind)
	}

	// Quiet period elapsed since the last trigger of any kind: falls to Safe.
	state = g.Evaluate(afterQuiet.Add(31 * time.Second))
	if state.Kind != types.RiskSafe {
		t.Fatalf("kind after second quiet period = %v, want Safe", state.Kind)
	}
}

func TestGuardRecoversDirectlyToSafeWhenNeverTriggered(t *testing.T) {
	t.Parallel()
	g := newTestGuard(Config{MaxSpreadBps: dec(50)})

	state := g.Evaluate(time.Now())
	if state.Kind != types.RiskSafe {
		t.Fatalf("kind = %v, want Safe", state.Kind)
	}
}

func TestPriceWindowEvictsStaleSamples(t *testing.T) {
	t.Parallel()
	g := newTestGuard(Config{
		MaxPriceVelocityBps: dec(100),
		PriceWindow:         2 * time.Second,
	})

	base := time.Now()
	g.RecordPrice(base, dec(50000))
	// A slow drift outside the 2s window should not look like a velocity spike.
	state := g.Evaluate(base.Add(3 * time.Second))
	if state.Kind != types.RiskSafe {
		t.Fatalf("kind = %v, want Safe (stale sample evicted, <2 samples in window)", state.Kind)
	}
}
