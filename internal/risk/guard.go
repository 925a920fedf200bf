// Package risk implements the Risk Guard of spec.md §4.2: sliding-window
// guards over price, depth, fills, position, and spread that evaluate to
// Safe/Caution/Halt before every quote decision. Grounded on the teacher's
// kill-switch cooldown (internal/risk/manager.go) and rolling-window
// toxicity detector (internal/strategy/flow_tracker.go), generalized from a
// two-state kill switch to the spec's three-state guard with a shared
// 30s quiet-period de-escalation path.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpmm/pkg/types"
)

// Config holds the per-task thresholds of spec.md §4.2.
type Config struct {
	MaxPriceVelocityBps decimal.Decimal // per second
	MinDepthUSD         decimal.Decimal
	MaxPositionUSD      decimal.Decimal
	MaxFillsPerMinute   int
	MaxSpreadBps        decimal.Decimal
	QuietPeriod         time.Duration // default 30s
	PriceWindow         time.Duration // default 2s
	FillWindow          time.Duration // default 60s
}

// DefaultQuietPeriod is the minimum duration risk must observe no new
// triggers before de-escalating, per spec §4.2 and the GLOSSARY.
const DefaultQuietPeriod = 30 * time.Second

const (
	defaultPriceWindow = 2 * time.Second
	defaultFillWindow  = 60 * time.Second
)

type priceSample struct {
	price decimal.Decimal
	at    time.Time
}

// Guard is the per-task Risk Guard. Evaluate is synchronous and cheap,
// intended to be called on the strategy loop's own goroutine before every
// quote decision — no separate goroutine, no channel hop.
type Guard struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger

	prices      []priceSample
	fillTimes   []time.Time
	depthUSD    decimal.Decimal
	positionUSD decimal.Decimal
	spreadBps   decimal.Decimal

	state            types.RiskState
	lastCriticalAt   time.Time
	lastAnyTriggerAt time.Time
}

// New creates a Risk Guard starting in state Safe.
func New(cfg Config, taskID string, logger *slog.Logger) *Guard {
	if cfg.QuietPeriod == 0 {
		cfg.QuietPeriod = DefaultQuietPeriod
	}
	if cfg.PriceWindow == 0 {
		cfg.PriceWindow = defaultPriceWindow
	}
	if cfg.FillWindow == 0 {
		cfg.FillWindow = defaultFillWindow
	}
	return &Guard{
		cfg:    cfg,
		logger: logger.With("component", "risk", "task_id", taskID),
		state:  types.RiskState{Kind: types.RiskSafe, Since: time.Now()},
	}
}

// RecordPrice appends a price observation to the rolling velocity window.
func (g *Guard) RecordPrice(now time.Time, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices = append(g.prices, priceSample{price: price, at: now})
}

// RecordFill appends a fill timestamp to the rolling fills-per-minute window.
func (g *Guard) RecordFill(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fillTimes = append(g.fillTimes, now)
}

// RecordDepth replaces the latest depth snapshot (spec: "last depth snapshot").
func (g *Guard) RecordDepth(depthUSD decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.depthUSD = depthUSD
}

// RecordPosition replaces the latest position exposure.
func (g *Guard) RecordPosition(positionUSD decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positionUSD = positionUSD
}

// RecordSpread replaces the latest observed spread in bps.
func (g *Guard) RecordSpread(spreadBps decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spreadBps = spreadBps
}

// Current returns the guard's current state without re-evaluating.
func (g *Guard) Current() types.RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Evaluate recomputes the guard's state from its sliding windows and latest
// snapshots. Any threshold exceeded escalates to at least Caution; a
// critical threshold (price velocity, position) escalates to Halt. Halt
// persists until all critical triggers subside and QuietPeriod has elapsed,
// then falls to Caution, then to Safe (spec §4.2).
func (g *Guard) Evaluate(now time.Time) types.RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.evictLocked(now)

	velocity := g.priceVelocityBpsLocked()
	fillsPerMin := g.fillsPerMinuteLocked(now)

	var reasons []string
	critical := false
	caution := false

	if g.cfg.MaxPriceVelocityBps.IsPositive() && velocity.Abs().GreaterThan(g.cfg.MaxPriceVelocityBps) {
		reasons = append(reasons, "price_velocity")
		critical = true
	}
	if g.cfg.MaxPositionUSD.IsPositive() && g.positionUSD.Abs().GreaterThan(g.cfg.MaxPositionUSD) {
		reasons = append(reasons, "position")
		critical = true
	}
	if g.cfg.MinDepthUSD.IsPositive() && g.depthUSD.IsPositive() && g.depthUSD.LessThan(g.cfg.MinDepthUSD) {
		reasons = append(reasons, "depth")
		caution = true
	}
	if g.cfg.MaxFillsPerMinute > 0 && fillsPerMin > g.cfg.MaxFillsPerMinute {
		reasons = append(reasons, "fills_per_minute")
		caution = true
	}
	if g.cfg.MaxSpreadBps.IsPositive() && g.spreadBps.GreaterThan(g.cfg.MaxSpreadBps) {
		reasons = append(reasons, "spread")
		caution = true
	}

	newKind := g.state.Kind
	switch {
	case critical:
		newKind = types.RiskHalt
		g.lastCriticalAt = now
		g.lastAnyTriggerAt = now
	case caution:
		if g.state.Kind == types.RiskHalt {
			if now.Sub(g.lastCriticalAt) >= g.cfg.QuietPeriod {
				newKind = types.RiskCaution
			}
		} else {
			newKind = types.RiskCaution
		}
		g.lastAnyTriggerAt = now
	default:
		switch g.state.Kind {
		case types.RiskHalt:
			if now.Sub(g.lastCriticalAt) >= g.cfg.QuietPeriod {
				newKind = types.RiskCaution
			}
		case types.RiskCaution:
			if now.Sub(g.lastAnyTriggerAt) >= g.cfg.QuietPeriod {
				newKind = types.RiskSafe
			}
		}
	}

	if newKind != g.state.Kind {
		g.logger.Warn("risk state transition", "from", g.state.Kind, "to", newKind, "reasons", reasons)
		g.state = types.RiskState{Kind: newKind, Reasons: reasons, Since: now}
	} else {
		g.state.Reasons = reasons
	}
	return g.state
}

func (g *Guard) evictLocked(now time.Time) {
	cutoffPrice := now.Add(-g.cfg.PriceWindow)
	i := 0
	for ; i < len(g.prices); i++ {
		if g.prices[i].at.After(cutoffPrice) {
			break
		}
	}
	g.prices = g.prices[i:]

	cutoffFill := now.Add(-g.cfg.FillWindow)
	j := 0
	for ; j < len(g.fillTimes); j++ {
		if g.fillTimes[j].After(cutoffFill) {
			break
		}
	}
	g.fillTimes = g.fillTimes[j:]
}

// priceVelocityBpsLocked computes the bps-per-second move between the
// oldest and newest sample still in the window.
func (g *Guard) priceVelocityBpsLocked() decimal.Decimal {
	if len(g.prices) < 2 {
		return decimal.Zero
	}
	oldest := g.prices[0]
	newest := g.prices[len(g.prices)-1]
	if oldest.price.IsZero() {
		return decimal.Zero
	}
	elapsed := newest.at.Sub(oldest.at).Seconds()
	if elapsed <= 0 {
		return decimal.Zero
	}
	bpsChange := newest.price.Sub(oldest.price).Div(oldest.price).Mul(decimal.NewFromInt(10000))
	return bpsChange.Div(decimal.NewFromFloat(elapsed))
}

func (g *Guard) fillsPerMinuteLocked(now time.Time) int {
	cutoff := now.Add(-time.Minute)
	count := 0
	for _, at := range g.fillTimes {
		if at.After(cutoff) {
			count++
		}
	}
	return count
}
