// Package types defines the shared data structures used across all packages
// of the market-making core — symbol snapshots, task configuration, tracked
// orders, risk state, and the adapter request/response DTOs. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: Buy or Sell.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// TimeInForce enumerates order lifetimes. The core only ever requests
// PostOnly quotes; GTC is kept for adapter-level completeness.
type TimeInForce string

const (
	TIFPostOnly TimeInForce = "POST_ONLY"
	TIFGTC      TimeInForce = "GTC"
)

// RiskProfile selects the ladder depth and capital utilisation for a task.
type RiskProfile string

const (
	RiskLow   RiskProfile = "low"
	RiskMed   RiskProfile = "medium"
	RiskHigh  RiskProfile = "high"
	RiskXHigh RiskProfile = "xhigh"
)

// bpsBands is the fixed per-profile ladder table (spec §4.5).
var bpsBands = map[RiskProfile][]int{
	RiskLow:   {5, 10, 15, 20, 30},
	RiskMed:   {5, 10, 15},
	RiskHigh:  {5, 10},
	RiskXHigh: {5},
}

// utilisation is the fraction of task budget committed per order, by
// profile (spec §3: utilisation ∈ {10%,20%,30%,40%}; spec §8 S1 pins
// profile "high" at budget_usd=50000, mark=50000 to base_qty 0.2, i.e.
// high=20%).
var utilisation = map[RiskProfile]decimal.Decimal{
	RiskLow:   decimal.NewFromFloat(0.10),
	RiskMed:   decimal.NewFromFloat(0.30),
	RiskHigh:  decimal.NewFromFloat(0.20),
	RiskXHigh: decimal.NewFromFloat(0.40),
}

// BpsBand returns the bps-offset ladder for a risk profile. The returned
// slice is never mutated by callers; it is the canonical table.
func (p RiskProfile) BpsBand() []int {
	return bpsBands[p]
}

// Tiers returns the ladder depth for a risk profile.
func (p RiskProfile) Tiers() int {
	return len(bpsBands[p])
}

// Utilisation returns the fraction of budget_usd committed to base_qty.
func (p RiskProfile) Utilisation() decimal.Decimal {
	u, ok := utilisation[p]
	if !ok {
		return decimal.Zero
	}
	return u
}

// Valid reports whether p is one of the four known profiles.
func (p RiskProfile) Valid() bool {
	_, ok := bpsBands[p]
	return ok
}

// OrderState is the Order Tracker's state-machine position for one order.
type OrderState string

const (
	StatePending         OrderState = "Pending"
	StateSent            OrderState = "Sent"
	StateAcknowledged    OrderState = "Acknowledged"
	StatePartiallyFilled OrderState = "PartiallyFilled"
	StateCancelling      OrderState = "Cancelling"
	StateFilled          OrderState = "Filled"
	StateCancelled       OrderState = "Cancelled"
	StateFailed          OrderState = "Failed"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// Open reports whether an order in this state counts toward open_orders().
func (s OrderState) Open() bool {
	switch s {
	case StateSent, StateAcknowledged, StatePartiallyFilled, StateCancelling:
		return true
	default:
		return false
	}
}

// RiskKind is the three-valued output of the Risk Guard.
type RiskKind string

const (
	RiskSafe    RiskKind = "Safe"
	RiskCaution RiskKind = "Caution"
	RiskHalt    RiskKind = "Halt"
)

// TaskStatusKind is the Task Supervisor's lifecycle status for one task.
type TaskStatusKind string

const (
	TaskInit     TaskStatusKind = "Init"
	TaskStarting TaskStatusKind = "Starting"
	TaskRunning  TaskStatusKind = "Running"
	TaskStopping TaskStatusKind = "Stopping"
	TaskStopped  TaskStatusKind = "Stopped"
	TaskFailed   TaskStatusKind = "Failed"
)

// ConnKind is the Market-Data Hub's reconnection state.
type ConnKind string

const (
	ConnConnected    ConnKind = "Connected"
	ConnDisconnected ConnKind = "Disconnected"
	ConnPaused       ConnKind = "Paused"
)

// ————————————————————————————————————————————————————————————————————————
// Data model (spec §3)
// ————————————————————————————————————————————————————————————————————————

// SymbolSnapshot is the Hub's latest-value payload for one symbol. Immutable
// once published; the Hub overwrites, never mutates, an existing snapshot.
type SymbolSnapshot struct {
	Symbol    string
	Mark      decimal.Decimal
	Index     decimal.Decimal
	Last      *decimal.Decimal
	Mid       *decimal.Decimal
	SpreadBid *decimal.Decimal
	SpreadAsk *decimal.Decimal
	DepthUSD  decimal.Decimal
	Time      time.Time
}

// ConnState is the Hub's second latest-value channel payload.
type ConnState struct {
	Kind       ConnKind
	RetryCount int
}

// DerivedParams are computed once at task construction from RiskProfile and
// BudgetUSD (spec §3 "Derivation").
type DerivedParams struct {
	Tiers   int
	BaseQty decimal.Decimal
	BpsBand []int
}

// DeriveParams computes DerivedParams for a task: tiers and bps_band come
// straight from the risk profile table; base_qty = budget_usd ×
// utilisation(profile) / mark.
func DeriveParams(profile RiskProfile, budgetUSD, mark decimal.Decimal) DerivedParams {
	band := append([]int(nil), profile.BpsBand()...)
	d := DerivedParams{Tiers: profile.Tiers(), BpsBand: band}
	if mark.IsZero() {
		d.BaseQty = decimal.Zero
		return d
	}
	d.BaseQty = budgetUSD.Mul(profile.Utilisation()).Div(mark)
	return d
}

// TaskConfiguration is the declarative input to Supervisor.Spawn.
type TaskConfiguration struct {
	TaskID      string
	Symbol      string
	AccountRef  string
	RiskProfile RiskProfile
	BudgetUSD   decimal.Decimal
	TickSize    decimal.Decimal
	Derived     DerivedParams

	// Tuning constants surfaced per spec §9 Open Questions.
	RefreshInterval      time.Duration
	FillCooldown         time.Duration
	SentTimeout          time.Duration
	StopDeadline         time.Duration
	ClosePositionsOnStop bool
	TPPrice              *decimal.Decimal
	SLPrice              *decimal.Decimal
}

// CredentialBundle resolves a task's AccountRef to exchange credentials. The
// wallet key never appears here decoded — only through the Signer capability.
type CredentialBundle struct {
	Chain                  string
	WalletAddress          string
	WalletPrivateKeyHandle string
	JWT                    string
	JWTExpiresAt           time.Time
	SessionKeyPath         string
}

// TrackedOrder is the Order Tracker's row for one cl_ord_id.
type TrackedOrder struct {
	ClOrdID         string
	TaskID          string
	Symbol          string
	Side            Side
	Tier            int
	BpsOffset       int
	Qty             decimal.Decimal
	Price           decimal.Decimal
	State           OrderState
	CreatedAt       time.Time
	LastTransitionAt time.Time
	SentAt          time.Time
	FilledQty       decimal.Decimal
	ExchangeOrderID string
	LastError       string
}

// Remaining returns the unfilled quantity.
func (t TrackedOrder) Remaining() decimal.Decimal {
	return t.Qty.Sub(t.FilledQty)
}

// RiskState is the Risk Guard's current evaluation for a task.
type RiskState struct {
	Kind    RiskKind
	Reasons []string
	Since   time.Time
}

// TaskStatus is the Supervisor's authoritative record of a task's lifecycle.
type TaskStatus struct {
	Kind TaskStatusKind
	Msg  string
}

// TaskStatusEvent flows from a task to the front-end through the status sink
// (spec §7 "user-visible behaviour").
type TaskStatusEvent struct {
	TaskID string
	Status TaskStatus
	Time   time.Time
}

// TaskOutcome summarizes one task's terminal state for the shutdown summary.
type TaskOutcome struct {
	TaskID           string
	Status           TaskStatus
	OrdersCancelled  int
	OrdersAborted    int
}

// ShutdownSummary is returned by Supervisor.ShutdownAndWait.
type ShutdownSummary struct {
	Tasks []TaskOutcome
}

// ————————————————————————————————————————————————————————————————————————
// Adapter contract DTOs (spec §6)
// ————————————————————————————————————————————————————————————————————————

// PlaceOrderRequest is the input to Adapter.PlaceOrder.
type PlaceOrderRequest struct {
	Symbol      string
	Side        Side
	Type        TimeInForce
	Qty         decimal.Decimal
	Price       decimal.Decimal
	ReduceOnly  bool
	ClOrdID     string
	TPPrice     *decimal.Decimal
	SLPrice     *decimal.Decimal
}

// OrderAck is the output of Adapter.PlaceOrder.
type OrderAck struct {
	ClOrdID         string
	ExchangeOrderID string
}

// CancelRequest identifies an order to cancel by either id.
type CancelRequest struct {
	ClOrdID         string
	ExchangeOrderID string
}

// CancelAck is the output of Adapter.CancelOrder. NotFound is informational
// only per spec §6 — it is not an error.
type CancelAck struct {
	ClOrdID         string
	ExchangeOrderID string
	NotFound        bool
}

// OpenOrder is one row returned by Adapter.QueryOpenOrders, used only at
// startup reconciliation.
type OpenOrder struct {
	Symbol          string
	Side            Side
	Qty             decimal.Decimal
	Price           decimal.Decimal
	FilledQty       decimal.Decimal
	ExchangeOrderID string
	ClOrdID         string
}

// Position is one row returned by Adapter.QueryPositions.
type Position struct {
	Symbol   string
	Qty      decimal.Decimal
	EntryPx  decimal.Decimal
	MarkPx   decimal.Decimal
	UPnL     decimal.Decimal
}

// AuthResult is the output of Adapter.Authenticate.
type AuthResult struct {
	JWT       string
	ExpiresAt time.Time
}

// StreamKind selects which upstream stream Adapter.Stream opens.
type StreamKind string

const (
	StreamMarket StreamKind = "market"
	StreamOrders StreamKind = "orders"
)

// OrderEventKind enumerates the unsolicited order-lifecycle events the
// orders stream delivers, dispatched by the Hub to the addressed task.
type OrderEventKind string

const (
	OrderEventAck        OrderEventKind = "ack"
	OrderEventFill       OrderEventKind = "fill"
	OrderEventCancelAck  OrderEventKind = "cancel_ack"
	OrderEventReject     OrderEventKind = "reject"
)

// OrderEvent is a single message off the orders stream, already decoded and
// keyed by ExchangeOrderID for Order Tracker dispatch (spec §4.3). TaskID
// identifies the owning task for the Hub's task-keyed dispatch.
type OrderEvent struct {
	TaskID          string
	Kind            OrderEventKind
	ExchangeOrderID string
	ClOrdID         string
	FillQty         decimal.Decimal
	Reason          string
	Time            time.Time
}

// StreamMessage is the union type delivered by Adapter.Stream: exactly one
// of Snapshot / OrderEvt is set per message.
type StreamMessage struct {
	Snapshot  *SymbolSnapshot
	OrderEvt  *OrderEvent
}
