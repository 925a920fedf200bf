// Package tracker implements the Order Tracker of spec.md §4.1: a per-task,
// in-memory table of client-order-ids carrying the lifecycle state machine,
// a secondary exchange-order-id index for unsolicited stream dispatch, and
// timeout detection. It is strictly task-local — callers never share one
// Tracker across tasks (spec §5).
package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perpmm/internal/taskerr"
	"perpmm/pkg/types"
)

// ErrDuplicateID is returned by CreatePending when a caller-supplied
// cl_ord_id already exists in the table.
var ErrDuplicateID = errors.New("duplicate cl_ord_id")

// Tracker is the Order Tracker for one task.
type Tracker struct {
	mu           sync.Mutex
	taskID       string
	sentTimeout  time.Duration
	orders       map[string]*types.TrackedOrder // keyed by cl_ord_id
	byExchangeID map[string]string              // exchange_order_id -> cl_ord_id
	logger       *slog.Logger
}

// New creates an empty Tracker for one task. sentTimeout is the configured
// timeout after which a still-Sent order is failed by CheckTimeouts.
func New(taskID string, sentTimeout time.Duration, logger *slog.Logger) *Tracker {
	return &Tracker{
		taskID:       taskID,
		sentTimeout:  sentTimeout,
		orders:       make(map[string]*types.TrackedOrder),
		byExchangeID: make(map[string]string),
		logger:       logger.With("component", "tracker", "task_id", taskID),
	}
}

// CreatePending inserts a new order in state Pending. If clOrdID is empty a
// fresh globally-unique id is generated; if non-empty and already present,
// ErrDuplicateID is returned (the idempotency guarantee of spec §8.1).
func (t *Tracker) CreatePending(req types.PlaceOrderRequest, symbol string, side types.Side, tier, bpsOffset int, clOrdID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if clOrdID == "" {
		clOrdID = uuid.NewString()
	} else if _, exists := t.orders[clOrdID]; exists {
		return "", ErrDuplicateID
	}

	now := time.Now()
	t.orders[clOrdID] = &types.TrackedOrder{
		ClOrdID:           clOrdID,
		TaskID:            t.taskID,
		Symbol:            symbol,
		Side:              side,
		Tier:              tier,
		BpsOffset:         bpsOffset,
		Qty:               req.Qty,
		Price:             req.Price,
		State:             types.StatePending,
		CreatedAt:         now,
		LastTransitionAt:  now,
		FilledQty:         decimal.Zero,
	}
	return clOrdID, nil
}

// MarkSent transitions Pending -> Sent and stamps sent_at.
func (t *Tracker) MarkSent(clOrdID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, err := t.mustGetLocked(clOrdID)
	if err != nil {
		return err
	}
	if o.State != types.StatePending {
		return t.illegalLocked(o, types.StateSent)
	}
	now := time.Now()
	o.State = types.StateSent
	o.SentAt = now
	o.LastTransitionAt = now
	return nil
}

// HandleAck transitions Sent -> Acknowledged and registers the secondary
// index. If the local state has already moved to Cancelling (an ack-race,
// spec §4.5), needFollowupCancel is true: the caller must issue a cancel to
// the exchange using the now-known exchange_order_id.
func (t *Tracker) HandleAck(clOrdID, exchangeOrderID string) (needFollowupCancel bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, err := t.mustGetLocked(clOrdID)
	if err != nil {
		return false, err
	}

	o.ExchangeOrderID = exchangeOrderID
	t.byExchangeID[exchangeOrderID] = clOrdID

	switch o.State {
	case types.StateSent:
		o.State = types.StateAcknowledged
		o.LastTransitionAt = time.Now()
		return false, nil
	case types.StateCancelling:
		// Ack arrived after we'd already decided to cancel locally; the
		// exchange now knows this order, so a cancel must still be sent.
		return true, nil
	default:
		return false, t.illegalLocked(o, types.StateAcknowledged)
	}
}

// HandleFill reduces remaining qty for the order addressed by
// exchange_order_id, moving it to PartiallyFilled or Filled. Unknown
// exchange_order_ids are logged and ignored, never panicking (spec §4.1).
func (t *Tracker) HandleFill(exchangeOrderID string, fillQty decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	clOrdID, ok := t.byExchangeID[exchangeOrderID]
	if !ok {
		t.logger.Warn("fill for unknown exchange_order_id, ignoring", "exchange_order_id", exchangeOrderID)
		return nil
	}
	o := t.orders[clOrdID]
	if o == nil {
		t.logger.Warn("fill references evicted order, ignoring", "exchange_order_id", exchangeOrderID)
		return nil
	}

	o.FilledQty = o.FilledQty.Add(fillQty)
	if o.FilledQty.GreaterThanOrEqual(o.Qty) {
		o.FilledQty = o.Qty
		o.State = types.StateFilled
	} else if o.FilledQty.IsPositive() {
		o.State = types.StatePartiallyFilled
	}
	o.LastTransitionAt = time.Now()
	return nil
}

// MarkCancelling transitions Acknowledged|PartiallyFilled -> Cancelling.
func (t *Tracker) MarkCancelling(clOrdID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, err := t.mustGetLocked(clOrdID)
	if err != nil {
		return err
	}
	switch o.State {
	case types.StateAcknowledged, types.StatePartiallyFilled:
		o.State = types.StateCancelling
		o.LastTransitionAt = time.Now()
		return nil
	case types.StateCancelling, types.StateCancelled:
		// Idempotent cancel (spec §8 S6): no-op, not an error.
		return nil
	default:
		return t.illegalLocked(o, types.StateCancelling)
	}
}

// HandleCancelAck transitions Cancelling -> Cancelled. Already-Cancelled is
// a no-op (idempotent cancel, spec §8 S6).
func (t *Tracker) HandleCancelAck(clOrdID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, err := t.mustGetLocked(clOrdID)
	if err != nil {
		return err
	}
	if o.State == types.StateCancelled {
		return nil
	}
	if o.State != types.StateCancelling {
		return t.illegalLocked(o, types.StateCancelled)
	}
	o.State = types.StateCancelled
	o.LastTransitionAt = time.Now()
	return nil
}

// MarkFailed forces an order into Failed from any non-terminal state,
// recording reason for later inspection. Used by the strategy loop on failed
// placements and on rejects from the order stream.
func (t *Tracker) MarkFailed(clOrdID, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, err := t.mustGetLocked(clOrdID)
	if err != nil {
		return err
	}
	if o.State.Terminal() {
		return nil
	}
	o.State = types.StateFailed
	o.LastError = reason
	o.LastTransitionAt = time.Now()
	return nil
}

// CheckTimeouts fails every order that has been Sent longer than
// sentTimeout, returning the cl_ord_ids that transitioned.
func (t *Tracker) CheckTimeouts(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var failed []string
	for id, o := range t.orders {
		if o.State == types.StateSent && now.Sub(o.SentAt) > t.sentTimeout {
			o.State = types.StateFailed
			o.LastError = "timeout"
			o.LastTransitionAt = now
			failed = append(failed, id)
			t.logger.Warn("order timed out in Sent", "cl_ord_id", id)
		}
	}
	return failed
}

// OpenOrders returns copies of every order in Sent, Acknowledged,
// PartiallyFilled, or Cancelling.
func (t *Tracker) OpenOrders() []types.TrackedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.TrackedOrder, 0, len(t.orders))
	for _, o := range t.orders {
		if o.State.Open() {
			out = append(out, *o)
		}
	}
	return out
}

// Get returns a copy of the tracked order for clOrdID.
func (t *Tracker) Get(clOrdID string) (types.TrackedOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[clOrdID]
	if !ok {
		return types.TrackedOrder{}, false
	}
	return *o, true
}

// ByExchangeOrderID resolves an exchange_order_id to its cl_ord_id.
func (t *Tracker) ByExchangeOrderID(exchangeOrderID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byExchangeID[exchangeOrderID]
	return id, ok
}

// All returns copies of every tracked order, regardless of state.
func (t *Tracker) All() []types.TrackedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.TrackedOrder, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, *o)
	}
	return out
}

func (t *Tracker) mustGetLocked(clOrdID string) (*types.TrackedOrder, error) {
	o, ok := t.orders[clOrdID]
	if !ok {
		return nil, taskerr.Invariant("tracker", fmt.Errorf("unknown cl_ord_id %q", clOrdID))
	}
	return o, nil
}

func (t *Tracker) illegalLocked(o *types.TrackedOrder, to types.OrderState) error {
	err := taskerr.Invariant("tracker", fmt.Errorf("illegal transition %s -> %s for %s", o.State, to, o.ClOrdID))
	t.logger.Error("illegal order transition", "cl_ord_id", o.ClOrdID, "from", o.State, "to", to)
	return err
}
