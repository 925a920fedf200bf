package tracker

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpmm/internal/taskerr"
	"perpmm/pkg/types"
)

func newTestTracker(timeout time.Duration) *Tracker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New("task-1", timeout, logger)
}

func testRequest() types.PlaceOrderRequest {
	return types.PlaceOrderRequest{
		Qty:   decimal.NewFromFloat(0.2),
		Price: decimal.NewFromFloat(49975.00),
	}
}

func TestCreatePendingRejectsDuplicateID(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(time.Minute)

	id, err := tr.CreatePending(testRequest(), "BTC-USD", types.Buy, 0, 5, "client-chosen")
	if err != nil {
		t.Fatalf("first CreatePending: %v", err)
	}
	if id != "client-chosen" {
		t.Fatalf("id = %q, want %q", id, "client-chosen")
	}

	if _, err := tr.CreatePending(testRequest(), "BTC-USD", types.Buy, 0, 5, "client-chosen"); err != ErrDuplicateID {
		t.Errorf("second CreatePending err = %v, want ErrDuplicateID", err)
	}
}

func TestCreatePendingGeneratesUniqueIDs(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(time.Minute)

	id1, err := tr.CreatePending(testRequest(), "BTC-USD", types.Buy, 0, 5, "")
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	id2, err := tr.CreatePending(testRequest(), "BTC-USD", types.Sell, 0, 5, "")
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	if id1 == id2 {
		t.Errorf("generated ids collided: %q", id1)
	}
}

func TestFullLifecycle(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(time.Minute)

	id, err := tr.CreatePending(testRequest(), "BTC-USD", types.Buy, 0, 5, "")
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	if err := tr.MarkSent(id); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if needCancel, err := tr.HandleAck(id, "ex-1"); err != nil || needCancel {
		t.Fatalf("HandleAck: needCancel=%v err=%v", needCancel, err)
	}

	o, ok := tr.Get(id)
	if !ok || o.State != types.StateAcknowledged {
		t.Fatalf("state after ack = %v, want Acknowledged", o.State)
	}

	if err := tr.HandleFill("ex-1", decimal.NewFromFloat(0.05)); err != nil {
		t.Fatalf("HandleFill: %v", err)
	}
	o, _ = tr.Get(id)
	if o.State != types.StatePartiallyFilled {
		t.Fatalf("state after partial fill = %v, want PartiallyFilled", o.State)
	}
	if !o.Remaining().Equal(decimal.NewFromFloat(0.15)) {
		t.Fatalf("remaining = %v, want 0.15", o.Remaining())
	}

	if err := tr.HandleFill("ex-1", decimal.NewFromFloat(0.15)); err != nil {
		t.Fatalf("HandleFill: %v", err)
	}
	o, _ = tr.Get(id)
	if o.State != types.StateFilled {
		t.Fatalf("state after full fill = %v, want Filled", o.State)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(time.Minute)

	id, _ := tr.CreatePending(testRequest(), "BTC-USD", types.Buy, 0, 5, "")
	_ = tr.MarkSent(id)
	_, _ = tr.HandleAck(id, "ex-2")
	if err := tr.MarkCancelling(id); err != nil {
		t.Fatalf("MarkCancelling: %v", err)
	}
	if err := tr.HandleCancelAck(id); err != nil {
		t.Fatalf("HandleCancelAck: %v", err)
	}

	// Spec §8 S6: cancelling an already-Cancelled order succeeds and leaves
	// state unchanged.
	if err := tr.MarkCancelling(id); err != nil {
		t.Fatalf("MarkCancelling on cancelled order: %v", err)
	}
	if err := tr.HandleCancelAck(id); err != nil {
		t.Fatalf("HandleCancelAck on cancelled order: %v", err)
	}
	o, _ := tr.Get(id)
	if o.State != types.StateCancelled {
		t.Fatalf("state = %v, want Cancelled", o.State)
	}
}

func TestAckDuringCancellingRequestsFollowupCancel(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(time.Minute)

	id, _ := tr.CreatePending(testRequest(), "BTC-USD", types.Buy, 0, 5, "")
	_ = tr.MarkSent(id)
	_, _ = tr.HandleAck(id, "ex-3")
	if err := tr.MarkCancelling(id); err != nil {
		t.Fatalf("MarkCancelling: %v", err)
	}

	// A second, late ack for the same order (race) must signal a follow-up
	// cancel rather than silently reverting to Acknowledged.
	needCancel, err := tr.HandleAck(id, "ex-3")
	if err != nil {
		t.Fatalf("HandleAck during Cancelling: %v", err)
	}
	if !needCancel {
		t.Errorf("needCancel = false, want true for ack-race during Cancelling")
	}
}

func TestCheckTimeoutsFailsStaleSentOrders(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(10 * time.Millisecond)

	id, _ := tr.CreatePending(testRequest(), "BTC-USD", types.Buy, 0, 5, "")
	if err := tr.MarkSent(id); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	failed := tr.CheckTimeouts(time.Now())
	if len(failed) != 1 || failed[0] != id {
		t.Fatalf("CheckTimeouts = %v, want [%s]", failed, id)
	}

	o, _ := tr.Get(id)
	if o.State != types.StateFailed {
		t.Fatalf("state = %v, want Failed", o.State)
	}
}

func TestUnknownFillIsIgnoredNotPanicking(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(time.Minute)

	if err := tr.HandleFill("does-not-exist", decimal.NewFromFloat(1)); err != nil {
		t.Fatalf("HandleFill on unknown id returned error: %v", err)
	}
}

func TestIllegalTransitionIsInvariantError(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(time.Minute)

	id, _ := tr.CreatePending(testRequest(), "BTC-USD", types.Buy, 0, 5, "")
	// Acking before MarkSent is illegal: Pending can't go straight to Acknowledged.
	if _, err := tr.HandleAck(id, "ex-4"); !taskerr.Is(err, taskerr.KindInvariant) {
		t.Errorf("err = %v, want KindInvariant", err)
	}
}

func TestOpenOrdersExcludesTerminalStates(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(time.Minute)

	sentID, _ := tr.CreatePending(testRequest(), "BTC-USD", types.Buy, 0, 5, "")
	_ = tr.MarkSent(sentID)

	filledID, _ := tr.CreatePending(testRequest(), "BTC-USD", types.Sell, 0, 5, "")
	_ = tr.MarkSent(filledID)
	_, _ = tr.HandleAck(filledID, "ex-5")
	_ = tr.HandleFill("ex-5", decimal.NewFromFloat(0.2))

	open := tr.OpenOrders()
	if len(open) != 1 || open[0].ClOrdID != sentID {
		t.Fatalf("OpenOrders = %v, want only %s", open, sentID)
	}
}
