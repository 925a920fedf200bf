// Package strategy implements the per-task Strategy Loop of spec.md §4.5: a
// single-threaded cooperative loop that quotes a fixed-bps ladder around
// the Hub's latest mark, reconciles tracked orders against the desired
// ladder every refresh tick or price change, and gates all new placements
// on the Risk Guard. Grounded on the teacher's Avellaneda-Stoikov loop
// (internal/strategy/maker.go: Run's ctx/tradeCh/orderCh/ticker select, and
// reconcileOrders' diff-cancel-place pattern), generalized from a
// dynamically-priced binary-market quote pair to a fixed-bps multi-tier
// ladder on a linear perpetual.
package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perpmm/internal/adapter"
	"perpmm/internal/hub"
	"perpmm/internal/risk"
	"perpmm/internal/taskerr"
	"perpmm/internal/tracker"
	"perpmm/pkg/types"
)

const (
	defaultRefreshInterval = 4 * time.Second
	driftToleranceBps      = 1
	uptimeToleranceBps     = 10
	placeRetryAttempts     = 3
	placeRetryBaseDelay    = 200 * time.Millisecond
)

type quoteKey struct {
	side types.Side
	tier int
}

// Loop is the Strategy Loop for one task.
type Loop struct {
	cfg         types.TaskConfiguration
	adapter     adapter.Adapter
	tracker     *tracker.Tracker
	guard       *risk.Guard
	priceSlot   *hub.LatestValue[types.SymbolSnapshot]
	connSlot    *hub.LatestValue[types.ConnState]
	orderEvents <-chan types.OrderEvent
	statusSink  chan<- types.TaskStatusEvent
	logger      *slog.Logger

	cooldownUntil map[quoteKey]time.Time
	netQty        decimal.Decimal
	uptimeSeconds int
}

// New builds a Strategy Loop. The caller owns wiring priceSlot/connSlot from
// a shared Hub, orderEvents from the Hub's per-task registry, and a fresh
// Tracker/Guard scoped to this task alone.
func New(
	cfg types.TaskConfiguration,
	ad adapter.Adapter,
	trk *tracker.Tracker,
	guard *risk.Guard,
	priceSlot *hub.LatestValue[types.SymbolSnapshot],
	connSlot *hub.LatestValue[types.ConnState],
	orderEvents <-chan types.OrderEvent,
	statusSink chan<- types.TaskStatusEvent,
	logger *slog.Logger,
) *Loop {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	return &Loop{
		cfg:           cfg,
		adapter:       ad,
		tracker:       trk,
		guard:         guard,
		priceSlot:     priceSlot,
		connSlot:      connSlot,
		orderEvents:   orderEvents,
		statusSink:    statusSink,
		logger:        logger.With("component", "strategy", "task_id", cfg.TaskID),
		cooldownUntil: make(map[quoteKey]time.Time),
	}
}

// Run is the main cooperative loop. Blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.RefreshInterval)
	defer ticker.Stop()

	priceCh := watchLatest(ctx, l.priceSlot)
	connCh := watchLatest(ctx, l.connSlot)

	l.logger.Info("strategy loop started", "symbol", l.cfg.Symbol, "tiers", l.cfg.Derived.Tiers)

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return

		case ev, ok := <-l.orderEvents:
			if ok {
				l.handleOrderEvent(ev)
			}

		case <-connCh:
			l.handleConnectionChange(context.Background())

		case <-priceCh:
			l.evaluate(ctx)

		case <-ticker.C:
			l.evaluate(ctx)
		}
	}
}

// watchLatest relays every Wait wakeup of lv into a coalescing size-1
// channel, so Run's select can treat "value changed" as one more case
// alongside the timer and cancellation — without the business logic ever
// running on any goroutine but Run's own.
func watchLatest[T any](ctx context.Context, lv *hub.LatestValue[T]) <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		for {
			if _, ok := lv.Wait(ctx); !ok {
				return
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch
}

// handleConnectionChange implements spec §4.5 step 3: on Paused or
// Disconnected, cancel everything and park; new orders resume only once
// evaluate observes Connected again.
func (l *Loop) handleConnectionChange(ctx context.Context) {
	state, ok := l.connSlot.Get()
	if !ok || state.Kind == types.ConnConnected {
		return
	}
	l.logger.Warn("hub connection degraded, cancelling open orders", "state", state.Kind)
	l.cancelAllLive(ctx)
}

// evaluate is spec §4.5 step 4: the per-tick/per-price-change quoting pass.
func (l *Loop) evaluate(ctx context.Context) {
	snap, ok := l.priceSlot.Get()
	if !ok {
		return
	}
	if connState, ok := l.connSlot.Get(); ok && connState.Kind != types.ConnConnected {
		return
	}

	now := time.Now()
	mid := snap.Mark
	if snap.Mid != nil {
		mid = *snap.Mid
	}

	l.guard.RecordPrice(now, mid)
	l.guard.RecordDepth(snap.DepthUSD)
	l.guard.RecordPosition(l.netQty.Mul(mid).Abs())
	if snap.SpreadBid != nil && snap.SpreadAsk != nil && !mid.IsZero() {
		spread := snap.SpreadAsk.Sub(*snap.SpreadBid)
		l.guard.RecordSpread(spread.Div(mid).Mul(decimal.NewFromInt(10000)).Abs())
	}

	riskState := l.guard.Evaluate(now)
	if riskState.Kind == types.RiskHalt {
		l.cancelAllLive(ctx)
		return
	}

	desired := l.desiredLadder(mid)
	l.reconcile(ctx, desired)
	l.updateUptime(mid)
}

// desiredLadder builds the symmetric bps-offset ladder of spec §4.5,
// skipping any tier/side currently in its post-full-fill cooldown.
func (l *Loop) desiredLadder(mid decimal.Decimal) map[quoteKey]decimal.Decimal {
	desired := make(map[quoteKey]decimal.Decimal, l.cfg.Derived.Tiers*2)
	now := time.Now()

	for tier, bps := range l.cfg.Derived.BpsBand {
		offset := decimal.NewFromInt(int64(bps)).Div(decimal.NewFromInt(10000))

		bidKey := quoteKey{types.Buy, tier}
		if until, cooling := l.cooldownUntil[bidKey]; !cooling || now.After(until) {
			price := mid.Mul(decimal.NewFromInt(1).Sub(offset))
			desired[bidKey] = adapter.RoundToTick(price, l.cfg.TickSize, types.Buy)
		}

		askKey := quoteKey{types.Sell, tier}
		if until, cooling := l.cooldownUntil[askKey]; !cooling || now.After(until) {
			price := mid.Mul(decimal.NewFromInt(1).Add(offset))
			desired[askKey] = adapter.RoundToTick(price, l.cfg.TickSize, types.Sell)
		}
	}
	return desired
}

// reconcile diffs the desired ladder against tracked live orders: drifted
// or no-longer-desired orders are cancelled, unmatched desired tiers get a
// full-size new order, and a tier resting at less than base_qty (a partial
// fill) gets a replenishing order for the shortfall (spec §4.5 step 4: "a
// replacement quote for the filled portion is placed at the next
// evaluation"). Orders already Cancelling are left alone.
func (l *Loop) reconcile(ctx context.Context, desired map[quoteKey]decimal.Decimal) {
	tierLive := make(map[quoteKey]bool, len(desired))
	tierRemaining := make(map[quoteKey]decimal.Decimal, len(desired))

	for _, o := range l.tracker.OpenOrders() {
		if !isLive(o.State) {
			continue
		}
		key := quoteKey{o.Side, o.Tier}
		price, want := desired[key]
		if want && withinDriftBps(o.Price, price, driftToleranceBps) {
			tierLive[key] = true
			tierRemaining[key] = tierRemaining[key].Add(o.Remaining())
			continue
		}
		l.issueCancel(ctx, o.ClOrdID)
	}

	for key, price := range desired {
		if !tierLive[key] {
			l.issuePlace(ctx, key, price, l.cfg.Derived.BaseQty)
			continue
		}
		shortfall := l.cfg.Derived.BaseQty.Sub(tierRemaining[key])
		if shortfall.IsPositive() {
			l.issuePlace(ctx, key, price, shortfall)
		}
	}
}

func (l *Loop) issuePlace(ctx context.Context, key quoteKey, price, qty decimal.Decimal) {
	clOrdID, err := l.tracker.CreatePending(types.PlaceOrderRequest{Qty: qty, Price: price}, l.cfg.Symbol, key.side, key.tier, l.cfg.Derived.BpsBand[key.tier], "")
	if err != nil {
		l.logger.Error("create_pending failed", "error", err)
		return
	}

	req := types.PlaceOrderRequest{
		Symbol:  l.cfg.Symbol,
		Side:    key.side,
		Type:    types.TIFPostOnly,
		Qty:     qty,
		Price:   price,
		ClOrdID: clOrdID,
		TPPrice: l.cfg.TPPrice,
		SLPrice: l.cfg.SLPrice,
	}
	if err := l.tracker.MarkSent(clOrdID); err != nil {
		l.logger.Error("mark_sent failed", "cl_ord_id", clOrdID, "error", err)
		return
	}

	ack, err := l.placeWithRetry(ctx, req)
	if err != nil {
		_ = l.tracker.MarkFailed(clOrdID, err.Error())
		l.logger.Warn("place_order failed", "cl_ord_id", clOrdID, "error", err)
		return
	}

	needCancel, err := l.tracker.HandleAck(clOrdID, ack.ExchangeOrderID)
	if err != nil {
		l.logger.Error("handle_ack failed", "cl_ord_id", clOrdID, "error", err)
		return
	}
	if needCancel {
		l.issueCancel(ctx, clOrdID)
	}
}

// placeWithRetry retries transient Transport/Auth errors with exponential
// backoff up to placeRetryAttempts, per spec §4.5 failure semantics.
func (l *Loop) placeWithRetry(ctx context.Context, req types.PlaceOrderRequest) (types.OrderAck, error) {
	delay := placeRetryBaseDelay
	var lastErr error
	for attempt := 0; attempt < placeRetryAttempts; attempt++ {
		ack, err := l.adapter.PlaceOrder(ctx, req)
		if err == nil {
			return ack, nil
		}
		lastErr = err
		if !isTransient(err) {
			return types.OrderAck{}, err
		}
		select {
		case <-ctx.Done():
			return types.OrderAck{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return types.OrderAck{}, lastErr
}

func isTransient(err error) bool {
	return taskerr.Is(err, taskerr.KindTransport) || taskerr.Is(err, taskerr.KindAuth)
}

func (l *Loop) issueCancel(ctx context.Context, clOrdID string) {
	if err := l.tracker.MarkCancelling(clOrdID); err != nil {
		l.logger.Warn("mark_cancelling failed", "cl_ord_id", clOrdID, "error", err)
		return
	}
	o, ok := l.tracker.Get(clOrdID)
	if !ok {
		return
	}
	_, err := l.adapter.CancelOrder(ctx, types.CancelRequest{ClOrdID: clOrdID, ExchangeOrderID: o.ExchangeOrderID})
	if err != nil {
		l.logger.Warn("cancel_order failed", "cl_ord_id", clOrdID, "error", err)
		return
	}
	// NotFound is informational (spec §6): either way the order is gone.
	_ = l.tracker.HandleCancelAck(clOrdID)
}

func (l *Loop) cancelAllLive(ctx context.Context) {
	for _, o := range l.tracker.OpenOrders() {
		if isLive(o.State) {
			l.issueCancel(ctx, o.ClOrdID)
		}
	}
}

// handleOrderEvent applies one unsolicited stream event to the tracker.
func (l *Loop) handleOrderEvent(ev types.OrderEvent) {
	switch ev.Kind {
	case types.OrderEventAck:
		clOrdID := l.resolveClOrdID(ev)
		needCancel, err := l.tracker.HandleAck(clOrdID, ev.ExchangeOrderID)
		if err != nil {
			l.logger.Warn("handle_ack from stream failed", "cl_ord_id", clOrdID, "error", err)
			return
		}
		if needCancel {
			l.issueCancel(context.Background(), clOrdID)
		}

	case types.OrderEventFill:
		clOrdID := l.resolveClOrdID(ev)
		before, _ := l.tracker.Get(clOrdID)
		if err := l.tracker.HandleFill(ev.ExchangeOrderID, ev.FillQty); err != nil {
			l.logger.Warn("handle_fill failed", "exchange_order_id", ev.ExchangeOrderID, "error", err)
			return
		}
		l.guard.RecordFill(time.Now())
		l.applyFillToPosition(before, ev)
		l.maybeStartCooldown(clOrdID, before)

	case types.OrderEventCancelAck:
		clOrdID := l.resolveClOrdID(ev)
		if err := l.tracker.HandleCancelAck(clOrdID); err != nil {
			l.logger.Warn("handle_cancel_ack failed", "cl_ord_id", clOrdID, "error", err)
		}

	case types.OrderEventReject:
		clOrdID := l.resolveClOrdID(ev)
		_ = l.tracker.MarkFailed(clOrdID, ev.Reason)
	}
}

func (l *Loop) resolveClOrdID(ev types.OrderEvent) string {
	if id, ok := l.tracker.ByExchangeOrderID(ev.ExchangeOrderID); ok {
		return id
	}
	return ev.ClOrdID
}

func (l *Loop) applyFillToPosition(before types.TrackedOrder, ev types.OrderEvent) {
	delta := ev.FillQty
	if before.Side == types.Sell {
		delta = delta.Neg()
	}
	l.netQty = l.netQty.Add(delta)
}

// maybeStartCooldown implements spec §4.5's "full fills on a side trigger a
// short per-side cooldown before re-quoting the same tier".
func (l *Loop) maybeStartCooldown(clOrdID string, before types.TrackedOrder) {
	after, ok := l.tracker.Get(clOrdID)
	if !ok || after.State != types.StateFilled {
		return
	}
	key := quoteKey{before.Side, before.Tier}
	l.cooldownUntil[key] = time.Now().Add(l.cfg.FillCooldown)
}

// updateUptime credits a "quoting-active second" when both sides carry at
// least one live order within uptimeToleranceBps of mid (spec §4.5 step 5).
// Credited once per evaluation pass rather than on a literal 1s clock.
func (l *Loop) updateUptime(mid decimal.Decimal) {
	hasBid, hasAsk := false, false
	for _, o := range l.tracker.OpenOrders() {
		if !isLive(o.State) {
			continue
		}
		if !withinDriftBps(o.Price, mid, uptimeToleranceBps) {
			continue
		}
		if o.Side == types.Buy {
			hasBid = true
		} else {
			hasAsk = true
		}
	}
	if hasBid && hasAsk {
		l.uptimeSeconds++
	}
}

// UptimeSeconds returns the accumulated quoting-active count, exposed for
// status reporting.
func (l *Loop) UptimeSeconds() int { return l.uptimeSeconds }

// shutdown implements spec §4.4's per-task stop contract: cancel all
// tracked open orders, optionally close positions, wait for acks up to
// StopDeadline, then report Stopped.
func (l *Loop) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.StopDeadline)
	defer cancel()

	l.emitStatus(types.TaskStopping, "")
	l.cancelAllLive(ctx)
	if l.cfg.ClosePositionsOnStop {
		l.closeAllPositions(ctx)
	} else if !l.netQty.IsZero() {
		l.logger.Warn("non-zero position remains at stop", "net_qty", l.netQty)
	}
	l.waitForCancelAcks(ctx)
	l.emitStatus(types.TaskStopped, "")
}

func (l *Loop) waitForCancelAcks(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(l.tracker.OpenOrders()) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.orderEvents:
			if ok {
				l.handleOrderEvent(ev)
			}
		case <-ticker.C:
		}
	}
}

// closeAllPositions is a best-effort implementation of the optional
// close-all policy (ClosePositionsOnStop, off by default): query current positions and
// submit reduce-only orders at the last mark price. A real exchange may
// instead expose a dedicated close-all endpoint; this core only has
// place/cancel/query, so it builds closing orders from those primitives.
func (l *Loop) closeAllPositions(ctx context.Context) {
	positions, err := l.adapter.QueryPositions(ctx, l.cfg.Symbol)
	if err != nil {
		l.logger.Warn("query_positions for close failed", "error", err)
		return
	}
	for _, p := range positions {
		if p.Qty.IsZero() {
			continue
		}
		side := types.Sell
		if p.Qty.IsNegative() {
			side = types.Buy
		}
		req := types.PlaceOrderRequest{
			Symbol:     l.cfg.Symbol,
			Side:       side,
			Type:       types.TIFGTC,
			Qty:        p.Qty.Abs(),
			Price:      p.MarkPx,
			ReduceOnly: true,
			ClOrdID:    uuid.NewString(),
		}
		if _, err := l.adapter.PlaceOrder(ctx, req); err != nil {
			l.logger.Warn("close_position order failed", "symbol", p.Symbol, "error", err)
		}
	}
}

func (l *Loop) emitStatus(kind types.TaskStatusKind, msg string) {
	if l.statusSink == nil {
		return
	}
	select {
	case l.statusSink <- types.TaskStatusEvent{TaskID: l.cfg.TaskID, Status: types.TaskStatus{Kind: kind, Msg: msg}, Time: time.Now()}:
	default:
		l.logger.Warn("status sink full, dropping event", "kind", kind)
	}
}

func isLive(s types.OrderState) bool {
	switch s {
	case types.StateSent, types.StateAcknowledged, types.StatePartiallyFilled:
		return true
	default:
		return false
	}
}

func withinDriftBps(a, b decimal.Decimal, bps int64) bool {
	if a.IsZero() {
		return b.IsZero()
	}
	diff := a.Sub(b).Abs()
	toleranceBps := diff.Div(a).Mul(decimal.NewFromInt(10000))
	return toleranceBps.LessThanOrEqual(decimal.NewFromInt(bps))
}
