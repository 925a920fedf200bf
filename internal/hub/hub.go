// Package hub implements the Market-Data Hub of spec.md §4.3: a single
// upstream connection shared by every task quoting a configured symbol set,
// publishing per-symbol price snapshots and connection state through
// latest-value channels, and routing unsolicited order events to the
// addressed task's Order Tracker. Grounded on the teacher's reconnect loop
// (internal/exchange/ws.go Run/connectAndRead) and its non-blocking,
// drop-and-log channel dispatch (dispatchMessage), generalized from two
// fixed feeds (market/user) to an arbitrary configured symbol set with a
// task-keyed order-event registry instead of one shared order channel.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"perpmm/pkg/types"
)

const maxReconnectWait = 30 * time.Second

// MarketStreamer is the subset of the adapter contract the Hub depends on.
// It is declared here, not imported from an adapter package, so the Hub has
// no dependency on any concrete transport.
type MarketStreamer interface {
	Stream(ctx context.Context, kind types.StreamKind, symbols []string) (<-chan types.StreamMessage, error)
}

// Hub owns the upstream market-data connection for a configured symbol set
// and the task-keyed order-event dispatch registry.
type Hub struct {
	streamer MarketStreamer
	symbols  []string
	logger   *slog.Logger

	priceSlots map[string]*LatestValue[types.SymbolSnapshot]
	connState  *LatestValue[types.ConnState]

	sinksMu sync.RWMutex
	sinks   map[string]chan types.OrderEvent
}

// New creates a Hub for the given symbol set. The Hub does not connect
// until Run is called.
func New(streamer MarketStreamer, symbols []string, logger *slog.Logger) *Hub {
	h := &Hub{
		streamer:   streamer,
		symbols:    append([]string(nil), symbols...),
		logger:     logger.With("component", "hub"),
		priceSlots: make(map[string]*LatestValue[types.SymbolSnapshot], len(symbols)),
		connState:  NewLatestValue[types.ConnState](),
		sinks:      make(map[string]chan types.OrderEvent),
	}
	for _, sym := range symbols {
		h.priceSlots[sym] = NewLatestValue[types.SymbolSnapshot]()
	}
	h.connState.Set(types.ConnState{Kind: types.ConnDisconnected, RetryCount: 0})
	return h
}

// SubscribePrice returns the latest-value receiver for a symbol's snapshots.
// Returns nil if symbol was not part of the Hub's configured set.
func (h *Hub) SubscribePrice(symbol string) *LatestValue[types.SymbolSnapshot] {
	return h.priceSlots[symbol]
}

// SubscribeConnectionState returns the latest-value receiver for the Hub's
// connection state, shared by every subscriber.
func (h *Hub) SubscribeConnectionState() *LatestValue[types.ConnState] {
	return h.connState
}

// RegisterOrderSink creates the order-event channel for one task. Callers
// (typically the task's own order-stream reader) feed events in by calling
// DispatchOrderEvent; the Strategy Loop reads them from the returned
// channel.
func (h *Hub) RegisterOrderSink(taskID string) <-chan types.OrderEvent {
	h.sinksMu.Lock()
	defer h.sinksMu.Unlock()
	ch := make(chan types.OrderEvent, 256)
	h.sinks[taskID] = ch
	return ch
}

// UnregisterOrderSink removes and closes a task's order-event channel. Safe
// to call on an already-unregistered task.
func (h *Hub) UnregisterOrderSink(taskID string) {
	h.sinksMu.Lock()
	defer h.sinksMu.Unlock()
	if ch, ok := h.sinks[taskID]; ok {
		close(ch)
		delete(h.sinks, taskID)
	}
}

// DispatchOrderEvent routes an order event to its owning task's sink.
// Unregistered tasks and full sinks are logged and dropped, never blocking
// the caller (spec §4.3's "task-keyed dispatch" and the teacher's
// drop-and-log pattern for full channels).
func (h *Hub) DispatchOrderEvent(ev types.OrderEvent) {
	h.sinksMu.RLock()
	ch, ok := h.sinks[ev.TaskID]
	h.sinksMu.RUnlock()
	if !ok {
		h.logger.Warn("order event for unregistered task, dropping", "task_id", ev.TaskID, "cl_ord_id", ev.ClOrdID)
		return
	}
	select {
	case ch <- ev:
	default:
		h.logger.Error("order sink full, dropping event", "task_id", ev.TaskID, "cl_ord_id", ev.ClOrdID)
	}
}

// Run drives the reconnection state machine of spec §4.3: Disconnected{0}
// -> connect -> Connected, or on failure Disconnected{n+1} and a
// min(2^n,30)s backoff with jitter; on an established connection dropping,
// Paused is published immediately before re-entering the loop. Blocks until
// ctx is cancelled. There is no retry cap.
func (h *Hub) Run(ctx context.Context) error {
	retry := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := h.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		h.logger.Warn("hub stream disconnected", "error", err, "retry", retry)
		if prev, ok := h.connState.Get(); ok && prev.Kind == types.ConnConnected {
			// Paused is reserved for an established connection dropping
			// (spec §4.3); a failed connect attempt goes straight to
			// Disconnected{n+1} below.
			h.connState.Set(types.ConnState{Kind: types.ConnPaused, RetryCount: retry})
		}

		wait := backoffWithJitter(retry)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		retry++
		h.connState.Set(types.ConnState{Kind: types.ConnDisconnected, RetryCount: retry})
	}
}

// runOnce performs exactly one connection attempt and reads until the
// stream ends or ctx is cancelled.
func (h *Hub) runOnce(ctx context.Context) error {
	msgs, err := h.streamer.Stream(ctx, types.StreamMarket, h.symbols)
	if err != nil {
		return fmt.Errorf("open market stream: %w", err)
	}

	h.connState.Set(types.ConnState{Kind: types.ConnConnected, RetryCount: 0})
	h.logger.Info("hub connected", "symbols", h.symbols)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("market stream closed")
			}
			h.handleMessage(msg)
		}
	}
}

func (h *Hub) handleMessage(msg types.StreamMessage) {
	if msg.Snapshot != nil {
		if slot, ok := h.priceSlots[msg.Snapshot.Symbol]; ok {
			slot.Set(*msg.Snapshot)
		}
	}
	if msg.OrderEvt != nil {
		h.DispatchOrderEvent(*msg.OrderEvt)
	}
}

// backoffWithJitter computes min(2^retry, 30)s plus up to 25% jitter.
func backoffWithJitter(retry int) time.Duration {
	base := time.Second
	for i := 0; i < retry; i++ {
		base *= 2
		if base >= maxReconnectWait {
			base = maxReconnectWait
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(base)/4 + 1))
	return base + jitter
}
