// Package adapter defines the exchange adapter contract of spec.md §6: the
// narrow surface the Strategy Loop and Task Supervisor use to authenticate,
// place/cancel orders, query state at startup, and stream market/order
// events. Concrete implementations (e.g. internal/adapter/restws) live in
// sub-packages; this package holds only the contract and its shared DTOs,
// so internal/hub and internal/strategy can depend on the interface without
// pulling in any transport.
package adapter

import (
	"context"

	"github.com/shopspring/decimal"

	"perpmm/pkg/types"
)

// Adapter is the exchange-facing contract consumed by the core. All
// operations are cancellation-aware via ctx; all wire decimals are decoded
// to decimal.Decimal at the boundary, never float64.
type Adapter interface {
	// Authenticate completes the sign-in handshake for one wallet and
	// returns a JWT plus its expiry. Fails on wallet address mismatch.
	Authenticate(ctx context.Context, bundle types.CredentialBundle) (types.AuthResult, error)

	// PlaceOrder submits a PostOnly (or GTC) limit order. Idempotent by
	// req.ClOrdID.
	PlaceOrder(ctx context.Context, req types.PlaceOrderRequest) (types.OrderAck, error)

	// CancelOrder cancels by either identifier in req. Idempotent;
	// cancelling an unknown order returns CancelAck{NotFound: true}, not an
	// error.
	CancelOrder(ctx context.Context, req types.CancelRequest) (types.CancelAck, error)

	// QueryOpenOrders lists open orders, optionally filtered by symbol.
	// Used only at startup reconciliation.
	QueryOpenOrders(ctx context.Context, symbol string) ([]types.OpenOrder, error)

	// QueryPositions lists positions, optionally filtered by symbol.
	QueryPositions(ctx context.Context, symbol string) ([]types.Position, error)

	// QuerySymbolPrice fetches a one-shot snapshot, used as a fallback when
	// the stream is unavailable.
	QuerySymbolPrice(ctx context.Context, symbol string) (types.SymbolSnapshot, error)

	// Stream opens kind ("market" or "orders") and performs exactly one
	// connection attempt: on success it returns a channel delivering
	// messages until the connection drops or ctx is cancelled; on failure
	// it returns a non-nil error. Reconnection is the caller's
	// responsibility (spec §4.3: the Hub owns the reconnect loop).
	Stream(ctx context.Context, kind types.StreamKind, symbols []string) (<-chan types.StreamMessage, error)
}

// RoundToTick rounds price to a multiple of tick in the direction that
// keeps a resting order from crossing: bids round down,
// asks round up. Shared by every adapter implementation building ladder
// quotes (spec §4.5 "rounded to the symbol's tick").
func RoundToTick(price, tick decimal.Decimal, side types.Side) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	steps := price.Div(tick)
	if side == types.Buy {
		steps = steps.Floor()
	} else {
		steps = steps.Ceil()
	}
	return steps.Mul(tick)
}
