package restws

import (
	"time"

	"github.com/shopspring/decimal"

	"perpmm/pkg/types"
)

// Wire DTOs for the REST API. decimal.Decimal marshals/unmarshals as a JSON
// string natively (shopspring/decimal), so every price/qty field round-trips
// as arbitrary precision with no float64 in between.

type authRequest struct {
	Address   string `json:"address"`
	Timestamp string `json:"timestamp"`
	Nonce     int64  `json:"nonce"`
	Signature string `json:"signature"`
}

type authResponse struct {
	JWT       string `json:"jwt"`
	ExpiresAt int64  `json:"expires_at"` // unix seconds; 0 means "derive from JWT"
}

type placeOrderWire struct {
	ClOrdID    string           `json:"cl_ord_id"`
	Symbol     string           `json:"symbol"`
	Side       types.Side       `json:"side"`
	Type       types.TimeInForce `json:"type"`
	Qty        decimal.Decimal  `json:"qty"`
	Price      decimal.Decimal  `json:"price"`
	ReduceOnly bool             `json:"reduce_only"`
	TPPrice    *decimal.Decimal `json:"tp_price,omitempty"`
	SLPrice    *decimal.Decimal `json:"sl_price,omitempty"`
}

type placeOrderResponse struct {
	ExchangeOrderID string       `json:"exchange_order_id"`
	ErrorCode       string       `json:"error_code"`
	Message         string       `json:"message"`
}

type cancelOrderWire struct {
	ClOrdID         string `json:"cl_ord_id,omitempty"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
}

type cancelOrderResponse struct {
	ClOrdID         string `json:"cl_ord_id"`
	ExchangeOrderID string `json:"exchange_order_id"`
	ErrorCode       string `json:"error_code"`
	Message         string `json:"message"`
}

type openOrderWire struct {
	Symbol          string          `json:"symbol"`
	Side            types.Side      `json:"side"`
	Qty             decimal.Decimal `json:"qty"`
	Price           decimal.Decimal `json:"price"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	ClOrdID         string          `json:"cl_ord_id"`
}

type positionWire struct {
	Symbol  string          `json:"symbol"`
	Qty     decimal.Decimal `json:"qty"`
	EntryPx decimal.Decimal `json:"entry_px"`
	MarkPx  decimal.Decimal `json:"mark_px"`
	UPnL    decimal.Decimal `json:"upnl"`
}

type symbolPriceWire struct {
	Symbol    string           `json:"symbol"`
	Mark      decimal.Decimal  `json:"mark"`
	Index     decimal.Decimal  `json:"index"`
	Last      *decimal.Decimal `json:"last,omitempty"`
	Mid       *decimal.Decimal `json:"mid,omitempty"`
	SpreadBid *decimal.Decimal `json:"spread_bid,omitempty"`
	SpreadAsk *decimal.Decimal `json:"spread_ask,omitempty"`
	DepthUSD  decimal.Decimal  `json:"depth_usd"`
	Time      int64            `json:"time_ms"`
}

func (w symbolPriceWire) toSnapshot() types.SymbolSnapshot {
	return types.SymbolSnapshot{
		Symbol:    w.Symbol,
		Mark:      w.Mark,
		Index:     w.Index,
		Last:      w.Last,
		Mid:       w.Mid,
		SpreadBid: w.SpreadBid,
		SpreadAsk: w.SpreadAsk,
		DepthUSD:  w.DepthUSD,
		Time:      time.UnixMilli(w.Time),
	}
}

// wsEnvelope peeks at the discriminator field of an inbound WS frame before
// full decoding, mirroring the teacher's dispatchMessage.
type wsEnvelope struct {
	EventType string `json:"event_type"`
}

type wsSnapshotFrame struct {
	symbolPriceWire
}

type wsOrderEventFrame struct {
	TaskID          string          `json:"task_id"`
	EventType       string          `json:"event_type"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	ClOrdID         string          `json:"cl_ord_id"`
	FillQty         decimal.Decimal `json:"fill_qty"`
	Reason          string          `json:"reason"`
	TimeMs          int64           `json:"time_ms"`
}

func (f wsOrderEventFrame) toOrderEvent() types.OrderEvent {
	var kind types.OrderEventKind
	switch f.EventType {
	case "ack":
		kind = types.OrderEventAck
	case "fill":
		kind = types.OrderEventFill
	case "cancel_ack":
		kind = types.OrderEventCancelAck
	default:
		kind = types.OrderEventReject
	}
	return types.OrderEvent{
		TaskID:          f.TaskID,
		Kind:            kind,
		ExchangeOrderID: f.ExchangeOrderID,
		ClOrdID:         f.ClOrdID,
		FillQty:         f.FillQty,
		Reason:          f.Reason,
		Time:            time.UnixMilli(f.TimeMs),
	}
}
