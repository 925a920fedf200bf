// Package restws is the concrete adapter.Adapter implementation: a resty
// REST client for order/position management plus a single-attempt
// gorilla/websocket stream reader. Grounded on the teacher's
// internal/exchange/client.go (resty setup, rate-limited mutating calls,
// dry-run branch) and internal/exchange/ws.go (frame dispatch), generalized
// from Polymarket's CLOB-specific wire format to the spec's generic
// perpetual-futures adapter surface.
package restws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"perpmm/internal/signer"
	"perpmm/internal/taskerr"
	"perpmm/pkg/types"
)

var errNotAuthenticated = errors.New("adapter not authenticated")

// Config is the process-level configuration for one account's REST+WS
// client.
type Config struct {
	BaseURL string
	WSURL   string
	DryRun  bool
}

// Client implements adapter.Adapter against one exchange account.
type Client struct {
	cfg        Config
	http       *resty.Client
	wallet     *signer.WalletAuth
	bodySigner signer.Signer
	rl         *RateLimiter
	logger     Logger

	jwtMu     sync.RWMutex
	jwt       string
	jwtExpiry time.Time
}

// Logger is the minimal logging surface Client needs, satisfied by
// *slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// New builds a REST+WS adapter client for one account. wallet proves
// ownership during Authenticate; bodySigner signs every place/cancel body.
func New(cfg Config, wallet *signer.WalletAuth, bodySigner signer.Signer, logger Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		cfg:        cfg,
		http:       httpClient,
		wallet:     wallet,
		bodySigner: bodySigner,
		rl:         NewRateLimiter(),
		logger:     logger,
	}
}

func (c *Client) currentJWT() (string, bool) {
	c.jwtMu.RLock()
	defer c.jwtMu.RUnlock()
	if c.jwt == "" {
		return "", false
	}
	return c.jwt, true
}

func (c *Client) setJWT(token string, expiresAt time.Time) {
	c.jwtMu.Lock()
	defer c.jwtMu.Unlock()
	c.jwt = token
	c.jwtExpiry = expiresAt
}

// Authenticate completes the EIP-712 sign-in handshake and stores the
// resulting JWT for subsequent signed requests.
func (c *Client) Authenticate(ctx context.Context, bundle types.CredentialBundle) (types.AuthResult, error) {
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())
	nonce := time.Now().UnixNano()

	sig, err := c.wallet.SignAuthChallenge(timestamp, nonce)
	if err != nil {
		return types.AuthResult{}, taskerr.Auth("authenticate", err)
	}

	walletAddr := c.wallet.Address().Hex()
	if bundle.WalletAddress != "" && !equalFoldHex(bundle.WalletAddress, walletAddr) {
		return types.AuthResult{}, taskerr.Auth("authenticate", fmt.Errorf("wallet address mismatch: bundle=%s signer=%s", bundle.WalletAddress, walletAddr))
	}

	body := authRequest{Address: walletAddr, Timestamp: timestamp, Nonce: nonce, Signature: sig}
	var result authResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/auth/session")
	if err != nil {
		return types.AuthResult{}, taskerr.Transport("authenticate", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.AuthResult{}, taskerr.Auth("authenticate", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	expiresAt := time.Unix(result.ExpiresAt, 0)
	if result.ExpiresAt == 0 {
		if parsed, ok := jwtExpiry(result.JWT); ok {
			expiresAt = parsed
		}
	}
	c.setJWT(result.JWT, expiresAt)
	return types.AuthResult{JWT: result.JWT, ExpiresAt: expiresAt}, nil
}

// PlaceOrder submits a signed, rate-limited order. Idempotent by
// req.ClOrdID (the exchange is expected to reject a duplicate id as a
// protocol error, not silently double-place).
func (c *Client) PlaceOrder(ctx context.Context, req types.PlaceOrderRequest) (types.OrderAck, error) {
	if c.cfg.DryRun {
		c.logger.Info("DRY-RUN: would place order", "cl_ord_id", req.ClOrdID, "symbol", req.Symbol, "side", req.Side, "price", req.Price)
		return types.OrderAck{ClOrdID: req.ClOrdID, ExchangeOrderID: "dry-run-" + req.ClOrdID}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OrderAck{}, taskerr.Cancelled("place_order")
	}

	wire := placeOrderWire{
		ClOrdID:    req.ClOrdID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Qty:        req.Qty,
		Price:      req.Price,
		ReduceOnly: req.ReduceOnly,
		TPPrice:    req.TPPrice,
		SLPrice:    req.SLPrice,
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return types.OrderAck{}, taskerr.Invariant("place_order", err)
	}
	headers, err := c.signedHeaders(string(payload))
	if err != nil {
		return types.OrderAck{}, err
	}

	var result placeOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(payload)).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return types.OrderAck{}, taskerr.Transport("place_order", err)
	}
	if resp.StatusCode() >= 500 {
		return types.OrderAck{}, taskerr.Transport("place_order", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderAck{}, taskerr.Protocol("place_order", mapProtocolCode(result.ErrorCode), errors.New(result.Message))
	}

	return types.OrderAck{ClOrdID: req.ClOrdID, ExchangeOrderID: result.ExchangeOrderID}, nil
}

// CancelOrder cancels by either identifier. An unknown order is
// informational only (spec §6): it returns CancelAck{NotFound: true}, nil.
func (c *Client) CancelOrder(ctx context.Context, req types.CancelRequest) (types.CancelAck, error) {
	if c.cfg.DryRun {
		c.logger.Info("DRY-RUN: would cancel order", "cl_ord_id", req.ClOrdID, "exchange_order_id", req.ExchangeOrderID)
		return types.CancelAck{ClOrdID: req.ClOrdID, ExchangeOrderID: req.ExchangeOrderID}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return types.CancelAck{}, taskerr.Cancelled("cancel_order")
	}

	wire := cancelOrderWire{ClOrdID: req.ClOrdID, ExchangeOrderID: req.ExchangeOrderID}
	payload, err := json.Marshal(wire)
	if err != nil {
		return types.CancelAck{}, taskerr.Invariant("cancel_order", err)
	}
	headers, err := c.signedHeaders(string(payload))
	if err != nil {
		return types.CancelAck{}, err
	}

	var result cancelOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(payload)).
		SetResult(&result).
		Delete("/orders")
	if err != nil {
		return types.CancelAck{}, taskerr.Transport("cancel_order", err)
	}
	if resp.StatusCode() == http.StatusNotFound || result.ErrorCode == "not_found" {
		return types.CancelAck{ClOrdID: req.ClOrdID, ExchangeOrderID: req.ExchangeOrderID, NotFound: true}, nil
	}
	if resp.StatusCode() >= 500 {
		return types.CancelAck{}, taskerr.Transport("cancel_order", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	if resp.StatusCode() != http.StatusOK {
		return types.CancelAck{}, taskerr.Protocol("cancel_order", mapProtocolCode(result.ErrorCode), errors.New(result.Message))
	}

	return types.CancelAck{ClOrdID: result.ClOrdID, ExchangeOrderID: result.ExchangeOrderID}, nil
}

// QueryOpenOrders is used only at startup reconciliation (spec §4.4 step 2).
func (c *Client) QueryOpenOrders(ctx context.Context, symbol string) ([]types.OpenOrder, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, taskerr.Cancelled("query_open_orders")
	}

	var wire []openOrderWire
	req := c.http.R().SetContext(ctx).SetResult(&wire)
	if symbol != "" {
		req = req.SetQueryParam("symbol", symbol)
	}
	resp, err := req.Get("/orders/open")
	if err != nil {
		return nil, taskerr.Transport("query_open_orders", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, taskerr.Transport("query_open_orders", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	out := make([]types.OpenOrder, len(wire))
	for i, w := range wire {
		out[i] = types.OpenOrder{
			Symbol:          w.Symbol,
			Side:            w.Side,
			Qty:             w.Qty,
			Price:           w.Price,
			FilledQty:       w.FilledQty,
			ExchangeOrderID: w.ExchangeOrderID,
			ClOrdID:         w.ClOrdID,
		}
	}
	return out, nil
}

// QueryPositions is used for risk evaluation and the close-positions-on-stop
// policy.
func (c *Client) QueryPositions(ctx context.Context, symbol string) ([]types.Position, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, taskerr.Cancelled("query_positions")
	}

	var wire []positionWire
	req := c.http.R().SetContext(ctx).SetResult(&wire)
	if symbol != "" {
		req = req.SetQueryParam("symbol", symbol)
	}
	resp, err := req.Get("/positions")
	if err != nil {
		return nil, taskerr.Transport("query_positions", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, taskerr.Transport("query_positions", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	out := make([]types.Position, len(wire))
	for i, w := range wire {
		out[i] = types.Position{Symbol: w.Symbol, Qty: w.Qty, EntryPx: w.EntryPx, MarkPx: w.MarkPx, UPnL: w.UPnL}
	}
	return out, nil
}

// QuerySymbolPrice is the fallback snapshot source when the stream is down.
func (c *Client) QuerySymbolPrice(ctx context.Context, symbol string) (types.SymbolSnapshot, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return types.SymbolSnapshot{}, taskerr.Cancelled("query_symbol_price")
	}

	var wire symbolPriceWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&wire).
		Get("/price")
	if err != nil {
		return types.SymbolSnapshot{}, taskerr.Transport("query_symbol_price", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.SymbolSnapshot{}, taskerr.Transport("query_symbol_price", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	return wire.toSnapshot(), nil
}

func mapProtocolCode(code string) taskerr.ProtocolCode {
	switch code {
	case "rejected_order":
		return taskerr.ProtocolRejectedOrder
	case "insufficient_margin":
		return taskerr.ProtocolInsufficientMargin
	case "not_found":
		return taskerr.ProtocolNotFound
	default:
		return taskerr.ProtocolUnknown
	}
}

func equalFoldHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
