package restws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"perpmm/pkg/types"
)

const (
	wsReadTimeout  = 90 * time.Second
	wsPingInterval = 50 * time.Second
	wsBufferSize   = 256
)

// wsSubscribeMsg is the outbound subscription frame, sent once right after
// dial.
type wsSubscribeMsg struct {
	Operation string   `json:"operation"`
	Kind      string   `json:"kind"`
	Symbols   []string `json:"symbols,omitempty"`
	JWT       string   `json:"jwt,omitempty"`
}

// Stream performs exactly one connection attempt and, on success, returns a
// channel fed by a background reader goroutine until the connection drops
// or ctx is cancelled. Reconnection is the caller's responsibility — per
// spec §4.3 the Hub owns the reconnect/backoff state machine, not the
// adapter, so unlike the teacher's WSFeed.Run this method never loops.
func (c *Client) Stream(ctx context.Context, kind types.StreamKind, symbols []string) (<-chan types.StreamMessage, error) {
	wsURL, err := url.Parse(c.cfg.WSURL)
	if err != nil {
		return nil, fmt.Errorf("parse ws url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	sub := wsSubscribeMsg{Operation: "subscribe", Kind: string(kind), Symbols: symbols}
	if kind == types.StreamOrders {
		if token, ok := c.currentJWT(); ok {
			sub.JWT = token
		}
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan types.StreamMessage, wsBufferSize)

	pingCtx, cancelPing := context.WithCancel(ctx)
	go pingLoop(pingCtx, conn)

	go func() {
		defer close(out)
		defer cancelPing()
		defer conn.Close()

		for {
			if ctx.Err() != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, ok := decodeFrame(data)
			if !ok {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			default:
				// Consumer fell behind; drop rather than block the reader,
				// matching the teacher's dispatchMessage behavior on a full
				// channel.
			}
		}
	}()

	return out, nil
}

func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func decodeFrame(data []byte) (types.StreamMessage, bool) {
	var envelope wsEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return types.StreamMessage{}, false
	}

	switch envelope.EventType {
	case "snapshot", "price", "book":
		var frame wsSnapshotFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return types.StreamMessage{}, false
		}
		snap := frame.toSnapshot()
		return types.StreamMessage{Snapshot: &snap}, true
	case "ack", "fill", "cancel_ack", "reject":
		var frame wsOrderEventFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return types.StreamMessage{}, false
		}
		ev := frame.toOrderEvent()
		return types.StreamMessage{OrderEvt: &ev}, true
	default:
		return types.StreamMessage{}, false
	}
}
