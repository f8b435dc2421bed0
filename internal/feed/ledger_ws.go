// Package feed subscribes to the custody ledger's event stream and hands the
// decoded lifecycle events to the reconciliation layer.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/rangekeeperhq/rangekeeper/internal/crypto"
	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message.
	pongWait = 30 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 60 * time.Second
)

// EventHandler is called for each decoded ledger event.
type EventHandler func(ctx context.Context, ev domain.LedgerEvent)

// LedgerWSFeed connects to the custody ledger's WebSocket event stream and
// invokes the handler on each lifecycle event. Delivery upstream is
// at-least-once; the feed makes no attempt to deduplicate, handlers must be
// idempotent. Reconnects with exponential backoff on disconnect.
type LedgerWSFeed struct {
	wsURL     string
	auth      *crypto.HMACAuth
	onEvent   EventHandler
	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewLedgerWSFeed creates a feed for the custody event stream.
//
// wsURL is the stream endpoint, e.g. "wss://custody.rangekeeper.internal/api/v1/events".
func NewLedgerWSFeed(wsURL string, auth *crypto.HMACAuth, onEvent EventHandler, logger *slog.Logger) *LedgerWSFeed {
	return &LedgerWSFeed{
		wsURL:   wsURL,
		auth:    auth,
		onEvent: onEvent,
		logger:  logger.With(slog.String("component", "ledger_ws_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects and consumes events until ctx is cancelled or Close is called.
// Reconnects with exponential backoff on disconnect.
func (f *LedgerWSFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("ledger ws disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Close stops the feed.
func (f *LedgerWSFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// runConnection dials, then reads events until the connection drops or the
// context is cancelled.
func (f *LedgerWSFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	header := http.Header{}
	for k, v := range f.auth.Headers(http.MethodGet, "/events", "") {
		header.Set(k, v)
	}

	conn, _, err := dialer.DialContext(ctx, f.wsURL, header)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Close the connection when the context or the feed is done so the
	// blocking ReadMessage below unblocks.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		case <-stop:
		}
		conn.Close()
	}()
	go f.pingLoop(conn, stop)

	f.logger.Info("ledger ws connected")

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-f.done:
				return nil
			default:
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(ctx, message)
	}
}

// pingLoop keeps the connection alive until stop closes.
func (f *LedgerWSFeed) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-f.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ledgerEventJSON is the wire form of a ledger event frame.
type ledgerEventJSON struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	PositionID  string    `json:"position_id"`
	UserID      string    `json:"user_id"`
	PoolID      string    `json:"pool_id"`
	ExecutionID string    `json:"execution_id"`
	Amount      string    `json:"amount"`
	Liquidity   string    `json:"liquidity"`
	Reason      string    `json:"reason"`
	EmittedAt   time.Time `json:"emitted_at"`
}

// handleMessage decodes a raw frame and dispatches it. Malformed frames are
// logged and skipped; one bad event must not kill the stream.
func (f *LedgerWSFeed) handleMessage(ctx context.Context, raw []byte) {
	var wire ledgerEventJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		f.logger.Warn("skipping malformed event frame", slog.String("error", err.Error()))
		return
	}

	ev, err := wire.toDomain()
	if err != nil {
		f.logger.Warn("skipping undecodable event",
			slog.String("event_id", wire.ID),
			slog.String("error", err.Error()))
		return
	}

	if f.onEvent != nil {
		f.onEvent(ctx, ev)
	}
}

func (w ledgerEventJSON) toDomain() (domain.LedgerEvent, error) {
	kind := domain.EventKind(w.Kind)
	switch kind {
	case domain.EventInvestmentInitiated, domain.EventExecutionConfirmed,
		domain.EventLiquidationCompleted, domain.EventLiquidationSettled,
		domain.EventInvestmentFailed:
	default:
		return domain.LedgerEvent{}, fmt.Errorf("unknown event kind %q", w.Kind)
	}

	amount, err := parseDecOrZero(w.Amount)
	if err != nil {
		return domain.LedgerEvent{}, fmt.Errorf("parse amount: %w", err)
	}
	liquidity, err := parseDecOrZero(w.Liquidity)
	if err != nil {
		return domain.LedgerEvent{}, fmt.Errorf("parse liquidity: %w", err)
	}

	return domain.LedgerEvent{
		ID:          w.ID,
		Kind:        kind,
		PositionID:  w.PositionID,
		UserID:      w.UserID,
		PoolID:      w.PoolID,
		ExecutionID: w.ExecutionID,
		Amount:      amount,
		Liquidity:   liquidity,
		Reason:      w.Reason,
		EmittedAt:   w.EmittedAt,
	}, nil
}

func parseDecOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
