package bitget

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stratops/bitdash/internal/domain"
)

// SymbolSource returns the symbols the feed should subscribe to. It is
// re-evaluated on every (re)connect so new positions get picked up after a
// reconnect without restarting the process.
type SymbolSource func(ctx context.Context) ([]string, error)

// TickerFeed subscribes to Bitget's public ticker channel and pushes last
// prices into the price cache between reconciliation polls. It is a freshness
// optimization only; the poll cycle stays authoritative. Reconnects with
// backoff on disconnect.
type TickerFeed struct {
	wsURL       string
	productType string
	symbols     SymbolSource
	prices      domain.PriceCache
	logger      *slog.Logger
	closeOnce   sync.Once
	done        chan struct{}
}

// NewTickerFeed creates a feed over the given symbol source and price cache.
func NewTickerFeed(wsURL, productType string, symbols SymbolSource, prices domain.PriceCache, logger *slog.Logger) *TickerFeed {
	return &TickerFeed{
		wsURL:       wsURL,
		productType: productType,
		symbols:     symbols,
		prices:      prices,
		logger:      logger.With(slog.String("component", "bitget_ticker_feed")),
		done:        make(chan struct{}),
	}
}

// Run connects, subscribes, and processes pushes until ctx is cancelled.
func (f *TickerFeed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			f.logger.Warn("ticker ws disconnected, reconnecting", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

// Close stops the feed.
func (f *TickerFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

type wsSubscribeArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

type wsSubscribeMsg struct {
	Op   string           `json:"op"`
	Args []wsSubscribeArg `json:"args"`
}

type wsPush struct {
	Action string         `json:"action"`
	Arg    wsSubscribeArg `json:"arg"`
	Data   []tickerData   `json:"data"`
}

func (f *TickerFeed) runConnection(ctx context.Context) error {
	symbols, err := f.symbols(ctx)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		// Nothing open; wait for the retry loop to re-check.
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.wsURL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	args := make([]wsSubscribeArg, 0, len(symbols))
	for _, sym := range symbols {
		args = append(args, wsSubscribeArg{InstType: f.productType, Channel: "ticker", InstID: sym})
	}
	if err := conn.WriteJSON(wsSubscribeMsg{Op: "subscribe", Args: args}); err != nil {
		return err
	}
	f.logger.Info("ticker ws subscribed", slog.Int("symbols", len(symbols)))

	// Bitget closes idle connections; the protocol expects a literal "ping"
	// every 30 seconds, answered with "pong".
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		case <-pingDone:
			return
		}
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if string(raw) == "pong" {
			continue
		}
		var push wsPush
		if err := json.Unmarshal(raw, &push); err != nil {
			continue
		}
		if push.Arg.Channel != "ticker" || len(push.Data) == 0 {
			continue
		}
		f.handleTicker(ctx, push.Arg.InstID, push.Data[len(push.Data)-1])
	}
}

func (f *TickerFeed) handleTicker(ctx context.Context, symbol string, data tickerData) {
	last := parseOptFloat(data.LastPr)
	if last == nil {
		return
	}
	if err := f.prices.SetPrice(ctx, symbol, *last, time.Now().UTC()); err != nil {
		f.logger.Warn("price cache write failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}
}
