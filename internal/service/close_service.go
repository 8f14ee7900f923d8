// Package service hosts the close workflow and the trading-statistics
// rollups that sit on top of the reconciliation engine.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stratops/bitdash/internal/domain"
)

// Alerter delivers operator notifications. Satisfied by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// CloseResult reports the outcome of a completed close.
type CloseResult struct {
	PositionID  string  `json:"positionId"`
	ClosePrice  float64 `json:"closePrice"`
	RealizedPnl float64 `json:"realizedPnl"`
}

// recentCloseTTL bounds how long a completed close is remembered so the
// change bridge can tell our own closes apart from external ones.
const recentCloseTTL = 5 * time.Minute

// CloseService drives the manual/forced close workflow: exchange first, store
// second, with the partial-failure cases surfaced distinctly so operators can
// pick the right recovery path.
type CloseService struct {
	store   domain.PositionStore
	gateway domain.ExchangeGateway
	views   domain.LiveViewCache
	prices  domain.PriceCache
	bus     domain.SignalBus
	audit   domain.AuditStore
	alerter Alerter
	logger  *slog.Logger

	mu     sync.Mutex
	recent map[string]time.Time
}

// NewCloseService creates a CloseService. prices, bus, audit and alerter may
// be nil.
func NewCloseService(
	store domain.PositionStore,
	gateway domain.ExchangeGateway,
	views domain.LiveViewCache,
	prices domain.PriceCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	alerter Alerter,
	logger *slog.Logger,
) *CloseService {
	return &CloseService{
		store:   store,
		gateway: gateway,
		views:   views,
		prices:  prices,
		bus:     bus,
		audit:   audit,
		alerter: alerter,
		logger:  logger.With(slog.String("component", "close_service")),
		recent:  make(map[string]time.Time),
	}
}

// Close closes the position with the given id. The status gate runs before
// any side effect, the exchange close order before any store write. Error
// kinds:
//   - domain.ErrInvalidState: position is not open; nothing happened.
//   - domain.ErrExchangeCloseFailed: the exchange rejected the close; the
//     store is untouched and the call is safe to retry.
//   - domain.ErrInconsistentCloseState: the exchange closed but the store
//     write failed; the row is still open in storage and must not be blindly
//     retried against the exchange.
func (s *CloseService) Close(ctx context.Context, id, reason string) (CloseResult, error) {
	pos, err := s.store.GetByID(ctx, id)
	if err != nil {
		return CloseResult{}, fmt.Errorf("close_service: get position %q: %w", id, err)
	}
	if pos.Status != domain.PositionStatusOpen {
		return CloseResult{}, fmt.Errorf("close_service: position %q is %s: %w",
			id, pos.Status, domain.ErrInvalidState)
	}

	closePrice, realizedPnl := s.lastKnown(ctx, pos)

	if _, err := s.gateway.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side.Opposite(),
		Size:       pos.Quantity,
		ReduceOnly: true,
	}); err != nil {
		return CloseResult{}, fmt.Errorf("close_service: close order %q: %v: %w",
			id, err, domain.ErrExchangeCloseFailed)
	}

	now := time.Now().UTC()
	if err := s.store.Close(ctx, id, domain.CloseUpdate{
		Reason:      reason,
		ClosePrice:  closePrice,
		RealizedPnl: realizedPnl,
		ClosedAt:    now,
	}); err != nil {
		// The exchange already closed; the row is now wrong in storage.
		s.logger.ErrorContext(ctx, "close inconsistency: exchange closed but store write failed",
			slog.String("position_id", id),
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
		s.auditLog(ctx, domain.EventCloseInconsistent, map[string]any{
			"position_id": id,
			"symbol":      pos.Symbol,
			"reason":      reason,
			"error":       err.Error(),
		})
		s.notify(ctx, domain.EventCloseInconsistent, "Close inconsistency",
			fmt.Sprintf("%s closed on exchange but still open in storage: %v", pos.Symbol, err))
		return CloseResult{}, fmt.Errorf("close_service: store close %q: %v: %w",
			id, err, domain.ErrInconsistentCloseState)
	}

	s.markClosed(id, now)

	// Drop the position from the cached open set so the dashboard stops
	// showing it before the next poll cycle.
	if err := s.views.Remove(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "live view removal failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
	}

	result := CloseResult{PositionID: id, ClosePrice: closePrice, RealizedPnl: realizedPnl}

	s.publish(ctx, map[string]any{
		"event":        domain.EventPositionClosed,
		"position_id":  id,
		"symbol":       pos.Symbol,
		"reason":       reason,
		"close_price":  closePrice,
		"realized_pnl": realizedPnl,
	})
	s.auditLog(ctx, domain.EventPositionClosed, map[string]any{
		"position_id":  id,
		"symbol":       pos.Symbol,
		"reason":       reason,
		"close_price":  closePrice,
		"realized_pnl": realizedPnl,
	})
	s.notify(ctx, domain.EventPositionClosed, "Position closed",
		fmt.Sprintf("%s %s closed (%s), pnl %.4f", pos.Symbol, pos.Side, reason, realizedPnl))

	s.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", id),
		slog.String("symbol", pos.Symbol),
		slog.String("reason", reason),
		slog.Float64("close_price", closePrice),
		slog.Float64("realized_pnl", realizedPnl),
	)

	return result, nil
}

// RecentlyClosed reports whether this service completed a close for id within
// the dedup window. The change bridge uses it to distinguish its own close
// notifications from external writers.
func (s *CloseService) RecentlyClosed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.recent[id]
	if !ok {
		return false
	}
	if time.Since(ts) > recentCloseTTL {
		delete(s.recent, id)
		return false
	}
	return true
}

// lastKnown resolves the close price and PnL recorded in storage: the cached
// live view first, then the price feed, then stored values, then the entry
// price.
func (s *CloseService) lastKnown(ctx context.Context, pos domain.Position) (price, pnl float64) {
	if view, err := s.views.GetView(ctx, pos.ID); err == nil {
		return view.CurrentPrice, view.UnrealizedPnl
	} else if !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "live view read failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}

	price = pos.EntryPrice
	if pos.CurrentPrice != nil {
		price = *pos.CurrentPrice
	}
	if s.prices != nil {
		if p, _, err := s.prices.GetPrice(ctx, pos.Symbol); err == nil && p > 0 {
			price = p
		}
	}

	if pos.Side == domain.SideSell {
		pnl = (pos.EntryPrice - price) * pos.Quantity
	} else {
		pnl = (price - pos.EntryPrice) * pos.Quantity
	}
	return price, pnl
}

func (s *CloseService) markClosed(id string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.recent {
		if time.Since(v) > recentCloseTTL {
			delete(s.recent, k)
		}
	}
	s.recent[id] = ts
}

func (s *CloseService) publish(ctx context.Context, payload map[string]any) {
	if s.bus == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	if err := s.bus.Publish(ctx, domain.ChannelEvents, raw); err != nil {
		s.logger.WarnContext(ctx, "publish event failed", slog.String("error", err.Error()))
	}
}

func (s *CloseService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *CloseService) notify(ctx context.Context, event, title, message string) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
