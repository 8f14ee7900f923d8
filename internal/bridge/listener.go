// Package bridge reacts to position row-change notifications so the live
// cache tracks writes made outside the reconcile loop.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/stratops/bitdash/internal/domain"
)

// SymbolReconciler triggers a symbol-scoped reconciliation pass.
type SymbolReconciler interface {
	ReconcileSymbol(ctx context.Context, symbol string) error
}

// CloseTracker reports whether this process closed a position recently, so
// the bridge can tell its own close notifications from external ones.
type CloseTracker interface {
	RecentlyClosed(id string) bool
}

// Alerter sends operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Listener subscribes to the positions channel and keeps the live cache in
// step with row changes: new or updated open rows trigger a symbol pass,
// closed or deleted rows leave the cached set immediately instead of waiting
// for the next full cycle.
type Listener struct {
	bus     domain.SignalBus
	engine  SymbolReconciler
	closer  CloseTracker
	views   domain.LiveViewCache
	alerter Alerter
	logger  *slog.Logger
}

// NewListener creates a change bridge listener.
func NewListener(
	bus domain.SignalBus,
	engine SymbolReconciler,
	closer CloseTracker,
	views domain.LiveViewCache,
	alerter Alerter,
	logger *slog.Logger,
) *Listener {
	return &Listener{
		bus:     bus,
		engine:  engine,
		closer:  closer,
		views:   views,
		alerter: alerter,
		logger:  logger.With(slog.String("component", "bridge")),
	}
}

// Run subscribes to the positions channel and processes change events until
// the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	msgs, err := l.bus.Subscribe(ctx, domain.ChannelPositions)
	if err != nil {
		return err
	}

	l.logger.Info("change bridge started", slog.String("channel", domain.ChannelPositions))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			l.handle(ctx, payload)
		}
	}
}

func (l *Listener) handle(ctx context.Context, payload []byte) {
	var change domain.PositionChange
	if err := json.Unmarshal(payload, &change); err != nil {
		l.logger.Warn("dropping malformed change event", slog.String("error", err.Error()))
		return
	}

	switch change.EventType {
	case domain.ChangeInsert, domain.ChangeUpdate:
		if change.New == nil {
			l.logger.Warn("dropping change event without row", slog.String("type", string(change.EventType)))
			return
		}
		if change.New.Status == domain.PositionStatusClosed {
			l.handleClosed(ctx, change.New)
			return
		}
		if change.New.Status != domain.PositionStatusOpen {
			return
		}
		if err := l.engine.ReconcileSymbol(ctx, change.New.Symbol); err != nil {
			l.logger.Warn("symbol reconcile failed",
				slog.String("symbol", change.New.Symbol),
				slog.String("error", err.Error()))
		}

	case domain.ChangeDelete:
		if change.New == nil {
			return
		}
		l.remove(ctx, change.New.ID)

	default:
		l.logger.Warn("dropping change event with unknown type", slog.String("type", string(change.EventType)))
	}
}

// handleClosed removes a closed row from the live cache. A close this process
// performed already cleaned up after itself, so only external closes warrant
// a warning and an operator alert.
func (l *Listener) handleClosed(ctx context.Context, pos *domain.Position) {
	l.remove(ctx, pos.ID)

	if l.closer != nil && l.closer.RecentlyClosed(pos.ID) {
		l.logger.Debug("observed own close", slog.String("position_id", pos.ID))
		return
	}

	l.logger.Warn("position closed externally",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol))

	if l.alerter != nil {
		err := l.alerter.Notify(ctx, domain.EventPositionClosed,
			"Position closed externally",
			"Position "+pos.ID+" ("+pos.Symbol+") was closed outside this service.")
		if err != nil {
			l.logger.Warn("notify failed", slog.String("error", err.Error()))
		}
	}
}

func (l *Listener) remove(ctx context.Context, id string) {
	if err := l.views.Remove(ctx, id); err != nil {
		l.logger.Warn("remove cached view failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()))
	}
}
