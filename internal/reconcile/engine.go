package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stratops/bitdash/internal/domain"
)

// Alerter delivers operator notifications. Satisfied by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Options are the engine thresholds, normally sourced from config.
type Options struct {
	// EntryDriftThreshold is the absolute deviation between stored entry
	// price and exchange openPriceAvg above which a correction is written.
	EntryDriftThreshold float64
	// NearLiquidationPct flags positions whose relative distance to the
	// liquidation price falls below it.
	NearLiquidationPct float64
	// MaxConcurrentFetches bounds the per-cycle fan-out across symbols.
	MaxConcurrentFetches int
	// PollInterval is the cadence of Run's timer trigger.
	PollInterval time.Duration
	// LockTTL bounds how long the cycle lock survives a crashed holder.
	LockTTL time.Duration
}

// alertCooldown suppresses repeated risk notifications for the same position.
const alertCooldown = 15 * time.Minute

// passOutcome reports how a per-position reconciliation pass ended.
type passOutcome int

const (
	passReconciled passOutcome = iota
	// passSkipped means the pass produced nothing this cycle: the in-flight
	// guard was held or the freshness re-check failed transiently. The
	// position is still open as far as anyone knows, so its previous view
	// must be carried forward rather than dropped from the cached set.
	passSkipped
	// passClosed means the position left the open state mid-pass; its view
	// is discarded.
	passClosed
)

// Engine reconciles stored open positions with live exchange state. Each
// cycle produces one LivePosition per open position plus an aggregate risk
// summary, both written to the live-view cache for the API to serve.
//
// Two triggers converge here: the fixed-interval poll (Run) and symbol-scoped
// triggers from the change bridge (ReconcileSymbol). A per-symbol in-flight
// guard serializes them so a new pass never starts for a symbol while a
// previous pass's exchange calls are outstanding.
type Engine struct {
	store   domain.PositionStore
	gateway domain.ExchangeGateway
	views   domain.LiveViewCache
	bus     domain.SignalBus
	audit   domain.AuditStore
	alerter Alerter
	locks   domain.LockManager
	opts    Options
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
	alerted  map[string]time.Time
}

// NewEngine creates a reconciliation engine. audit, alerter and locks may be
// nil; without locks the cycle runs unguarded, which is fine for a single
// replica.
func NewEngine(
	store domain.PositionStore,
	gateway domain.ExchangeGateway,
	views domain.LiveViewCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	alerter Alerter,
	locks domain.LockManager,
	opts Options,
	logger *slog.Logger,
) *Engine {
	if opts.MaxConcurrentFetches <= 0 {
		opts.MaxConcurrentFetches = 4
	}
	if opts.EntryDriftThreshold <= 0 {
		opts.EntryDriftThreshold = 1e-4
	}
	if opts.NearLiquidationPct <= 0 {
		opts.NearLiquidationPct = 0.10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	return &Engine{
		store:    store,
		gateway:  gateway,
		views:    views,
		bus:      bus,
		audit:    audit,
		alerter:  alerter,
		locks:    locks,
		opts:     opts,
		logger:   logger.With(slog.String("component", "reconcile_engine")),
		inflight: make(map[string]bool),
		alerted:  make(map[string]time.Time),
	}
}

// Run drives the poll trigger until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	e.logger.InfoContext(ctx, "reconciliation loop started",
		slog.Duration("interval", e.opts.PollInterval),
		slog.Int("max_concurrent", e.opts.MaxConcurrentFetches),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.ReconcileAll(ctx); err != nil && ctx.Err() == nil {
				e.logger.WarnContext(ctx, "reconcile cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ReconcileAll runs one full cycle across every open position. Per-symbol
// gateway failures are contained; only store/cache failures surface. With a
// lock manager wired, the cycle is held by at most one replica at a time.
func (e *Engine) ReconcileAll(ctx context.Context) error {
	if e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, "reconcile:cycle", e.opts.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				e.logger.DebugContext(ctx, "cycle lock held elsewhere, skipping")
				return nil
			}
			e.logger.WarnContext(ctx, "cycle lock acquire failed, proceeding unguarded",
				slog.String("error", err.Error()))
		} else {
			defer unlock()
		}
	}

	open, err := e.store.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list open positions: %w", err)
	}

	account, accErr := e.gateway.GetAccount(ctx)
	if accErr != nil {
		e.logger.WarnContext(ctx, "account fetch failed, equity percentages unavailable",
			slog.String("error", accErr.Error()))
		account = domain.AccountSummary{}
	}

	var (
		viewMu sync.Mutex
		views  = make([]domain.LivePosition, 0, len(open))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxConcurrentFetches)
	for _, pos := range open {
		g.Go(func() error {
			view, outcome := e.reconcileOne(gctx, pos)
			switch outcome {
			case passClosed:
				return nil
			case passSkipped:
				// SetViews replaces the whole cached set, so a skipped open
				// position would otherwise vanish from the dashboard until
				// the next poll. Carry its last view forward instead.
				cached, err := e.views.GetView(gctx, pos.ID)
				if err != nil {
					if !errors.Is(err, domain.ErrNotFound) {
						e.logger.WarnContext(gctx, "carry-forward read failed",
							slog.String("position_id", pos.ID),
							slog.String("error", err.Error()))
					}
					return nil
				}
				view = cached
			}
			viewMu.Lock()
			views = append(views, view)
			viewMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("reconcile: fan-out: %w", err)
	}

	now := time.Now().UTC()
	risk := buildRisk(views, account, now)

	if err := e.views.SetViews(ctx, views); err != nil {
		return fmt.Errorf("reconcile: cache views: %w", err)
	}
	if err := e.views.SetRisk(ctx, risk); err != nil {
		return fmt.Errorf("reconcile: cache risk: %w", err)
	}

	e.publishCycle(ctx, len(views), risk)
	e.raiseRiskAlerts(ctx, views)

	return nil
}

// ReconcileSymbol re-reconciles just the open positions on one symbol,
// upserting their views without touching the rest of the cached set. Used by
// the change bridge.
func (e *Engine) ReconcileSymbol(ctx context.Context, symbol string) error {
	open, err := e.store.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list open positions: %w", err)
	}
	for _, pos := range open {
		if pos.Symbol != symbol {
			continue
		}
		view, outcome := e.reconcileOne(ctx, pos)
		if outcome != passReconciled {
			// Skipped: the holder's pass will publish. Closed: the bridge
			// removes the view on the close notification.
			continue
		}
		if err := e.views.SetView(ctx, view); err != nil {
			return fmt.Errorf("reconcile: cache view %s: %w", pos.ID, err)
		}
	}
	return nil
}

// reconcileOne produces the authoritative view for one position.
func (e *Engine) reconcileOne(ctx context.Context, pos domain.Position) (domain.LivePosition, passOutcome) {
	if !e.tryAcquire(pos.Symbol) {
		return domain.LivePosition{}, passSkipped
	}
	defer e.release(pos.Symbol)

	snap := e.fetchSnapshot(ctx, pos.Symbol)
	view := e.merge(pos, snap)

	// The position may have closed while the exchange calls were in flight;
	// a stale pass must be discarded, not applied.
	fresh, err := e.store.GetByID(ctx, pos.ID)
	if errors.Is(err, domain.ErrNotFound) {
		// Row deleted mid-pass; nothing to show.
		return domain.LivePosition{}, passClosed
	}
	if err != nil {
		e.logger.WarnContext(ctx, "freshness re-check failed",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
		return domain.LivePosition{}, passSkipped
	}
	if fresh.Status != domain.PositionStatusOpen {
		e.logger.InfoContext(ctx, "discarding stale reconciliation pass",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pos.Symbol),
		)
		return domain.LivePosition{}, passClosed
	}

	e.repairDrift(ctx, pos, snap)

	return view, passReconciled
}

// fetchSnapshot issues the three per-symbol gateway calls concurrently. Each
// failure is recorded on the snapshot instead of aborting.
func (e *Engine) fetchSnapshot(ctx context.Context, symbol string) domain.ExchangeSnapshot {
	var (
		snap domain.ExchangeSnapshot
		wg   sync.WaitGroup
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		ticker, err := e.gateway.GetTicker(ctx, symbol)
		if err != nil {
			snap.TickerErr = err
			return
		}
		snap.Ticker = &ticker
	}()
	go func() {
		defer wg.Done()
		orders, err := e.gateway.GetPlanOrders(ctx, symbol)
		if err != nil {
			snap.OrdersErr = err
			return
		}
		snap.PlanOrders = orders
	}()
	go func() {
		defer wg.Done()
		detail, err := e.gateway.GetPosition(ctx, symbol)
		if err != nil {
			snap.DetailErr = err
			return
		}
		snap.Detail = detail
	}()
	wg.Wait()

	for _, fetchErr := range []error{snap.TickerErr, snap.OrdersErr, snap.DetailErr} {
		if fetchErr != nil {
			e.logger.WarnContext(ctx, "exchange fetch failed, falling back to stored values",
				slog.String("symbol", symbol),
				slog.String("error", fetchErr.Error()),
			)
		}
	}
	return snap
}

// merge derives the LivePosition for one cycle from the stored row and the
// exchange snapshot. Pure with respect to its inputs.
func (e *Engine) merge(pos domain.Position, snap domain.ExchangeSnapshot) domain.LivePosition {
	view := domain.LivePosition{
		Position: pos,
		Stale:    snap.Degraded(),
		AsOf:     time.Now().UTC(),
	}

	// Authoritative entry price: the exchange average wins for this cycle
	// whenever it deviates past the drift threshold, regardless of whether
	// the async correction write lands.
	entry := pos.EntryPrice
	if snap.Detail != nil && snap.Detail.OpenPriceAvg != nil {
		if math.Abs(*snap.Detail.OpenPriceAvg-pos.EntryPrice) > e.opts.EntryDriftThreshold {
			entry = *snap.Detail.OpenPriceAvg
		}
	}
	view.EntryPrice = entry

	// Current price: exchange last price, else the stored current price,
	// else entry. Never absent.
	switch {
	case snap.Ticker != nil && snap.Ticker.LastPrice != nil:
		view.CurrentPrice = *snap.Ticker.LastPrice
	case pos.CurrentPrice != nil:
		view.CurrentPrice = *pos.CurrentPrice
	default:
		view.CurrentPrice = entry
	}

	if snap.Ticker != nil {
		view.MarkPrice = snap.Ticker.MarkPrice
		view.FundingRate = snap.Ticker.FundingRate
	}

	if snap.Detail != nil {
		view.LiquidationPrice = snap.Detail.LiquidationPrice
		view.BreakEvenPrice = snap.Detail.BreakEvenPrice
		view.MarginUsed = snap.Detail.MarginUsed
		view.AchievedProfits = snap.Detail.AchievedProfits
	}

	// PnL: exchange value when reported, else the local approximation
	// against the resolved entry price.
	if snap.Detail != nil && snap.Detail.UnrealizedPnl != nil {
		view.UnrealizedPnl = *snap.Detail.UnrealizedPnl
	} else {
		view.UnrealizedPnl = localPnl(pos.Side, entry, view.CurrentPrice, pos.Quantity)
	}

	// Protective orders. The boolean flags reflect exchange-confirmed
	// protection only: when the order fetch failed they stay false even if
	// stored prices exist, while the price fields still fall back to stored
	// values for display.
	if snap.OrdersErr == nil {
		cls := Classify(snap.PlanOrders, pos.Symbol, pos.Side)
		view.HasSLOrder = len(cls.SLOrders) > 0
		view.HasTPOrders = len(cls.TPOrders) > 0
		if sl := cls.SLPrice(); sl != nil {
			view.RealSLPrice = sl
		} else {
			view.RealSLPrice = pos.SLPrice
		}
		if tps := cls.TPPrices(pos.Side); len(tps) > 0 {
			view.RealTPPrices = tps
		} else {
			view.RealTPPrices = pos.StoredTPPrices()
		}
	} else {
		view.RealSLPrice = pos.SLPrice
		view.RealTPPrices = pos.StoredTPPrices()
	}
	if view.RealTPPrices == nil {
		view.RealTPPrices = []float64{}
	}

	view.LiquidationDistance = liquidationDistance(view.CurrentPrice, view.LiquidationPrice)
	view.NearLiquidation = view.LiquidationDistance != nil && *view.LiquidationDistance < e.opts.NearLiquidationPct

	var tp1 *float64
	if t := pos.TP1(); t != nil {
		tp1 = &t.Price
	}
	if len(view.RealTPPrices) > 0 {
		tp1 = &view.RealTPPrices[0]
	}
	view.TP1Progress = tp1Progress(pos.Side, entry, view.CurrentPrice, tp1)

	return view
}

// repairDrift issues the entry-price correction and current-price refresh
// writes. Both are fire-and-forget relative to the cycle that detected them:
// the next cycle reads the corrected values, the current one already used the
// exchange values directly.
func (e *Engine) repairDrift(ctx context.Context, pos domain.Position, snap domain.ExchangeSnapshot) {
	var (
		driftEntry   *float64
		currentPrice *float64
	)
	if snap.Detail != nil && snap.Detail.OpenPriceAvg != nil {
		if math.Abs(*snap.Detail.OpenPriceAvg-pos.EntryPrice) > e.opts.EntryDriftThreshold {
			driftEntry = snap.Detail.OpenPriceAvg
		}
	}
	if snap.Ticker != nil && snap.Ticker.LastPrice != nil {
		currentPrice = snap.Ticker.LastPrice
	}
	if driftEntry == nil && currentPrice == nil {
		return
	}

	logger := e.logger
	go func() {
		// Detached from the cycle: the write must survive the poll tick that
		// spawned it but still die with process shutdown delays bounded.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		if driftEntry != nil {
			if err := e.store.UpdateEntryPrice(wctx, pos.ID, *driftEntry); err != nil {
				logger.Warn("entry price correction failed",
					slog.String("position_id", pos.ID),
					slog.Float64("open_price_avg", *driftEntry),
					slog.String("error", err.Error()),
				)
			} else {
				logger.Info("entry price drift corrected",
					slog.String("position_id", pos.ID),
					slog.Float64("stored", pos.EntryPrice),
					slog.Float64("exchange", *driftEntry),
				)
				if e.audit != nil {
					_ = e.audit.Log(wctx, domain.EventEntryPriceDrift, map[string]any{
						"position_id": pos.ID,
						"symbol":      pos.Symbol,
						"stored":      pos.EntryPrice,
						"exchange":    *driftEntry,
					})
				}
			}
		}
		if currentPrice != nil {
			if err := e.store.UpdateCurrentPrice(wctx, pos.ID, *currentPrice); err != nil {
				logger.Warn("current price refresh failed",
					slog.String("position_id", pos.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}()
}

func (e *Engine) publishCycle(ctx context.Context, positions int, risk domain.RiskSummary) {
	if e.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"event":            "reconciled",
		"positions":        positions,
		"total_unrealized": risk.TotalUnrealizedPnl,
		"used_margin":      risk.UsedMargin,
		"as_of":            risk.AsOf,
	})
	if err := e.bus.Publish(ctx, domain.ChannelEvents, payload); err != nil {
		e.logger.WarnContext(ctx, "publish cycle event failed", slog.String("error", err.Error()))
	}
}

// raiseRiskAlerts notifies operators about near-liquidation and
// confirmed-missing protection, with a per-position cooldown.
func (e *Engine) raiseRiskAlerts(ctx context.Context, views []domain.LivePosition) {
	if e.alerter == nil {
		return
	}
	for _, v := range views {
		if v.NearLiquidation && e.shouldAlert(domain.EventNearLiquidation, v.ID) {
			msg := fmt.Sprintf("%s %s at %.4f, liquidation %.4f",
				v.Symbol, v.Side, v.CurrentPrice, deref(v.LiquidationPrice))
			if err := e.alerter.Notify(ctx, domain.EventNearLiquidation, "Near liquidation", msg); err != nil {
				e.logger.WarnContext(ctx, "near-liquidation alert failed", slog.String("error", err.Error()))
			}
		}
		if missingProtection(v) && e.shouldAlert(domain.EventMissingProtection, v.ID) {
			msg := fmt.Sprintf("%s %s has stored protective prices but no live trigger order on the exchange",
				v.Symbol, v.Side)
			if err := e.alerter.Notify(ctx, domain.EventMissingProtection, "Missing protection", msg); err != nil {
				e.logger.WarnContext(ctx, "missing-protection alert failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (e *Engine) shouldAlert(event, positionID string) bool {
	key := event + ":" + positionID
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.alerted[key]; ok && now.Sub(last) < alertCooldown {
		return false
	}
	e.alerted[key] = now
	return true
}

func (e *Engine) tryAcquire(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[symbol] {
		return false
	}
	e.inflight[symbol] = true
	return true
}

func (e *Engine) release(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, symbol)
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
