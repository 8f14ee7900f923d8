package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stratops/bitdash/internal/bridge"
	"github.com/stratops/bitdash/internal/platform/bitget"
	"github.com/stratops/bitdash/internal/reconcile"
	"github.com/stratops/bitdash/internal/server"
	"github.com/stratops/bitdash/internal/server/handler"
	"github.com/stratops/bitdash/internal/service"
)

// MonitorMode runs the reconcile loop, the change bridge, the ticker feed,
// and the archiver. No HTTP server; the dashboard reads stale data until a
// server-mode replica comes up.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	engine := a.newEngine(deps)
	a.startMonitoring(ctx, g, deps, engine, nil)

	return g.Wait()
}

// ServerMode runs only the HTTP API, serving whatever the live-view cache
// holds. Manual closes still work: the close workflow talks to the exchange
// directly rather than through the reconcile loop.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	closeSvc := a.newCloseService(deps)
	a.startHTTPServer(ctx, g, deps, closeSvc)

	return g.Wait()
}

// FullMode runs everything in one process: reconcile loop, bridge, feed,
// archiver, and the HTTP API. The close service is shared so the bridge can
// tell closes it initiated apart from external ones.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	engine := a.newEngine(deps)
	closeSvc := a.newCloseService(deps)

	a.startMonitoring(ctx, g, deps, engine, closeSvc)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, closeSvc)
	} else {
		a.logger.Info("http server disabled by config")
	}

	return g.Wait()
}

func (a *App) newEngine(deps *Dependencies) *reconcile.Engine {
	return reconcile.NewEngine(
		deps.PositionStore,
		deps.Gateway,
		deps.Views,
		deps.Bus,
		deps.AuditStore,
		deps.Notifier,
		deps.Locks,
		reconcile.Options{
			EntryDriftThreshold:  a.cfg.Reconcile.EntryDriftThreshold,
			NearLiquidationPct:   a.cfg.Reconcile.NearLiquidationPct,
			MaxConcurrentFetches: a.cfg.Reconcile.MaxConcurrentFetches,
			PollInterval:         a.cfg.Reconcile.PollInterval.Duration,
			LockTTL:              a.cfg.Reconcile.LockTTL.Duration,
		},
		a.logger,
	)
}

func (a *App) newCloseService(deps *Dependencies) *service.CloseService {
	return service.NewCloseService(
		deps.PositionStore,
		deps.Gateway,
		deps.Views,
		deps.Prices,
		deps.Bus,
		deps.AuditStore,
		deps.Notifier,
		a.logger,
	)
}

// startMonitoring launches the background goroutines shared by monitor and
// full modes. closeSvc may be nil when no close endpoint exists in this
// process; the bridge then treats every close as external.
func (a *App) startMonitoring(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	engine *reconcile.Engine,
	closeSvc *service.CloseService,
) {
	g.Go(func() error {
		return engine.Run(ctx)
	})

	var tracker bridge.CloseTracker
	if closeSvc != nil {
		tracker = closeSvc
	}
	listener := bridge.NewListener(deps.Bus, engine, tracker, deps.Views, deps.Notifier, a.logger)
	g.Go(func() error {
		return listener.Run(ctx)
	})

	if a.cfg.Bitget.FeedEnabled {
		feed := bitget.NewTickerFeed(
			a.cfg.Bitget.WsURL,
			a.cfg.Bitget.ProductType,
			a.openSymbols(deps),
			deps.Prices,
			a.logger,
		)
		g.Go(func() error {
			return feed.Run(ctx)
		})
		g.Go(func() error {
			<-ctx.Done()
			feed.Close()
			return nil
		})
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}
}

// openSymbols returns a SymbolSource listing the distinct symbols of the
// currently open positions, so the ticker feed only subscribes to channels
// it needs.
func (a *App) openSymbols(deps *Dependencies) bitget.SymbolSource {
	return func(ctx context.Context) ([]string, error) {
		open, err := deps.PositionStore.ListOpen(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: list open symbols: %w", err)
		}
		seen := make(map[string]struct{}, len(open))
		var symbols []string
		for _, pos := range open {
			if _, ok := seen[pos.Symbol]; ok {
				continue
			}
			seen[pos.Symbol] = struct{}{}
			symbols = append(symbols, pos.Symbol)
		}
		sort.Strings(symbols)
		return symbols, nil
	}
}

// startHTTPServer builds the handler set, starts the API server, and shuts
// it down gracefully when the group context is cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	closeSvc *service.CloseService,
) {
	statsSvc := service.NewStatsService(deps.PositionStore, a.logger)

	srv := server.NewServer(
		server.Config{
			Port:            a.cfg.Server.Port,
			CORSOrigins:     a.cfg.Server.CORSOrigins,
			APIKey:          a.cfg.Server.APIKey,
			RateLimit:       a.cfg.Server.RateLimit,
			RateLimitWindow: a.cfg.Server.RateWindow.Duration,
		},
		server.Handlers{
			Health:    handler.NewHealthHandler(deps.Checks, a.logger),
			Positions: handler.NewPositionHandler(deps.Views, deps.PositionStore, a.logger),
			Close:     handler.NewCloseHandler(closeSvc, a.logger),
			Stats:     handler.NewStatsHandler(statsSvc, a.logger),
			Audit:     handler.NewAuditHandler(deps.AuditStore, a.logger),
		},
		deps.Limiter,
		a.logger,
	)

	g.Go(func() error {
		a.logger.Info("http server listening", slog.Int("port", a.cfg.Server.Port))
		if err := srv.Start(); err != nil {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http server shutdown", slog.String("error", err.Error()))
		}
		return nil
	})
}
