package reconcile

import (
	"math"
	"time"

	"github.com/stratops/bitdash/internal/domain"
)

// localPnl is the documented approximation used when the exchange reports no
// unrealized PnL: price delta times quantity, inverted for shorts. entry must
// be the already-resolved authoritative entry price.
func localPnl(side domain.Side, entry, current, quantity float64) float64 {
	if side == domain.SideSell {
		return (entry - current) * quantity
	}
	return (current - entry) * quantity
}

// liquidationDistance is the relative distance between current price and the
// liquidation price, or nil when it cannot be computed.
func liquidationDistance(current float64, liquidation *float64) *float64 {
	if liquidation == nil || current == 0 {
		return nil
	}
	d := math.Abs(current-*liquidation) / current
	return &d
}

// tp1Progress is how far the current price has travelled from entry toward
// the first take-profit target, as a percentage clamped to [0, 100]. Returns
// 0 when the target is on the wrong side of entry or there is no target.
func tp1Progress(side domain.Side, entry, current float64, tp1 *float64) float64 {
	if tp1 == nil {
		return 0
	}
	var progress float64
	switch side {
	case domain.SideBuy:
		if *tp1 <= entry {
			return 0
		}
		progress = (current - entry) / (*tp1 - entry) * 100
	case domain.SideSell:
		if *tp1 >= entry {
			return 0
		}
		progress = (entry - current) / (entry - *tp1) * 100
	}
	return math.Min(100, math.Max(0, progress))
}

// buildRisk aggregates risk across one cycle's views. Percentages are
// relative to account equity and 0 when equity is 0.
func buildRisk(views []domain.LivePosition, account domain.AccountSummary, now time.Time) domain.RiskSummary {
	risk := domain.RiskSummary{
		OpenPositions: len(views),
		AccountEquity: account.Equity,
		Available:     account.Available,
		AsOf:          now,
	}
	for _, v := range views {
		if v.Leverage > 0 {
			risk.UsedMargin += v.Quantity * v.EntryPrice / v.Leverage
		}
		risk.TotalUnrealizedPnl += v.UnrealizedPnl
		if v.NearLiquidation {
			risk.NearLiquidationCount++
		}
		if missingProtection(v) {
			risk.MissingProtectionCount++
		}
	}
	if account.Equity > 0 {
		risk.MarginUsagePct = risk.UsedMargin / account.Equity * 100
		risk.UnrealizedPnlPct = risk.TotalUnrealizedPnl / account.Equity * 100
	}
	return risk
}

// missingProtection reports whether the exchange confirmed the absence of a
// trigger order the stored position says should exist. Stale views never
// count: unknown is not confirmed-missing.
func missingProtection(v domain.LivePosition) bool {
	if v.Stale {
		return false
	}
	if v.SLPrice != nil && !v.HasSLOrder {
		return true
	}
	if len(v.TakeProfits) > 0 && !v.HasTPOrders {
		return true
	}
	return false
}
