// Package reconcile merges persisted positions with live exchange state into
// authoritative per-cycle views, repairs local drift, and derives risk.
package reconcile

import (
	"sort"
	"strings"

	"github.com/stratops/bitdash/internal/domain"
)

// Classification is the partition of a symbol's pending trigger orders into
// protective sets. The partitions are disjoint; an order matching neither
// predicate is dropped.
type Classification struct {
	SLOrders []domain.PlanOrder
	TPOrders []domain.PlanOrder
}

// Classify filters orders down to the given symbol (case-insensitive) and
// partitions the live ones into stop-loss and take-profit candidates.
//
// An order is a stop-loss candidate when its plan type is pos_loss or
// loss_plan, or it is a profit_loss order carrying a stop-loss trigger price.
// The take-profit rule is symmetric over pos_profit / profit_plan /
// profit_loss with a stop-surplus trigger price. A profit_loss order carrying
// both triggers counts as stop-loss; the partitions stay disjoint.
//
// No ordering among same-type candidates is implied by the input; callers
// must sort by trigger price themselves (see TPPrices).
func Classify(orders []domain.PlanOrder, symbol string, side domain.Side) Classification {
	var c Classification
	for _, o := range orders {
		if !strings.EqualFold(o.Symbol, symbol) {
			continue
		}
		if o.PlanStatus != domain.PlanStatusLive {
			continue
		}
		switch {
		case isStopLoss(o):
			c.SLOrders = append(c.SLOrders, o)
		case isTakeProfit(o):
			c.TPOrders = append(c.TPOrders, o)
		}
	}
	return c
}

func isStopLoss(o domain.PlanOrder) bool {
	switch o.PlanType {
	case domain.PlanTypePosLoss, domain.PlanTypeLossPlan:
		return true
	case domain.PlanTypeProfitLoss:
		return o.StopLossTriggerPrice != nil
	}
	return false
}

func isTakeProfit(o domain.PlanOrder) bool {
	switch o.PlanType {
	case domain.PlanTypePosProfit, domain.PlanTypeProfitPlan:
		return true
	case domain.PlanTypeProfitLoss:
		return o.StopSurplusTriggerPrice != nil
	}
	return false
}

// SLPrice returns the trigger price of the first classified stop-loss order,
// or nil when there is none or it carries no usable price.
func (c Classification) SLPrice() *float64 {
	if len(c.SLOrders) == 0 {
		return nil
	}
	o := c.SLOrders[0]
	if o.StopLossTriggerPrice != nil {
		return o.StopLossTriggerPrice
	}
	return o.TriggerPrice
}

// TPPrices returns the classified take-profit trigger prices with
// non-numeric entries dropped, sorted ascending for buy and descending for
// sell so index 0 is always the nearest target in sequence.
func (c Classification) TPPrices(side domain.Side) []float64 {
	prices := make([]float64, 0, len(c.TPOrders))
	for _, o := range c.TPOrders {
		p := o.StopSurplusTriggerPrice
		if p == nil {
			p = o.TriggerPrice
		}
		if p == nil {
			continue
		}
		prices = append(prices, *p)
	}
	sort.Float64s(prices)
	if side == domain.SideSell {
		for i, j := 0, len(prices)-1; i < j; i, j = i+1, j-1 {
			prices[i], prices[j] = prices[j], prices[i]
		}
	}
	return prices
}
