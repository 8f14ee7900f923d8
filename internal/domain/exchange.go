package domain

import "context"

// Ticker is the latest public price snapshot for a symbol.
type Ticker struct {
	Symbol      string
	LastPrice   *float64
	MarkPrice   *float64
	FundingRate *float64
}

// PositionDetail is the exchange's own view of an open position. All fields
// are pointers: the exchange omits or blanks values it cannot compute, and
// absence must be distinguishable from zero.
type PositionDetail struct {
	Symbol           string
	OpenPriceAvg     *float64
	LiquidationPrice *float64
	UnrealizedPnl    *float64
	MarginUsed       *float64
	AchievedProfits  *float64
	BreakEvenPrice   *float64
}

// AccountSummary is the futures account equity snapshot.
type AccountSummary struct {
	Equity    float64
	Available float64
}

// ExchangeGateway is the RPC surface against the exchange. Every call is
// network-bound and may fail independently; failures wrap
// ErrGatewayUnavailable so callers can contain them per symbol.
type ExchangeGateway interface {
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetPlanOrders(ctx context.Context, symbol string) ([]PlanOrder, error)
	GetPosition(ctx context.Context, symbol string) (*PositionDetail, error)
	GetAccount(ctx context.Context) (AccountSummary, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
}

// ExchangeSnapshot is the cycle-local fetch result for one symbol. It is
// owned by the reconciliation pass that produced it and never persisted.
// Each fetch records its own error so the merge can fall back field by field.
type ExchangeSnapshot struct {
	Ticker     *Ticker
	Detail     *PositionDetail
	PlanOrders []PlanOrder

	TickerErr error
	DetailErr error
	OrdersErr error
}

// Degraded reports whether any of the three per-symbol fetches failed.
func (s ExchangeSnapshot) Degraded() bool {
	return s.TickerErr != nil || s.DetailErr != nil || s.OrdersErr != nil
}
