package domain

import "time"

// LivePosition is the per-cycle merge of a stored Position with live exchange
// state. It is derived, read-only, and never outlives the cycle that produced
// it (the cached copy is replaced wholesale every cycle). Every numeric field
// has a defined fallback so the view never carries a non-number where
// arithmetic or display expects one.
type LivePosition struct {
	Position

	// CurrentPrice resolves lastPr -> stored current price -> entry price.
	CurrentPrice float64 `json:"currentPrice"`
	// UnrealizedPnl prefers the exchange value, else the local approximation
	// against the resolved entry price.
	UnrealizedPnl float64 `json:"unrealizedPnl"`

	MarkPrice        *float64 `json:"markPrice,omitempty"`
	FundingRate      *float64 `json:"fundingRate,omitempty"`
	LiquidationPrice *float64 `json:"liquidationPrice,omitempty"`
	BreakEvenPrice   *float64 `json:"breakEvenPrice,omitempty"`
	MarginUsed       *float64 `json:"marginUsed,omitempty"`
	AchievedProfits  *float64 `json:"achievedProfits,omitempty"`

	// RealSLPrice and RealTPPrices reflect live trigger orders when the
	// exchange reported any, else the stored protective prices as a display
	// fallback. TP prices are sorted ascending for buy and descending for
	// sell so index 0 is the nearest target.
	RealSLPrice  *float64  `json:"realSlPrice,omitempty"`
	RealTPPrices []float64 `json:"realTpPrices"`

	// HasSLOrder / HasTPOrders are exchange-confirmed protection only. They
	// stay false when the plan-order fetch failed, regardless of stored
	// prices: unknown protection is surfaced as unprotected.
	HasSLOrder  bool `json:"hasSlOrder"`
	HasTPOrders bool `json:"hasTpOrders"`

	NearLiquidation     bool     `json:"nearLiquidation"`
	LiquidationDistance *float64 `json:"liquidationDistance,omitempty"`
	TP1Progress         float64  `json:"tp1Progress"`

	// Stale marks views built from stored values because one or more
	// exchange calls failed this cycle.
	Stale bool      `json:"stale"`
	AsOf  time.Time `json:"asOf"`
}

// RiskSummary aggregates risk across all open positions for one cycle.
type RiskSummary struct {
	OpenPositions          int       `json:"openPositions"`
	UsedMargin             float64   `json:"usedMargin"`
	TotalUnrealizedPnl     float64   `json:"totalUnrealizedPnl"`
	AccountEquity          float64   `json:"accountEquity"`
	Available              float64   `json:"available"`
	MarginUsagePct         float64   `json:"marginUsagePct"`
	UnrealizedPnlPct       float64   `json:"unrealizedPnlPct"`
	NearLiquidationCount   int       `json:"nearLiquidationCount"`
	MissingProtectionCount int       `json:"missingProtectionCount"`
	AsOf                   time.Time `json:"asOf"`
}
