package domain

import "time"

// Side is the direction of a position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionStatus tracks the lifecycle of a position. A closed position never
// reverts to open; error marks positions that need operator attention.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
	PositionStatusError  PositionStatus = "error"
)

// TakeProfit is one configured take-profit level. A position carries up to
// three of them.
type TakeProfit struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Filled   bool    `json:"filled"`
	OrderID  string  `json:"orderId,omitempty"`
}

// Position is a persisted leveraged trade. While Status is open the close
// fields (ClosePrice, RealizedPnl, ClosedAt) are unset; once written they are
// immutable and Status moves to closed.
type Position struct {
	ID           string         `json:"id"`
	Symbol       string         `json:"symbol"`
	Side         Side           `json:"side"`
	EntryPrice   float64        `json:"entryPrice"`
	Quantity     float64        `json:"quantity"`
	Leverage     float64        `json:"leverage"`
	SLPrice      *float64       `json:"slPrice,omitempty"`
	TakeProfits  []TakeProfit   `json:"takeProfits,omitempty"`
	EntryOrderID string         `json:"entryOrderId,omitempty"`
	SLOrderID    *string        `json:"slOrderId,omitempty"`
	CurrentPrice *float64       `json:"currentPrice,omitempty"` // last stored mark, previous cycle
	Status       PositionStatus `json:"status"`
	CloseReason  string         `json:"closeReason,omitempty"`
	ClosePrice   *float64       `json:"closePrice,omitempty"`
	RealizedPnl  *float64       `json:"realizedPnl,omitempty"`
	OpenedAt     time.Time      `json:"openedAt"`
	ClosedAt     *time.Time     `json:"closedAt,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// TP1 returns the first take-profit level, or nil when none is configured.
func (p Position) TP1() *TakeProfit {
	if len(p.TakeProfits) == 0 {
		return nil
	}
	tp := p.TakeProfits[0]
	return &tp
}

// StoredTPPrices returns the configured take-profit prices in stored order.
func (p Position) StoredTPPrices() []float64 {
	if len(p.TakeProfits) == 0 {
		return nil
	}
	prices := make([]float64, 0, len(p.TakeProfits))
	for _, tp := range p.TakeProfits {
		prices = append(prices, tp.Price)
	}
	return prices
}
