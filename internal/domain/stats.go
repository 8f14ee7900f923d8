package domain

// StatsDimension names a grouping of closed-position statistics.
type StatsDimension string

const (
	StatsByMarginBucket StatsDimension = "margin_bucket"
	StatsByTier         StatsDimension = "tier"
	StatsByLeverage     StatsDimension = "leverage"
	StatsByRiskReward   StatsDimension = "risk_reward"
	StatsByCloseReason  StatsDimension = "close_reason"
)

// AllStatsDimensions lists the supported groupings in a stable order.
func AllStatsDimensions() []StatsDimension {
	return []StatsDimension{
		StatsByMarginBucket,
		StatsByTier,
		StatsByLeverage,
		StatsByRiskReward,
		StatsByCloseReason,
	}
}

// GroupStat is one row of grouped closed-position statistics. WinRate is a
// percentage in [0, 100].
type GroupStat struct {
	Label    string  `json:"label"`
	Count    int64   `json:"count"`
	TotalPnl float64 `json:"totalPnl"`
	WinRate  float64 `json:"winRate"`
}

// GroupSummary is the count-weighted rollup of one dimension's groups.
type GroupSummary struct {
	Dimension StatsDimension `json:"dimension"`
	Groups    []GroupStat    `json:"groups"`
	Trades    int64          `json:"trades"`
	TotalPnl  float64        `json:"totalPnl"`
	AvgPnl    float64        `json:"avgPnl"`
	WinRate   float64        `json:"winRate"`
	Best      *GroupStat     `json:"best,omitempty"`
	Worst     *GroupStat     `json:"worst,omitempty"`
}
