package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratops/bitdash/internal/domain"
)

func TestSummarizeGroups_WeightedWinRate(t *testing.T) {
	groups := []domain.GroupStat{
		{Label: "a", Count: 10, WinRate: 100},
		{Label: "b", Count: 90, WinRate: 0},
	}

	summary := SummarizeGroups(domain.StatsByLeverage, groups)

	// 10 winning trades out of 100: weighted, not a naive 50.0.
	assert.InDelta(t, 10.0, summary.WinRate, 1e-9)
	assert.Equal(t, int64(100), summary.Trades)
}

func TestSummarizeGroups_TotalsAndAverage(t *testing.T) {
	groups := []domain.GroupStat{
		{Label: "low", Count: 4, TotalPnl: 20, WinRate: 75},
		{Label: "high", Count: 6, TotalPnl: -5, WinRate: 50},
	}

	summary := SummarizeGroups(domain.StatsByMarginBucket, groups)

	assert.Equal(t, int64(10), summary.Trades)
	assert.InDelta(t, 15.0, summary.TotalPnl, 1e-9)
	assert.InDelta(t, 1.5, summary.AvgPnl, 1e-9)
	assert.InDelta(t, 60.0, summary.WinRate, 1e-9) // (3 + 3) / 10
}

func TestSummarizeGroups_BestWorstTieBreak(t *testing.T) {
	groups := []domain.GroupStat{
		{Label: "first", Count: 5, WinRate: 60},
		{Label: "same-best", Count: 5, WinRate: 60},
		{Label: "worst", Count: 5, WinRate: 10},
		{Label: "same-worst", Count: 5, WinRate: 10},
	}

	summary := SummarizeGroups(domain.StatsByCloseReason, groups)

	require.NotNil(t, summary.Best)
	require.NotNil(t, summary.Worst)
	assert.Equal(t, "first", summary.Best.Label, "ties keep the first element")
	assert.Equal(t, "worst", summary.Worst.Label, "ties keep the first element")
}

func TestSummarizeGroups_EmptyInputYieldsZeroes(t *testing.T) {
	summary := SummarizeGroups(domain.StatsByTier, nil)

	assert.Equal(t, int64(0), summary.Trades)
	assert.Equal(t, 0.0, summary.WinRate, "zero denominator must yield 0, never NaN")
	assert.Equal(t, 0.0, summary.AvgPnl)
	assert.Nil(t, summary.Best)
	assert.Nil(t, summary.Worst)
}
