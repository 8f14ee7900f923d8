package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stratops/bitdash/internal/domain"
)

// StatsService derives count-weighted trading statistics from the grouped
// closed-position rows the store computes.
type StatsService struct {
	store  domain.PositionStore
	logger *slog.Logger
}

// NewStatsService creates a StatsService.
func NewStatsService(store domain.PositionStore, logger *slog.Logger) *StatsService {
	return &StatsService{
		store:  store,
		logger: logger.With(slog.String("component", "stats_service")),
	}
}

// Summary computes the rollup for every supported dimension.
func (s *StatsService) Summary(ctx context.Context) ([]domain.GroupSummary, error) {
	summaries := make([]domain.GroupSummary, 0, len(domain.AllStatsDimensions()))
	for _, dim := range domain.AllStatsDimensions() {
		summary, err := s.Summarize(ctx, dim)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Summarize computes the rollup for one dimension.
func (s *StatsService) Summarize(ctx context.Context, dim domain.StatsDimension) (domain.GroupSummary, error) {
	groups, err := s.store.GroupedStats(ctx, dim)
	if err != nil {
		return domain.GroupSummary{}, fmt.Errorf("stats_service: grouped stats %s: %w", dim, err)
	}
	return SummarizeGroups(dim, groups), nil
}

// SummarizeGroups rolls grouped rows up into totals. The overall win rate is
// the trade-count-weighted average of per-group win rates, never a naive
// average of percentages. Best and worst groups are picked by win rate with a
// first-element tie-break. Every division guards the zero denominator by
// yielding 0.
func SummarizeGroups(dim domain.StatsDimension, groups []domain.GroupStat) domain.GroupSummary {
	summary := domain.GroupSummary{Dimension: dim, Groups: groups}

	var weightedWins float64
	for i, g := range groups {
		summary.Trades += g.Count
		summary.TotalPnl += g.TotalPnl
		weightedWins += g.WinRate / 100 * float64(g.Count)

		if summary.Best == nil || g.WinRate > summary.Best.WinRate {
			summary.Best = &groups[i]
		}
		if summary.Worst == nil || g.WinRate < summary.Worst.WinRate {
			summary.Worst = &groups[i]
		}
	}

	if summary.Trades > 0 {
		summary.AvgPnl = summary.TotalPnl / float64(summary.Trades)
		summary.WinRate = weightedWins / float64(summary.Trades) * 100
	}
	return summary
}
