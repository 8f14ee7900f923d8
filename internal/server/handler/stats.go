package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/stratops/bitdash/internal/domain"
)

// StatsSource provides the grouped trading statistics.
type StatsSource interface {
	Summary(ctx context.Context) ([]domain.GroupSummary, error)
	Summarize(ctx context.Context, dim domain.StatsDimension) (domain.GroupSummary, error)
}

// StatsHandler serves the trading statistics endpoints.
type StatsHandler struct {
	stats  StatsSource
	logger *slog.Logger
}

// NewStatsHandler creates a StatsHandler.
func NewStatsHandler(stats StatsSource, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{stats: stats, logger: logHandler(logger, "stats")}
}

// statsResponse wraps the per-dimension summaries.
type statsResponse struct {
	Summaries []domain.GroupSummary `json:"summaries"`
}

// Summary returns grouped statistics. Without a dimension parameter all
// dimensions are computed; with one, only that dimension.
// GET /api/stats/summary?dimension=margin_bucket
func (h *StatsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	if dim := r.URL.Query().Get("dimension"); dim != "" {
		summary, err := h.stats.Summarize(r.Context(), domain.StatsDimension(dim))
		if err != nil {
			h.logger.ErrorContext(r.Context(), "stats summary failed",
				slog.String("dimension", dim),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusBadRequest, "unknown stats dimension")
			return
		}
		writeJSON(w, http.StatusOK, statsResponse{Summaries: []domain.GroupSummary{summary}})
		return
	}

	summaries, err := h.stats.Summary(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "stats summary failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to compute stats summary")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Summaries: summaries})
}
