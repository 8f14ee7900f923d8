package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/stratops/bitdash/internal/domain"
)

// HistorySource is the slice of the position store the handler needs.
type HistorySource interface {
	ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionHandler serves the live and historical position endpoints.
type PositionHandler struct {
	views   domain.LiveViewCache
	history HistorySource
	logger  *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(views domain.LiveViewCache, history HistorySource, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		views:   views,
		history: history,
		logger:  logHandler(logger, "positions"),
	}
}

// liveResponse wraps the live positions and the cycle risk summary.
type liveResponse struct {
	Positions []domain.LivePosition `json:"positions"`
	Risk      *domain.RiskSummary   `json:"risk,omitempty"`
}

// ListLive returns the cached reconciled views plus the aggregate risk
// summary. Reads come straight from the cache, never from the exchange.
// GET /api/positions/live
func (h *PositionHandler) ListLive(w http.ResponseWriter, r *http.Request) {
	views, err := h.views.GetViews(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list live positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list live positions")
		return
	}
	if views == nil {
		views = []domain.LivePosition{}
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].OpenedAt.Before(views[j].OpenedAt)
	})

	resp := liveResponse{Positions: views}
	risk, err := h.views.GetRisk(r.Context())
	switch {
	case err == nil:
		resp.Risk = &risk
	case errors.Is(err, domain.ErrNotFound):
		// No cycle has completed yet; positions without risk is still useful.
	default:
		h.logger.WarnContext(r.Context(), "risk summary unavailable",
			slog.String("error", err.Error()),
		)
	}

	writeJSON(w, http.StatusOK, resp)
}

// historyResponse wraps the closed-position listing.
type historyResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListHistory returns closed positions, most recent first.
// GET /api/positions/history?limit=&offset=&since=&until=
func (h *PositionHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	positions, err := h.history.ListHistory(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list position history failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list position history")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}

	writeJSON(w, http.StatusOK, historyResponse{Positions: positions})
}
