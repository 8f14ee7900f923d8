package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/stratops/bitdash/internal/domain"
	"github.com/stratops/bitdash/internal/service"
)

// Closer runs the close workflow.
type Closer interface {
	Close(ctx context.Context, id, reason string) (service.CloseResult, error)
}

// CloseHandler serves the manual close endpoint.
type CloseHandler struct {
	closer Closer
	logger *slog.Logger
}

// NewCloseHandler creates a CloseHandler.
func NewCloseHandler(closer Closer, logger *slog.Logger) *CloseHandler {
	return &CloseHandler{closer: closer, logger: logHandler(logger, "close")}
}

type closeRequest struct {
	Reason string `json:"reason"`
}

// ClosePosition closes an open position at market. Outcomes map to distinct
// status codes so the dashboard can drive the right operator action:
// 404 unknown id, 409 not open, 502 exchange rejected (safe to retry),
// 500 with inconsistent=true when the exchange closed but the store write
// failed (manual reconciliation required, do not retry blindly).
// POST /api/positions/{id}/close
func (h *CloseHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "position id required")
		return
	}

	var req closeRequest
	if r.Body != nil {
		// An empty or absent body means a plain manual close.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	result, err := h.closer.Close(r.Context(), id, req.Reason)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "close position failed",
			slog.String("position_id", id),
			slog.String("reason", req.Reason),
			slog.String("error", err.Error()),
		)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "position not found")
		case errors.Is(err, domain.ErrInvalidState):
			writeError(w, http.StatusConflict, "position is not open")
		case errors.Is(err, domain.ErrExchangeCloseFailed):
			writeError(w, http.StatusBadGateway, "exchange rejected the close order")
		case errors.Is(err, domain.ErrInconsistentCloseState):
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":        "position closed on exchange but store update failed",
				"inconsistent": true,
			})
		default:
			writeError(w, http.StatusInternalServerError, "failed to close position")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}
