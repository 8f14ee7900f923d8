package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratops/bitdash/internal/domain"
)

type stubViews struct {
	views   []domain.LivePosition
	risk    domain.RiskSummary
	riskErr error
}

func (v *stubViews) SetViews(ctx context.Context, views []domain.LivePosition) error { return nil }
func (v *stubViews) SetView(ctx context.Context, view domain.LivePosition) error     { return nil }
func (v *stubViews) GetViews(ctx context.Context) ([]domain.LivePosition, error) {
	return v.views, nil
}
func (v *stubViews) GetView(ctx context.Context, id string) (domain.LivePosition, error) {
	return domain.LivePosition{}, domain.ErrNotFound
}
func (v *stubViews) SetRisk(ctx context.Context, risk domain.RiskSummary) error { return nil }
func (v *stubViews) GetRisk(ctx context.Context) (domain.RiskSummary, error) {
	return v.risk, v.riskErr
}
func (v *stubViews) Remove(ctx context.Context, id string) error { return nil }
func (v *stubViews) Invalidate(ctx context.Context) error        { return nil }

type stubHistory struct {
	positions []domain.Position
	gotOpts   domain.ListOpts
}

func (s *stubHistory) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	s.gotOpts = opts
	return s.positions, nil
}

func livePosition(id string, openedAt time.Time) domain.LivePosition {
	return domain.LivePosition{
		Position: domain.Position{ID: id, Symbol: "BTCUSDT", OpenedAt: openedAt},
	}
}

func TestListLive_SortedByOpenTimeWithRisk(t *testing.T) {
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	views := &stubViews{
		views: []domain.LivePosition{
			livePosition("pos-b", base.Add(time.Hour)),
			livePosition("pos-a", base),
		},
		risk: domain.RiskSummary{OpenPositions: 2, AccountEquity: 1000},
	}

	h := NewPositionHandler(views, &stubHistory{}, slog.New(slog.DiscardHandler))
	rec := httptest.NewRecorder()
	h.ListLive(rec, httptest.NewRequest(http.MethodGet, "/api/positions/live", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Positions []domain.LivePosition `json:"positions"`
		Risk      *domain.RiskSummary   `json:"risk"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Positions, 2)
	assert.Equal(t, "pos-a", resp.Positions[0].ID)
	assert.Equal(t, "pos-b", resp.Positions[1].ID)
	require.NotNil(t, resp.Risk)
	assert.Equal(t, 2, resp.Risk.OpenPositions)
}

func TestListLive_NoRiskBeforeFirstCycle(t *testing.T) {
	views := &stubViews{riskErr: domain.ErrNotFound}

	h := NewPositionHandler(views, &stubHistory{}, slog.New(slog.DiscardHandler))
	rec := httptest.NewRecorder()
	h.ListLive(rec, httptest.NewRequest(http.MethodGet, "/api/positions/live", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"positions":[]`)
	assert.NotContains(t, body, `"risk"`)
}

func TestListHistory_ParsesQueryParams(t *testing.T) {
	history := &stubHistory{positions: []domain.Position{{ID: "pos-1"}}}

	h := NewPositionHandler(&stubViews{}, history, slog.New(slog.DiscardHandler))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/api/positions/history?limit=10&offset=5&since=2026-08-01T00:00:00Z", nil)
	h.ListHistory(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, history.gotOpts.Limit)
	assert.Equal(t, 5, history.gotOpts.Offset)
	require.NotNil(t, history.gotOpts.Since)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), history.gotOpts.Since.UTC())
}
