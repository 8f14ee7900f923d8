package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratops/bitdash/internal/domain"
	"github.com/stratops/bitdash/internal/service"
)

type stubCloser struct {
	result service.CloseResult
	err    error
	gotID  string
	reason string
}

func (c *stubCloser) Close(ctx context.Context, id, reason string) (service.CloseResult, error) {
	c.gotID = id
	c.reason = reason
	return c.result, c.err
}

func doClose(t *testing.T, closer *stubCloser, body string) *httptest.ResponseRecorder {
	t.Helper()

	h := NewCloseHandler(closer, slog.New(slog.DiscardHandler))
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/positions/{id}/close", h.ClosePosition)

	req := httptest.NewRequest(http.MethodPost, "/api/positions/pos-1/close", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestClosePosition_Success(t *testing.T) {
	closer := &stubCloser{result: service.CloseResult{
		PositionID:  "pos-1",
		ClosePrice:  105,
		RealizedPnl: 10,
	}}

	rec := doClose(t, closer, `{"reason":"tp_hit"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pos-1", closer.gotID)
	assert.Equal(t, "tp_hit", closer.reason)
	assert.Contains(t, rec.Body.String(), `"closePrice":105`)
}

func TestClosePosition_EmptyBodyDefaultsToManual(t *testing.T) {
	closer := &stubCloser{}
	rec := doClose(t, closer, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "manual", closer.reason)
}

func TestClosePosition_ErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unknown position", domain.ErrNotFound, http.StatusNotFound},
		{"not open", domain.ErrInvalidState, http.StatusConflict},
		{"exchange rejected", domain.ErrExchangeCloseFailed, http.StatusBadGateway},
		{"inconsistent state", domain.ErrInconsistentCloseState, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doClose(t, &stubCloser{err: tc.err}, "")
			assert.Equal(t, tc.wantStatus, rec.Code)
		})
	}
}

func TestClosePosition_InconsistentStateIsMarked(t *testing.T) {
	rec := doClose(t, &stubCloser{err: domain.ErrInconsistentCloseState}, "")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"inconsistent":true`)
}

func TestClosePosition_MalformedBodyRejected(t *testing.T) {
	closer := &stubCloser{}
	rec := doClose(t, closer, "{not json")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, closer.gotID)
}
