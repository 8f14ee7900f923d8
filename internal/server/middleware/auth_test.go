package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func authProbe(t *testing.T, apiKey string, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	Auth(apiKey)(next).ServeHTTP(rec, req)
	return rec
}

func TestAuth_EmptyKeyDisablesAuthentication(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/positions/live", nil)
	assert.Equal(t, http.StatusOK, authProbe(t, "", req).Code)
}

func TestAuth_HealthIsExempt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, authProbe(t, "secret", req).Code,
		"health must answer probes without credentials even with auth enabled")
}

func TestAuth_RejectsMissingAndWrongTokens(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/positions/live", nil)
	assert.Equal(t, http.StatusUnauthorized, authProbe(t, "secret", req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/positions/live", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, authProbe(t, "secret", req).Code)
}

func TestAuth_AcceptsBearerAndHeaderKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/positions/live", nil)
	req.Header.Set("Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, authProbe(t, "secret", req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/positions/live", nil)
	req.Header.Set("X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, authProbe(t, "secret", req).Code)
}
