package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aayush-trivedi/ambient/internal/adapters/signal"
	"github.com/aayush-trivedi/ambient/internal/app"
	"github.com/aayush-trivedi/ambient/internal/config"
	"github.com/aayush-trivedi/ambient/internal/metrics"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Mode: "test", ReadLimit: 1024, SendQueue: 4}
	reg := prometheus.NewRegistry()
	ctrl := signal.NewSignalWSController(cfg, app.NewRegistry(), app.SimplePolicy{}, nil, metrics.NewServer(reg))
	return SetupRouter(context.Background(), cfg, ctrl, reg)
}

func TestHealthz(t *testing.T) {
	r := newRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","registered":0}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestRequestIDPropagated(t *testing.T) {
	r := newRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc", w.Header().Get("X-Request-Id"))
}

func TestMetricsExposed(t *testing.T) {
	r := newRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ambient_rendezvous_registrations_active")
}

func TestRendezvousRejectsBadID(t *testing.T) {
	r := newRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ws/rendezvous?id=bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
