package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/fieldexport/internal/config"
	"github.com/JonMunkholm/fieldexport/internal/export"
)

const (
	userKey  = "user-key"
	adminKey = "admin-key"
)

// fakeExporter records requests and answers with fn.
type fakeExporter struct {
	mu   sync.Mutex
	reqs []export.Request
	fn   func(export.Request) (export.Result, error)
}

func (f *fakeExporter) Export(ctx context.Context, req export.Request) (export.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.fn == nil {
		urls := make([]string, len(req.Keys))
		for i, k := range req.Keys {
			urls[i] = "https://objects.test/" + k
		}
		return export.Result{ExportID: "exp-1", URLs: urls}, nil
	}
	return f.fn(req)
}

func (f *fakeExporter) last(t *testing.T) export.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.reqs, "exporter was not called")
	return f.reqs[len(f.reqs)-1]
}

func testDeps(exp Exporter) Deps {
	return Deps{
		Exporter: exp,
		Limiter:  export.NewLimiter(2, time.Second),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Security: config.SecurityConfig{
			RequireAPIKey: true,
			APIKeys:       []string{userKey},
			AdminAPIKeys:  []string{adminKey},
		},
		Export: config.ExportConfig{Timeout: time.Minute, KeyPrefix: "exports"},
	}
}

func do(t *testing.T, s *Server, method, target, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := NewServer(testDeps(&fakeExporter{}))

	rec := do(t, s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status  string               `json:"status"`
		Exports export.LimiterStatus `json:"exports"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Exports.MaxConcurrent)
	assert.Equal(t, 2, body.Exports.Available)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	export.NewMetrics(reg)

	deps := testDeps(&fakeExporter{})
	deps.Gatherer = reg
	s := NewServer(deps)

	rec := do(t, s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fieldexport_exports_active")
}

func TestMetricsRouteDisabled(t *testing.T) {
	s := NewServer(testDeps(&fakeExporter{}))
	rec := do(t, s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)
	defer rl.stop()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.1"))
	assert.False(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.2"), "budgets are per client")

	now = now.Add(2 * time.Minute)
	assert.True(t, rl.allow("10.0.0.1"), "budget resets after the window")
}

func TestRateLimitedAPI(t *testing.T) {
	deps := testDeps(&fakeExporter{})
	deps.RateLimit = 1
	s := NewServer(deps)
	defer s.Shutdown(context.Background())

	first := do(t, s, http.MethodGet, "/api/sections", userKey, nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := do(t, s, http.MethodGet, "/api/sections", userKey, nil)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))
	assert.True(t, strings.Contains(second.Body.String(), "RATE001"))
}
