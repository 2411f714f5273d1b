package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuth(t *testing.T) {
	h := Auth("secret", "/api/health")(okHandler)

	cases := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"missing", "/api/alerts", nil, http.StatusUnauthorized},
		{"wrong", "/api/alerts", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"bearer", "/api/alerts", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"header", "/api/alerts", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"public", "/api/health", nil, http.StatusOK},
		{"query ignored for plain requests", "/api/alerts?api_key=secret", nil, http.StatusUnauthorized},
		{"query for websocket", "/ws?api_key=secret", map[string]string{"Upgrade": "websocket"}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestAuth_Disabled(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth("")(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/alerts", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://dash.example"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/alerts", nil)
	req.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

type stubLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (l *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	return l.allowed, l.err
}

func (l *stubLimiter) Wait(context.Context, string) error { return nil }

func TestRateLimit(t *testing.T) {
	l := &stubLimiter{allowed: false}
	h := RateLimit(l, 1, 2*time.Second)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 172.16.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"api:10.0.0.1"}, l.keys)

	// limiter failures let the request through
	l.err = errors.New("redis down")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/alerts", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogging_CapturesStatus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
