package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tickwatch/internal/alert"
	"github.com/alanyoungcy/tickwatch/internal/cache/memory"
	"github.com/alanyoungcy/tickwatch/internal/condition"
	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/alanyoungcy/tickwatch/internal/server/handler"
	"github.com/alanyoungcy/tickwatch/internal/service"
)

type stubFeed struct{ state domain.ConnState }

func (f stubFeed) Status() domain.ConnStatus {
	return domain.ConnStatus{State: f.state, StateName: f.state.String()}
}

func newTestHandler(t *testing.T, apiKey string, maxRules int) (http.Handler, *memory.PriceCache) {
	t.Helper()
	return newTestHandlerWithAudit(t, apiKey, maxRules, nil)
}

func newTestHandlerWithAudit(t *testing.T, apiKey string, maxRules int, audit handler.AuditReader) (http.Handler, *memory.PriceCache) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	predicates := condition.Default()
	store := alert.NewStore(predicates, nil)
	engine := alert.NewEngine(store, predicates, nil, nil, nil, logger)
	alerts := service.NewAlertService(store, engine, nil, nil, maxRules, logger)
	cache := memory.NewPriceCache()
	prices := service.NewPriceService(cache, nil, logger)

	handlers := Handlers{
		Health: handler.NewHealthHandler(stubFeed{state: domain.ConnConnecting}, logger),
		Status: handler.NewStatusHandler(func() handler.StatusSnapshot {
			return handler.StatusSnapshot{Mode: "stream", StartedAt: time.Now(), Rules: store.Count()}
		}),
		Alerts: handler.NewAlertHandler(alerts, logger),
		Quotes: handler.NewQuoteHandler(prices, logger),
		Audit:  handler.NewAuditHandler(audit, logger),
	}
	return newHandler(Config{APIKey: apiKey}, handlers, nil, nil, logger), cache
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestServer_Health(t *testing.T) {
	h, _ := newTestHandler(t, "k", 0)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "degraded", body["status"])
}

func TestServer_RequiresAPIKey(t *testing.T) {
	h, _ := newTestHandler(t, "k", 0)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/alerts", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_PriceRuleLifecycle(t *testing.T) {
	h, _ := newTestHandler(t, "k", 0)

	rec := do(t, h, http.MethodPost, "/api/alerts/price", map[string]any{
		"symbol": "nifty", "direction": "above", "target_price": 22500,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rule := decode[domain.PriceRule](t, rec)
	assert.Equal(t, "NIFTY", rule.Symbol)
	assert.True(t, rule.Active)

	rec = do(t, h, http.MethodGet, "/api/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[service.RuleList](t, rec)
	require.Len(t, list.Price, 1)
	assert.Empty(t, list.Condition)

	rec = do(t, h, http.MethodPost, "/api/alerts/price/"+rule.ID+"/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["active"])

	rec = do(t, h, http.MethodDelete, "/api/alerts/price/"+rule.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/alerts/price/"+rule.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ValidationErrors(t *testing.T) {
	h, _ := newTestHandler(t, "k", 1)

	cases := []struct {
		name string
		path string
		body any
		want int
	}{
		{"missing target", "/api/alerts/price", map[string]any{"symbol": "NIFTY", "direction": "above"}, http.StatusBadRequest},
		{"bad direction", "/api/alerts/price", map[string]any{"symbol": "NIFTY", "direction": "sideways", "target_price": 1}, http.StatusBadRequest},
		{"unknown field", "/api/alerts/price", map[string]any{"symbol": "NIFTY", "bogus": true}, http.StatusBadRequest},
		{"unknown condition", "/api/alerts/condition", map[string]any{"name": "x", "symbol": "NIFTY", "condition": "moon"}, http.StatusBadRequest},
		{"bad condition params", "/api/alerts/condition", map[string]any{"name": "x", "symbol": "NIFTY", "condition": "trend_break", "params": map[string]any{"direction": "sideways", "lookback": -3}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}

	rec := do(t, h, http.MethodPost, "/api/alerts/condition", map[string]any{
		"name": "dip", "symbol": "NIFTY", "condition": "oversold", "params": map[string]any{"threshold": 25},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/alerts/price", map[string]any{
		"symbol": "NIFTY", "direction": "above", "target_price": 1,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/alerts/widget/x/toggle", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Quotes(t *testing.T) {
	h, cache := newTestHandler(t, "k", 0)
	require.NoError(t, cache.SetTick(context.Background(), domain.Tick{Symbol: "NIFTY", LastPrice: 22500}))

	rec := do(t, h, http.MethodGet, "/api/quotes?symbols=nifty,SENSEX,nifty", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Quotes  map[string]domain.Tick `json:"quotes"`
		Missing []string               `json:"missing"`
	}](t, rec)
	assert.Equal(t, 22500.0, body.Quotes["NIFTY"].LastPrice)
	assert.Equal(t, []string{"SENSEX"}, body.Missing)

	rec = do(t, h, http.MethodGet, "/api/quotes", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Status(t *testing.T) {
	h, _ := newTestHandler(t, "k", 0)
	rec := do(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[handler.StatusSnapshot](t, rec)
	assert.Equal(t, "stream", body.Mode)
	assert.NotNil(t, body.Watched)
}

type stubAudit struct {
	got     domain.ListOpts
	entries []domain.AuditEntry
}

func (a *stubAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.got = opts
	return a.entries, nil
}

func TestServer_Audit(t *testing.T) {
	h, _ := newTestHandler(t, "k", 0)
	rec := do(t, h, http.MethodGet, "/api/audit", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	audit := &stubAudit{entries: []domain.AuditEntry{{ID: 7, Event: domain.AuditRuleTriggered}}}
	h, _ = newTestHandlerWithAudit(t, "k", 0, audit)

	rec = do(t, h, http.MethodGet, "/api/audit?event=rule.triggered&limit=5&offset=2&since=2026-01-05T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	entries := decode[[]domain.AuditEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].ID)
	assert.Equal(t, domain.AuditRuleTriggered, audit.got.Event)
	assert.Equal(t, 5, audit.got.Limit)
	assert.Equal(t, 2, audit.got.Offset)
	require.NotNil(t, audit.got.Since)
	assert.Nil(t, audit.got.Until)

	rec = do(t, h, http.MethodGet, "/api/audit?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
