package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// FeedStatus reports the streaming connection state.
type FeedStatus interface {
	Status() domain.ConnStatus
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	feed   FeedStatus
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. feed may be nil in poll mode.
func NewHealthHandler(feed FeedStatus, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{feed: feed, logger: logger}
}

// HealthCheck reports liveness. A stream that is not connected reports
// "degraded" with status 200.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.feed != nil {
		st := h.feed.Status()
		resp["feed"] = st
		if st.State != domain.ConnConnected {
			resp["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
