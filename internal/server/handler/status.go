package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/alanyoungcy/tickwatch/internal/feed"
)

// StatusSnapshot is the runtime view served on /api/status.
type StatusSnapshot struct {
	Mode            string             `json:"mode"`
	StartedAt       time.Time          `json:"started_at"`
	UptimeSeconds   int64              `json:"uptime_seconds"`
	Feed            *domain.ConnStatus `json:"feed,omitempty"`
	Dispatch        feed.DispatchStats `json:"dispatch"`
	Watched         []string           `json:"watched"`
	AlertSymbols    []string           `json:"alert_symbols"`
	Rules           int                `json:"rules"`
	DroppedTriggers int64              `json:"dropped_triggers"`
}

// StatusHandler serves the runtime status of the engine.
type StatusHandler struct {
	snapshot func() StatusSnapshot
}

// NewStatusHandler creates a StatusHandler that reports snapshot().
func NewStatusHandler(snapshot func() StatusSnapshot) *StatusHandler {
	return &StatusHandler{snapshot: snapshot}
}

// GetStatus responds with the current snapshot.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	s := h.snapshot()
	if !s.StartedAt.IsZero() {
		s.UptimeSeconds = max(int64(time.Since(s.StartedAt).Seconds()), 0)
	}
	if s.Watched == nil {
		s.Watched = []string{}
	}
	if s.AlertSymbols == nil {
		s.AlertSymbols = []string{}
	}
	writeJSON(w, http.StatusOK, s)
}
