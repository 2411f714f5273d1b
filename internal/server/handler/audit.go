package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// AuditReader lists audit log entries.
type AuditReader interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// AuditHandler serves the rule audit log.
type AuditHandler struct {
	audit  AuditReader
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler. audit is nil when no audit store
// is configured.
func NewAuditHandler(audit AuditReader, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger.With(slog.String("handler", "audit"))}
}

// ListAudit returns audit entries newest first.
// GET /api/audit?event=rule.triggered&since=2026-01-05T00:00:00Z&limit=50&offset=0
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}

	q := r.URL.Query()
	opts := domain.ListOpts{
		Event: q.Get("event"),
		Limit: parseLimit(r, 50, 500),
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		opts.Offset = n
	}
	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, p.key+" must be RFC3339")
			return
		}
		*p.dst = &t
	}

	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
