package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/alanyoungcy/tickwatch/internal/service"
)

// AlertService defines what the alert handler needs from the service layer.
type AlertService interface {
	CreatePriceRule(ctx context.Context, in domain.PriceRuleInput) (domain.PriceRule, error)
	CreateConditionRule(ctx context.Context, in domain.ConditionRuleInput) (domain.ConditionRule, error)
	Toggle(ctx context.Context, kind domain.RuleKind, id string) (bool, error)
	Remove(ctx context.Context, kind domain.RuleKind, id string) error
	List() service.RuleList
	Recent(limit int) []domain.TriggerEvent
}

// AlertHandler serves rule management endpoints.
type AlertHandler struct {
	alerts AlertService
	logger *slog.Logger
}

// NewAlertHandler creates an AlertHandler.
func NewAlertHandler(alerts AlertService, logger *slog.Logger) *AlertHandler {
	return &AlertHandler{alerts: alerts, logger: logger.With(slog.String("handler", "alerts"))}
}

// ListAlerts returns every rule.
// GET /api/alerts
func (h *AlertHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	list := h.alerts.List()
	if list.Price == nil {
		list.Price = []domain.PriceRule{}
	}
	if list.Condition == nil {
		list.Condition = []domain.ConditionRule{}
	}
	writeJSON(w, http.StatusOK, list)
}

// RecentTriggers returns the most recent triggers, newest first.
// GET /api/alerts/triggers?limit=20
func (h *AlertHandler) RecentTriggers(w http.ResponseWriter, r *http.Request) {
	events := h.alerts.Recent(parseLimit(r, 20, 500))
	if events == nil {
		events = []domain.TriggerEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": events})
}

// CreatePriceRule adds a price rule.
// POST /api/alerts/price
func (h *AlertHandler) CreatePriceRule(w http.ResponseWriter, r *http.Request) {
	var in domain.PriceRuleInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rule, err := h.alerts.CreatePriceRule(r.Context(), in)
	if err != nil {
		h.fail(w, r, "create price rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// CreateConditionRule adds a condition rule.
// POST /api/alerts/condition
func (h *AlertHandler) CreateConditionRule(w http.ResponseWriter, r *http.Request) {
	var in domain.ConditionRuleInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rule, err := h.alerts.CreateConditionRule(r.Context(), in)
	if err != nil {
		h.fail(w, r, "create condition rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// ToggleRule flips a rule's active flag.
// POST /api/alerts/{kind}/{id}/toggle
func (h *AlertHandler) ToggleRule(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := ruleRef(w, r)
	if !ok {
		return
	}
	active, err := h.alerts.Toggle(r.Context(), kind, id)
	if err != nil {
		h.fail(w, r, "toggle rule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "kind": kind, "active": active})
}

// DeleteRule removes a rule.
// DELETE /api/alerts/{kind}/{id}
func (h *AlertHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := ruleRef(w, r)
	if !ok {
		return
	}
	if err := h.alerts.Remove(r.Context(), kind, id); err != nil {
		h.fail(w, r, "delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ruleRef(w http.ResponseWriter, r *http.Request) (domain.RuleKind, string, bool) {
	kind, err := domain.ParseRuleKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing rule id")
		return "", "", false
	}
	return kind, id, true
}

func (h *AlertHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}
