package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Event  string // empty matches every event
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// RuleRepository persists rule definitions and their lifecycle state.
// Saves are upserts keyed by rule ID. MarkTriggered only updates an
// existing rule and returns ErrNotFound when it has been deleted.
type RuleRepository interface {
	ListPriceRules(ctx context.Context) ([]PriceRule, error)
	ListConditionRules(ctx context.Context) ([]ConditionRule, error)
	SavePriceRule(ctx context.Context, rule PriceRule) error
	SaveConditionRule(ctx context.Context, rule ConditionRule) error
	MarkTriggered(ctx context.Context, kind RuleKind, id string, triggeredAt time.Time, lastObservedPrice float64) error
	DeleteRule(ctx context.Context, kind RuleKind, id string) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListEventBefore(ctx context.Context, event string, before time.Time, limit int) ([]AuditEntry, error)
	DeleteEventBefore(ctx context.Context, event string, before time.Time) (int64, error)
}

// Audit event names.
const (
	AuditRuleCreated   = "rule.created"
	AuditRuleToggled   = "rule.toggled"
	AuditRuleRemoved   = "rule.removed"
	AuditRuleTriggered = "alert.triggered"
)
