package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/tickwatch/internal/alert"
	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// RuleList is every rule known to the service, grouped by kind.
type RuleList struct {
	Price     []domain.PriceRule     `json:"price_rules"`
	Condition []domain.ConditionRule `json:"condition_rules"`
}

// AlertService is the mutation surface for rules. It keeps the in-memory
// store, the persistent repository and the engine's subscriptions in step.
type AlertService struct {
	store    *alert.Store
	engine   *alert.Engine
	repo     domain.RuleRepository
	audit    domain.AuditStore
	maxRules int
	logger   *slog.Logger

	// serialises create so the rule limit holds under concurrent requests
	createMu sync.Mutex
}

// NewAlertService wires the store and engine to optional persistence.
// repo and audit may be nil. maxRules <= 0 disables the limit.
func NewAlertService(
	store *alert.Store,
	engine *alert.Engine,
	repo domain.RuleRepository,
	audit domain.AuditStore,
	maxRules int,
	logger *slog.Logger,
) *AlertService {
	return &AlertService{
		store:    store,
		engine:   engine,
		repo:     repo,
		audit:    audit,
		maxRules: maxRules,
		logger:   logger.With(slog.String("component", "alert_service")),
	}
}

// Load restores persisted rules into the store and resubscribes the engine.
func (s *AlertService) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	prices, err := s.repo.ListPriceRules(ctx)
	if err != nil {
		return fmt.Errorf("alert_service: load price rules: %w", err)
	}
	conds, err := s.repo.ListConditionRules(ctx)
	if err != nil {
		return fmt.Errorf("alert_service: load condition rules: %w", err)
	}
	s.store.Restore(prices, conds)
	s.engine.Sync()

	s.logger.InfoContext(ctx, "rules loaded",
		slog.Int("price_rules", len(prices)),
		slog.Int("condition_rules", len(conds)),
	)
	return nil
}

// CreatePriceRule validates, stores and persists a new price rule.
func (s *AlertService) CreatePriceRule(ctx context.Context, in domain.PriceRuleInput) (domain.PriceRule, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	if err := s.checkLimit(); err != nil {
		return domain.PriceRule{}, err
	}
	rule, err := s.store.NewPriceRule(in)
	if err != nil {
		return domain.PriceRule{}, err
	}
	// The engine only sees the rule once it is saved.
	if s.repo != nil {
		if err := s.repo.SavePriceRule(ctx, rule); err != nil {
			return domain.PriceRule{}, fmt.Errorf("alert_service: save price rule: %w", err)
		}
	}
	s.store.InsertPriceRule(rule)
	s.engine.Sync()

	s.auditLog(ctx, domain.AuditRuleCreated, map[string]any{
		"kind":         string(domain.RuleKindPrice),
		"rule_id":      rule.ID,
		"symbol":       rule.Symbol,
		"direction":    string(rule.Direction),
		"target_price": rule.TargetPrice,
	})
	return rule, nil
}

// CreateConditionRule validates, stores and persists a new condition rule.
func (s *AlertService) CreateConditionRule(ctx context.Context, in domain.ConditionRuleInput) (domain.ConditionRule, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	if err := s.checkLimit(); err != nil {
		return domain.ConditionRule{}, err
	}
	rule, err := s.store.NewConditionRule(in)
	if err != nil {
		return domain.ConditionRule{}, err
	}
	if s.repo != nil {
		if err := s.repo.SaveConditionRule(ctx, rule); err != nil {
			return domain.ConditionRule{}, fmt.Errorf("alert_service: save condition rule: %w", err)
		}
	}
	s.store.InsertConditionRule(rule)
	s.engine.Sync()

	s.auditLog(ctx, domain.AuditRuleCreated, map[string]any{
		"kind":      string(domain.RuleKindCondition),
		"rule_id":   rule.ID,
		"symbol":    rule.Symbol,
		"condition": string(rule.Kind),
	})
	return rule, nil
}

// Toggle flips a rule's active flag and returns the new value.
func (s *AlertService) Toggle(ctx context.Context, kind domain.RuleKind, id string) (bool, error) {
	active, err := s.store.ToggleActive(kind, id)
	if err != nil {
		return false, err
	}
	if err := s.persist(ctx, kind, id); err != nil {
		return active, err
	}
	s.engine.Sync()

	s.auditLog(ctx, domain.AuditRuleToggled, map[string]any{
		"kind":    string(kind),
		"rule_id": id,
		"active":  active,
	})
	return active, nil
}

// Remove deletes a rule from the store and the repository.
func (s *AlertService) Remove(ctx context.Context, kind domain.RuleKind, id string) error {
	if err := s.store.Remove(kind, id); err != nil {
		return err
	}
	if s.repo != nil {
		if err := s.repo.DeleteRule(ctx, kind, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("alert_service: delete rule %s: %w", id, err)
		}
	}
	s.engine.Sync()

	s.auditLog(ctx, domain.AuditRuleRemoved, map[string]any{
		"kind":    string(kind),
		"rule_id": id,
	})
	return nil
}

// List returns every rule in creation order.
func (s *AlertService) List() RuleList {
	return RuleList{
		Price:     s.store.PriceRules(),
		Condition: s.store.ConditionRules(),
	}
}

// Recent returns the most recent triggers, newest first.
func (s *AlertService) Recent(limit int) []domain.TriggerEvent {
	return s.engine.RecentTriggers(limit)
}

// Symbols returns the symbols the engine currently watches.
func (s *AlertService) Symbols() []string {
	return s.engine.Symbols()
}

func (s *AlertService) checkLimit() error {
	if s.maxRules > 0 && s.store.Count() >= s.maxRules {
		return fmt.Errorf("alert_service: %w (%d)", domain.ErrRuleLimit, s.maxRules)
	}
	return nil
}

// persist writes the store's current copy of a rule to the repository.
func (s *AlertService) persist(ctx context.Context, kind domain.RuleKind, id string) error {
	if s.repo == nil {
		return nil
	}
	switch kind {
	case domain.RuleKindPrice:
		rule, err := s.store.PriceRule(id)
		if err != nil {
			return err
		}
		if err := s.repo.SavePriceRule(ctx, rule); err != nil {
			return fmt.Errorf("alert_service: save price rule %s: %w", id, err)
		}
	case domain.RuleKindCondition:
		rule, err := s.store.ConditionRule(id)
		if err != nil {
			return err
		}
		if err := s.repo.SaveConditionRule(ctx, rule); err != nil {
			return fmt.Errorf("alert_service: save condition rule %s: %w", id, err)
		}
	}
	return nil
}

func (s *AlertService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
