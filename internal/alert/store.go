package alert

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// KindChecker validates a condition kind and its parameters. Check returns
// an error wrapping domain.ErrInvalidRule for unknown kinds or bad params.
type KindChecker interface {
	Check(kind domain.ConditionKind, params map[string]any) error
}

// Store holds price and condition rules in creation order. All reads return
// copies and every mutation happens under one mutex, so the evaluation
// engine's check-then-trigger is atomic with respect to other callers.
type Store struct {
	kinds KindChecker
	now   func() time.Time
	newID func() string

	mu         sync.Mutex
	prices     []domain.PriceRule
	conditions []domain.ConditionRule
}

// NewStore creates an empty Store. kinds may be nil to accept any
// condition kind; now defaults to time.Now.
func NewStore(kinds KindChecker, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		kinds: kinds,
		now:   now,
		newID: uuid.NewString,
	}
}

// AddPriceRule validates in and appends a new pending, active rule.
func (s *Store) AddPriceRule(in domain.PriceRuleInput) (domain.PriceRule, error) {
	rule, err := s.NewPriceRule(in)
	if err != nil {
		return domain.PriceRule{}, err
	}
	s.InsertPriceRule(rule)
	return rule, nil
}

// NewPriceRule validates in and builds a pending, active rule with a fresh
// ID. The rule is not visible to readers until InsertPriceRule.
func (s *Store) NewPriceRule(in domain.PriceRuleInput) (domain.PriceRule, error) {
	if err := in.Validate(); err != nil {
		return domain.PriceRule{}, fmt.Errorf("alert: add price rule: %w", err)
	}

	rule := domain.PriceRule{
		ID:          s.newID(),
		Symbol:      domain.NormalizeSymbol(in.Symbol),
		Direction:   in.Direction,
		TargetPrice: *in.TargetPrice,
		Active:      true,
		State:       domain.RuleStatePending,
		CreatedAt:   s.now(),
		Message:     in.Message,
	}
	return rule, nil
}

// InsertPriceRule appends a rule built by NewPriceRule.
func (s *Store) InsertPriceRule(rule domain.PriceRule) {
	s.mu.Lock()
	s.prices = append(s.prices, rule.Clone())
	s.mu.Unlock()
}

// AddConditionRule validates in and appends a new pending, active rule.
func (s *Store) AddConditionRule(in domain.ConditionRuleInput) (domain.ConditionRule, error) {
	rule, err := s.NewConditionRule(in)
	if err != nil {
		return domain.ConditionRule{}, err
	}
	s.InsertConditionRule(rule)
	return rule, nil
}

// NewConditionRule validates in, including the kind's parameters, and
// builds a pending, active rule without adding it.
func (s *Store) NewConditionRule(in domain.ConditionRuleInput) (domain.ConditionRule, error) {
	if err := in.Validate(); err != nil {
		return domain.ConditionRule{}, fmt.Errorf("alert: add condition rule: %w", err)
	}
	if s.kinds != nil {
		if err := s.kinds.Check(in.Kind, in.Params); err != nil {
			return domain.ConditionRule{}, fmt.Errorf("alert: add condition rule: %w", err)
		}
	}

	rule := domain.ConditionRule{
		ID:          s.newID(),
		Name:        in.Name,
		Symbol:      domain.NormalizeSymbol(in.Symbol),
		Kind:        in.Kind,
		Description: in.Description,
		Active:      true,
		State:       domain.RuleStatePending,
		CreatedAt:   s.now(),
		Params:      in.Params,
	}
	return rule.Clone(), nil
}

// InsertConditionRule appends a rule built by NewConditionRule.
func (s *Store) InsertConditionRule(rule domain.ConditionRule) {
	s.mu.Lock()
	s.conditions = append(s.conditions, rule.Clone())
	s.mu.Unlock()
}

// ToggleActive flips a rule's active flag and returns the new value.
// Triggered rules cannot be toggled.
func (s *Store) ToggleActive(kind domain.RuleKind, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case domain.RuleKindPrice:
		i := s.priceIndexLocked(id)
		if i < 0 {
			return false, fmt.Errorf("alert: toggle price rule %s: %w", id, domain.ErrNotFound)
		}
		if s.prices[i].Triggered() {
			return false, fmt.Errorf("alert: toggle price rule %s: %w", id, domain.ErrRuleTriggered)
		}
		s.prices[i].Active = !s.prices[i].Active
		return s.prices[i].Active, nil
	case domain.RuleKindCondition:
		i := s.conditionIndexLocked(id)
		if i < 0 {
			return false, fmt.Errorf("alert: toggle condition rule %s: %w", id, domain.ErrNotFound)
		}
		if s.conditions[i].Triggered() {
			return false, fmt.Errorf("alert: toggle condition rule %s: %w", id, domain.ErrRuleTriggered)
		}
		s.conditions[i].Active = !s.conditions[i].Active
		return s.conditions[i].Active, nil
	}
	return false, fmt.Errorf("alert: toggle: %w: unknown kind %q", domain.ErrInvalidRule, kind)
}

// Remove deletes a rule regardless of its state.
func (s *Store) Remove(kind domain.RuleKind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case domain.RuleKindPrice:
		i := s.priceIndexLocked(id)
		if i < 0 {
			return fmt.Errorf("alert: remove price rule %s: %w", id, domain.ErrNotFound)
		}
		s.prices = append(s.prices[:i], s.prices[i+1:]...)
		return nil
	case domain.RuleKindCondition:
		i := s.conditionIndexLocked(id)
		if i < 0 {
			return fmt.Errorf("alert: remove condition rule %s: %w", id, domain.ErrNotFound)
		}
		s.conditions = append(s.conditions[:i], s.conditions[i+1:]...)
		return nil
	}
	return fmt.Errorf("alert: remove: %w: unknown kind %q", domain.ErrInvalidRule, kind)
}

// Restore replaces the store's contents with persisted rules, keeping their
// IDs and state. Rules are ordered by creation time.
func (s *Store) Restore(prices []domain.PriceRule, conditions []domain.ConditionRule) {
	p := make([]domain.PriceRule, 0, len(prices))
	for _, r := range prices {
		r.Symbol = domain.NormalizeSymbol(r.Symbol)
		p = append(p, r.Clone())
	}
	c := make([]domain.ConditionRule, 0, len(conditions))
	for _, r := range conditions {
		r.Symbol = domain.NormalizeSymbol(r.Symbol)
		c = append(c, r.Clone())
	}
	sort.SliceStable(p, func(i, j int) bool { return p[i].CreatedAt.Before(p[j].CreatedAt) })
	sort.SliceStable(c, func(i, j int) bool { return c[i].CreatedAt.Before(c[j].CreatedAt) })

	s.mu.Lock()
	s.prices = p
	s.conditions = c
	s.mu.Unlock()
}

// PriceRules returns all price rules in creation order.
func (s *Store) PriceRules() []domain.PriceRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PriceRule, len(s.prices))
	for i, r := range s.prices {
		out[i] = r.Clone()
	}
	return out
}

// ConditionRules returns all condition rules in creation order.
func (s *Store) ConditionRules() []domain.ConditionRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ConditionRule, len(s.conditions))
	for i, r := range s.conditions {
		out[i] = r.Clone()
	}
	return out
}

// PriceRule returns one price rule by ID.
func (s *Store) PriceRule(id string) (domain.PriceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.priceIndexLocked(id)
	if i < 0 {
		return domain.PriceRule{}, fmt.Errorf("alert: price rule %s: %w", id, domain.ErrNotFound)
	}
	return s.prices[i].Clone(), nil
}

// ConditionRule returns one condition rule by ID.
func (s *Store) ConditionRule(id string) (domain.ConditionRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.conditionIndexLocked(id)
	if i < 0 {
		return domain.ConditionRule{}, fmt.Errorf("alert: condition rule %s: %w", id, domain.ErrNotFound)
	}
	return s.conditions[i].Clone(), nil
}

// Count returns the total number of rules of both kinds.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prices) + len(s.conditions)
}

// ActiveSymbols returns the sorted symbols that have at least one active,
// pending rule.
func (s *Store) ActiveSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[string]struct{})
	for _, r := range s.prices {
		if r.Active && !r.Triggered() {
			set[r.Symbol] = struct{}{}
		}
	}
	for _, r := range s.conditions {
		if r.Active && !r.Triggered() {
			set[r.Symbol] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// --------------------------------------------------------------------------
// Engine-facing mutations
// --------------------------------------------------------------------------

// eligiblePriceIDs returns IDs of active, pending price rules on symbol.
func (s *Store) eligiblePriceIDs(symbol string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, r := range s.prices {
		if r.Symbol == symbol && r.Active && !r.Triggered() {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// eligibleConditions returns active, pending condition rules on symbol.
func (s *Store) eligibleConditions(symbol string) []domain.ConditionRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ConditionRule
	for _, r := range s.conditions {
		if r.Symbol == symbol && r.Active && !r.Triggered() {
			out = append(out, r.Clone())
		}
	}
	return out
}

// observePrice records price on the rule and triggers it if the threshold
// is crossed. fired is true only on the single transition to triggered.
func (s *Store) observePrice(id string, price float64, at time.Time) (rule domain.PriceRule, fired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.priceIndexLocked(id)
	if i < 0 {
		return domain.PriceRule{}, false
	}
	r := &s.prices[i]
	if !r.Active || r.Triggered() {
		return r.Clone(), false
	}

	r.LastObservedPrice = price
	if !r.Crossed(price) {
		return r.Clone(), false
	}

	ts := at
	r.State = domain.RuleStateTriggered
	r.TriggeredAt = &ts
	return r.Clone(), true
}

// triggerCondition moves a condition rule to triggered if it is still
// active and pending.
func (s *Store) triggerCondition(id string, at time.Time) (rule domain.ConditionRule, fired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.conditionIndexLocked(id)
	if i < 0 {
		return domain.ConditionRule{}, false
	}
	r := &s.conditions[i]
	if !r.Active || r.Triggered() {
		return r.Clone(), false
	}

	ts := at
	r.State = domain.RuleStateTriggered
	r.TriggeredAt = &ts
	return r.Clone(), true
}

func (s *Store) priceIndexLocked(id string) int {
	for i := range s.prices {
		if s.prices[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) conditionIndexLocked(id string) int {
	for i := range s.conditions {
		if s.conditions[i].ID == id {
			return i
		}
	}
	return -1
}
