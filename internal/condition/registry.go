// Package condition implements the market condition predicates that back
// condition rules. Thresholds come from each rule's params, with defaults.
package condition

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// Predicate decides whether a condition holds for the rule's symbol.
// Insufficient history is reported as false, not as an error. Validate
// rejects params that Evaluate would fail on.
type Predicate interface {
	Kind() domain.ConditionKind
	Validate(params map[string]any) error
	Evaluate(rule domain.ConditionRule, mc domain.MarketContext) (bool, error)
}

// Registry holds predicates keyed by condition kind. It is safe for
// concurrent use.
type Registry struct {
	predicates map[domain.ConditionKind]Predicate
	mu         sync.RWMutex
}

// NewRegistry returns an empty registry. Call Register to add predicates.
func NewRegistry() *Registry {
	return &Registry{predicates: make(map[domain.ConditionKind]Predicate)}
}

// Default returns a registry with every built-in predicate.
func Default() *Registry {
	r := NewRegistry()
	r.Register(NewOversold())
	r.Register(NewOverbought())
	r.Register(NewVolumeSpike())
	r.Register(NewTrendBreak())
	r.Register(NewChangePercent())
	return r
}

// Register adds p under its kind, replacing any previous predicate.
func (r *Registry) Register(p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[p.Kind()] = p
}

// Get returns the predicate for kind, or an error if none is registered.
func (r *Registry) Get(kind domain.ConditionKind) (Predicate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.predicates[kind]
	if !ok {
		return nil, fmt.Errorf("condition %q: not registered", kind)
	}
	return p, nil
}

// Has reports whether kind has a predicate.
func (r *Registry) Has(kind domain.ConditionKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.predicates[kind]
	return ok
}

// Check validates kind and params for a new rule. Errors wrap
// domain.ErrInvalidRule.
func (r *Registry) Check(kind domain.ConditionKind, params map[string]any) error {
	p, err := r.Get(kind)
	if err != nil {
		return fmt.Errorf("%w: unknown condition %q", domain.ErrInvalidRule, kind)
	}
	if err := p.Validate(params); err != nil {
		return fmt.Errorf("%w: condition %s: %v", domain.ErrInvalidRule, kind, err)
	}
	return nil
}

// List returns all registered kinds, sorted.
func (r *Registry) List() []domain.ConditionKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]domain.ConditionKind, 0, len(r.predicates))
	for k := range r.predicates {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Evaluate looks up the rule's predicate and runs it.
func (r *Registry) Evaluate(_ context.Context, rule domain.ConditionRule, mc domain.MarketContext) (bool, error) {
	p, err := r.Get(rule.Kind)
	if err != nil {
		return false, err
	}
	ok, err := p.Evaluate(rule, mc)
	if err != nil {
		return false, fmt.Errorf("condition %s: %w", rule.Kind, err)
	}
	return ok, nil
}
