package domain

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Direction is the side of the target a PriceRule watches.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// RuleState is the trigger lifecycle of a rule. Triggered is terminal.
type RuleState string

const (
	RuleStatePending   RuleState = "pending"
	RuleStateTriggered RuleState = "triggered"
)

// RuleKind distinguishes the two rule families.
type RuleKind string

const (
	RuleKindPrice     RuleKind = "price"
	RuleKindCondition RuleKind = "condition"
)

// ParseRuleKind accepts the kinds used in API paths.
func ParseRuleKind(s string) (RuleKind, error) {
	switch RuleKind(strings.ToLower(s)) {
	case RuleKindPrice:
		return RuleKindPrice, nil
	case RuleKindCondition:
		return RuleKindCondition, nil
	}
	return "", fmt.Errorf("%w: unknown rule kind %q", ErrInvalidRule, s)
}

// ConditionKind names a market condition predicate.
type ConditionKind string

const (
	ConditionOversold      ConditionKind = "oversold"
	ConditionOverbought    ConditionKind = "overbought"
	ConditionVolumeSpike   ConditionKind = "volume_spike"
	ConditionTrendBreak    ConditionKind = "trend_break"
	ConditionChangePercent ConditionKind = "change_percent"
)

// PriceRule fires once when the last price crosses TargetPrice in Direction.
type PriceRule struct {
	ID                string     `json:"id" yaml:"id"`
	Symbol            string     `json:"symbol" yaml:"symbol"`
	Direction         Direction  `json:"direction" yaml:"direction"`
	TargetPrice       float64    `json:"target_price" yaml:"target_price"`
	LastObservedPrice float64    `json:"last_observed_price" yaml:"last_observed_price"`
	Active            bool       `json:"active" yaml:"active"`
	State             RuleState  `json:"state" yaml:"state"`
	CreatedAt         time.Time  `json:"created_at" yaml:"created_at"`
	TriggeredAt       *time.Time `json:"triggered_at,omitempty" yaml:"triggered_at,omitempty"`
	Message           string     `json:"message,omitempty" yaml:"message,omitempty"`
}

// Triggered reports whether the rule reached its terminal state.
func (r PriceRule) Triggered() bool { return r.State == RuleStateTriggered }

// Crossed reports whether price satisfies the rule's threshold.
func (r PriceRule) Crossed(price float64) bool {
	switch r.Direction {
	case DirectionAbove:
		return price >= r.TargetPrice
	case DirectionBelow:
		return price <= r.TargetPrice
	}
	return false
}

// Clone returns a copy that shares no pointers with r.
func (r PriceRule) Clone() PriceRule {
	if r.TriggeredAt != nil {
		t := *r.TriggeredAt
		r.TriggeredAt = &t
	}
	return r
}

// ConditionRule fires once when its predicate holds for the symbol.
type ConditionRule struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Symbol      string         `json:"symbol" yaml:"symbol"`
	Kind        ConditionKind  `json:"condition" yaml:"condition"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Active      bool           `json:"active" yaml:"active"`
	State       RuleState      `json:"state" yaml:"state"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at"`
	TriggeredAt *time.Time     `json:"triggered_at,omitempty" yaml:"triggered_at,omitempty"`
	Params      map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Triggered reports whether the rule reached its terminal state.
func (r ConditionRule) Triggered() bool { return r.State == RuleStateTriggered }

// Clone returns a copy that shares no pointers or maps with r.
func (r ConditionRule) Clone() ConditionRule {
	if r.TriggeredAt != nil {
		t := *r.TriggeredAt
		r.TriggeredAt = &t
	}
	if r.Params != nil {
		r.Params = maps.Clone(r.Params)
	}
	return r
}

// PriceRuleInput is what a caller supplies to create a PriceRule.
type PriceRuleInput struct {
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	TargetPrice *float64  `json:"target_price"`
	Message     string    `json:"message,omitempty"`
}

// Validate rejects inputs that cannot form a rule.
func (in PriceRuleInput) Validate() error {
	if NormalizeSymbol(in.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidRule)
	}
	if in.Direction != DirectionAbove && in.Direction != DirectionBelow {
		return fmt.Errorf("%w: direction must be %q or %q", ErrInvalidRule, DirectionAbove, DirectionBelow)
	}
	if in.TargetPrice == nil {
		return fmt.Errorf("%w: target price is required", ErrInvalidRule)
	}
	if *in.TargetPrice <= 0 {
		return fmt.Errorf("%w: target price must be positive", ErrInvalidRule)
	}
	return nil
}

// ConditionRuleInput is what a caller supplies to create a ConditionRule.
type ConditionRuleInput struct {
	Name        string         `json:"name"`
	Symbol      string         `json:"symbol"`
	Kind        ConditionKind  `json:"condition"`
	Description string         `json:"description,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// Validate rejects inputs that cannot form a rule. Whether Kind has a
// predicate is checked by the caller that owns the predicate set.
func (in ConditionRuleInput) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if NormalizeSymbol(in.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidRule)
	}
	if strings.TrimSpace(string(in.Kind)) == "" {
		return fmt.Errorf("%w: condition is required", ErrInvalidRule)
	}
	return nil
}

// TriggerEvent is emitted once when a rule transitions to triggered.
// Exactly one of PriceRule and ConditionRule is set.
type TriggerEvent struct {
	RuleID        string         `json:"rule_id"`
	Kind          RuleKind       `json:"kind"`
	Symbol        string         `json:"symbol"`
	Price         float64        `json:"price"`
	TriggeredAt   time.Time      `json:"triggered_at"`
	PriceRule     *PriceRule     `json:"price_rule,omitempty"`
	ConditionRule *ConditionRule `json:"condition_rule,omitempty"`
}
