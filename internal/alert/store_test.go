package alert

import (
	"fmt"
	"testing"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kindSet map[domain.ConditionKind]bool

func (k kindSet) Check(kind domain.ConditionKind, params map[string]any) error {
	if !k[kind] {
		return fmt.Errorf("%w: unknown condition %q", domain.ErrInvalidRule, kind)
	}
	if _, ok := params["period"]; ok {
		if n, isInt := params["period"].(int); !isInt || n < 1 {
			return fmt.Errorf("%w: bad period", domain.ErrInvalidRule)
		}
	}
	return nil
}

func fixedNow() time.Time { return time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC) }

func priceInput(symbol string, dir domain.Direction, target float64) domain.PriceRuleInput {
	return domain.PriceRuleInput{Symbol: symbol, Direction: dir, TargetPrice: domain.Float(target)}
}

func TestStore_AddPriceRule(t *testing.T) {
	s := NewStore(nil, fixedNow)

	rule, err := s.AddPriceRule(priceInput("nifty", domain.DirectionAbove, 19900))
	require.NoError(t, err)

	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, "NIFTY", rule.Symbol)
	assert.Equal(t, domain.RuleStatePending, rule.State)
	assert.True(t, rule.Active)
	assert.Equal(t, fixedNow(), rule.CreatedAt)
	assert.Nil(t, rule.TriggeredAt)

	other, err := s.AddPriceRule(priceInput("NIFTY", domain.DirectionBelow, 19000))
	require.NoError(t, err)
	assert.NotEqual(t, rule.ID, other.ID)
	assert.Len(t, s.PriceRules(), 2)
}

func TestStore_AddPriceRuleValidation(t *testing.T) {
	s := NewStore(nil, fixedNow)

	tests := []struct {
		name string
		in   domain.PriceRuleInput
	}{
		{"missing target", domain.PriceRuleInput{Symbol: "NIFTY", Direction: domain.DirectionAbove}},
		{"non-positive target", priceInput("NIFTY", domain.DirectionAbove, 0)},
		{"bad direction", priceInput("NIFTY", "sideways", 100)},
		{"empty symbol", priceInput("  ", domain.DirectionBelow, 100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AddPriceRule(tt.in)
			assert.ErrorIs(t, err, domain.ErrInvalidRule)
		})
	}
	assert.Zero(t, s.Count(), "invalid rules never enter the store")
}

func TestStore_AddConditionRule(t *testing.T) {
	s := NewStore(kindSet{domain.ConditionOversold: true}, fixedNow)

	params := map[string]any{"threshold": 25.0}
	rule, err := s.AddConditionRule(domain.ConditionRuleInput{
		Name: "RSI dip", Symbol: "banknifty", Kind: domain.ConditionOversold, Params: params,
	})
	require.NoError(t, err)
	assert.Equal(t, "BANKNIFTY", rule.Symbol)
	assert.Equal(t, domain.RuleStatePending, rule.State)

	// The caller's map is not shared with the store.
	params["threshold"] = 99.0
	stored, err := s.ConditionRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 25.0, stored.Params["threshold"])

	_, err = s.AddConditionRule(domain.ConditionRuleInput{Name: "x", Symbol: "NIFTY", Kind: "moon_phase"})
	assert.ErrorIs(t, err, domain.ErrInvalidRule)

	_, err = s.AddConditionRule(domain.ConditionRuleInput{Symbol: "NIFTY", Kind: domain.ConditionOversold})
	assert.ErrorIs(t, err, domain.ErrInvalidRule)
}

func TestStore_AddConditionRuleRejectsBadParams(t *testing.T) {
	s := NewStore(kindSet{domain.ConditionOversold: true}, fixedNow)

	_, err := s.AddConditionRule(domain.ConditionRuleInput{
		Name: "dip", Symbol: "NIFTY", Kind: domain.ConditionOversold, Params: map[string]any{"period": -3},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRule)
	assert.Zero(t, s.Count(), "rules with bad params never enter the store")
}

func TestStore_NewRuleIsHiddenUntilInserted(t *testing.T) {
	s := NewStore(nil, fixedNow)

	rule, err := s.NewPriceRule(priceInput("NIFTY", domain.DirectionAbove, 19900))
	require.NoError(t, err)
	assert.Zero(t, s.Count())
	assert.Empty(t, s.ActiveSymbols())

	s.InsertPriceRule(rule)
	got, err := s.PriceRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule, got)
	assert.Equal(t, []string{"NIFTY"}, s.ActiveSymbols())
}

func TestStore_ToggleAndRemove(t *testing.T) {
	s := NewStore(nil, fixedNow)
	rule, err := s.AddPriceRule(priceInput("NIFTY", domain.DirectionAbove, 19900))
	require.NoError(t, err)

	active, err := s.ToggleActive(domain.RuleKindPrice, rule.ID)
	require.NoError(t, err)
	assert.False(t, active)
	assert.Empty(t, s.ActiveSymbols())

	active, err = s.ToggleActive(domain.RuleKindPrice, rule.ID)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, []string{"NIFTY"}, s.ActiveSymbols())

	_, err = s.ToggleActive(domain.RuleKindCondition, rule.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.Remove(domain.RuleKindPrice, rule.ID))
	assert.ErrorIs(t, s.Remove(domain.RuleKindPrice, rule.ID), domain.ErrNotFound)
	assert.Zero(t, s.Count())
}

func TestStore_TriggeredRuleCannotToggle(t *testing.T) {
	s := NewStore(nil, fixedNow)
	rule, err := s.AddPriceRule(priceInput("NIFTY", domain.DirectionAbove, 19900))
	require.NoError(t, err)

	_, fired := s.observePrice(rule.ID, 19950, fixedNow())
	require.True(t, fired)

	_, err = s.ToggleActive(domain.RuleKindPrice, rule.ID)
	assert.ErrorIs(t, err, domain.ErrRuleTriggered)

	// Removal is still allowed.
	assert.NoError(t, s.Remove(domain.RuleKindPrice, rule.ID))
}

func TestStore_ReadsAreCopies(t *testing.T) {
	s := NewStore(nil, fixedNow)
	rule, err := s.AddPriceRule(priceInput("NIFTY", domain.DirectionAbove, 19900))
	require.NoError(t, err)
	_, fired := s.observePrice(rule.ID, 20000, fixedNow())
	require.True(t, fired)

	got := s.PriceRules()
	*got[0].TriggeredAt = time.Time{}
	got[0].State = domain.RuleStatePending

	again, err := s.PriceRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStateTriggered, again.State)
	assert.Equal(t, fixedNow(), *again.TriggeredAt)
}

func TestStore_Restore(t *testing.T) {
	s := NewStore(nil, fixedNow)
	older := fixedNow().Add(-time.Hour)
	triggeredAt := fixedNow().Add(-time.Minute)

	s.Restore(
		[]domain.PriceRule{
			{ID: "b", Symbol: "nifty", Direction: domain.DirectionAbove, TargetPrice: 1, Active: true, State: domain.RuleStatePending, CreatedAt: fixedNow()},
			{ID: "a", Symbol: "SENSEX", Direction: domain.DirectionBelow, TargetPrice: 1, Active: true, State: domain.RuleStateTriggered, CreatedAt: older, TriggeredAt: &triggeredAt},
		},
		[]domain.ConditionRule{
			{ID: "c", Name: "spike", Symbol: "BANKNIFTY", Kind: domain.ConditionVolumeSpike, Active: false, State: domain.RuleStatePending, CreatedAt: older},
		},
	)

	prices := s.PriceRules()
	require.Len(t, prices, 2)
	assert.Equal(t, "a", prices[0].ID, "ordered by creation time")
	assert.Equal(t, "NIFTY", prices[1].Symbol)
	assert.Equal(t, []string{"NIFTY"}, s.ActiveSymbols())
	assert.Equal(t, 3, s.Count())
}
