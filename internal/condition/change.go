package condition

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// ChangePercent fires when the day's percentage change reaches threshold.
// The feed's change percent is used when present, otherwise the change
// from the open, otherwise from the oldest tracked price.
// Params: threshold (default 2) and direction (default either).
type ChangePercent struct{}

// NewChangePercent returns the change_percent predicate.
func NewChangePercent() *ChangePercent { return &ChangePercent{} }

func (p *ChangePercent) Kind() domain.ConditionKind { return domain.ConditionChangePercent }

type changeParams struct {
	threshold float64
	direction string
}

func parseChangeParams(params map[string]any) (changeParams, error) {
	threshold, err := paramFloat(params, "threshold", 2)
	if err != nil {
		return changeParams{}, err
	}
	if threshold <= 0 {
		return changeParams{}, fmt.Errorf("param threshold: must be positive, got %v", threshold)
	}
	direction := paramString(params, "direction", directionEither)
	if err := checkDirection(direction); err != nil {
		return changeParams{}, err
	}
	return changeParams{threshold: threshold, direction: direction}, nil
}

func (p *ChangePercent) Validate(params map[string]any) error {
	_, err := parseChangeParams(params)
	return err
}

func (p *ChangePercent) Evaluate(rule domain.ConditionRule, mc domain.MarketContext) (bool, error) {
	cp, err := parseChangeParams(rule.Params)
	if err != nil {
		return false, err
	}
	threshold, direction := cp.threshold, cp.direction

	chp, ok := changePercent(mc)
	if !ok {
		return false, nil
	}
	switch direction {
	case directionUp:
		return chp >= threshold, nil
	case directionDown:
		return chp <= -threshold, nil
	}
	return math.Abs(chp) >= threshold, nil
}

func changePercent(mc domain.MarketContext) (float64, bool) {
	t := mc.Latest
	if t.ChangePercent != nil {
		return *t.ChangePercent, true
	}
	if t.Open != nil && *t.Open != 0 {
		return (t.LastPrice - *t.Open) / *t.Open * 100, true
	}
	if len(mc.History) > 1 && mc.History[0].Price != 0 {
		base := mc.History[0].Price
		return (t.LastPrice - base) / base * 100, true
	}
	return 0, false
}
