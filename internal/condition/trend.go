package condition

import (
	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// TrendBreak fires when the latest price breaks out of the range of the
// preceding lookback points. Params: lookback (default 20) and direction
// (up, down or either; default up).
type TrendBreak struct{}

// NewTrendBreak returns the trend_break predicate.
func NewTrendBreak() *TrendBreak { return &TrendBreak{} }

func (p *TrendBreak) Kind() domain.ConditionKind { return domain.ConditionTrendBreak }

func trendParams(params map[string]any) (lookback int, direction string, err error) {
	lookback, err = paramInt(params, "lookback", 20)
	if err != nil {
		return 0, "", err
	}
	direction = paramString(params, "direction", directionUp)
	if err := checkDirection(direction); err != nil {
		return 0, "", err
	}
	return lookback, direction, nil
}

func (p *TrendBreak) Validate(params map[string]any) error {
	_, _, err := trendParams(params)
	return err
}

func (p *TrendBreak) Evaluate(rule domain.ConditionRule, mc domain.MarketContext) (bool, error) {
	lookback, direction, err := trendParams(rule.Params)
	if err != nil {
		return false, err
	}

	n := len(mc.History)
	if n < lookback+1 {
		return false, nil
	}
	window := mc.History[n-1-lookback : n-1]
	high, low := window[0].Price, window[0].Price
	for _, pt := range window[1:] {
		high = max(high, pt.Price)
		low = min(low, pt.Price)
	}

	last := mc.History[n-1].Price
	up := last > high
	down := last < low
	switch direction {
	case directionUp:
		return up, nil
	case directionDown:
		return down, nil
	}
	return up || down, nil
}
