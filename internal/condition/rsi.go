package condition

import (
	"fmt"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

const defaultRSIPeriod = 14

// RSI fires when the Wilder relative strength index over the tracked
// prices crosses a threshold. Params: period (default 14) and threshold.
type RSI struct {
	kind             domain.ConditionKind
	defaultThreshold float64
	below            bool
}

// NewOversold fires when RSI <= threshold (default 30).
func NewOversold() *RSI {
	return &RSI{kind: domain.ConditionOversold, defaultThreshold: 30, below: true}
}

// NewOverbought fires when RSI >= threshold (default 70).
func NewOverbought() *RSI {
	return &RSI{kind: domain.ConditionOverbought, defaultThreshold: 70}
}

func (p *RSI) Kind() domain.ConditionKind { return p.kind }

func (p *RSI) parse(params map[string]any) (period int, threshold float64, err error) {
	period, err = paramInt(params, "period", defaultRSIPeriod)
	if err != nil {
		return 0, 0, err
	}
	threshold, err = paramFloat(params, "threshold", p.defaultThreshold)
	if err != nil {
		return 0, 0, err
	}
	if threshold < 0 || threshold > 100 {
		return 0, 0, fmt.Errorf("param threshold: must be between 0 and 100, got %v", threshold)
	}
	return period, threshold, nil
}

func (p *RSI) Validate(params map[string]any) error {
	_, _, err := p.parse(params)
	return err
}

func (p *RSI) Evaluate(rule domain.ConditionRule, mc domain.MarketContext) (bool, error) {
	period, threshold, err := p.parse(rule.Params)
	if err != nil {
		return false, err
	}

	prices := make([]float64, len(mc.History))
	for i, pt := range mc.History {
		prices[i] = pt.Price
	}
	rsi, ok := WilderRSI(prices, period)
	if !ok {
		return false, nil
	}
	if p.below {
		return rsi <= threshold, nil
	}
	return rsi >= threshold, nil
}

// WilderRSI computes RSI with Wilder smoothing. It needs period+1 prices.
func WilderRSI(prices []float64, period int) (float64, bool) {
	if period < 1 || len(prices) < period+1 {
		return 0, false
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := prices[i] - prices[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	for i := period + 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		var g, l float64
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}
