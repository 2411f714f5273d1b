package condition

import (
	"fmt"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// VolumeSpike fires when the latest traded volume is at least multiplier
// times the mean of the preceding samples.
//
// Params: multiplier (default 3), min_samples (default 5) and cumulative
// (default true: the feed reports running day volume, so samples are the
// differences between consecutive readings).
type VolumeSpike struct{}

// NewVolumeSpike returns the volume_spike predicate.
func NewVolumeSpike() *VolumeSpike { return &VolumeSpike{} }

func (p *VolumeSpike) Kind() domain.ConditionKind { return domain.ConditionVolumeSpike }

func spikeParams(params map[string]any) (multiplier float64, minSamples int, err error) {
	multiplier, err = paramFloat(params, "multiplier", 3)
	if err != nil {
		return 0, 0, err
	}
	if multiplier <= 0 {
		return 0, 0, fmt.Errorf("param multiplier: must be positive, got %v", multiplier)
	}
	minSamples, err = paramInt(params, "min_samples", 5)
	if err != nil {
		return 0, 0, err
	}
	return multiplier, minSamples, nil
}

func (p *VolumeSpike) Validate(params map[string]any) error {
	_, _, err := spikeParams(params)
	return err
}

func (p *VolumeSpike) Evaluate(rule domain.ConditionRule, mc domain.MarketContext) (bool, error) {
	multiplier, minSamples, err := spikeParams(rule.Params)
	if err != nil {
		return false, err
	}
	cumulative := paramBool(rule.Params, "cumulative", true)

	var readings []float64
	for _, pt := range mc.History {
		if pt.Volume != nil {
			readings = append(readings, *pt.Volume)
		}
	}

	samples := readings
	if cumulative {
		samples = samples[:0:0]
		for i := 1; i < len(readings); i++ {
			d := readings[i] - readings[i-1]
			if d < 0 {
				// Session rollover.
				continue
			}
			samples = append(samples, d)
		}
	}

	if len(samples) < minSamples+1 {
		return false, nil
	}
	latest := samples[len(samples)-1]
	prev := samples[:len(samples)-1]

	var sum float64
	for _, v := range prev {
		sum += v
	}
	mean := sum / float64(len(prev))
	if mean <= 0 {
		return false, nil
	}
	return latest >= multiplier*mean, nil
}
