package rebalance

import (
	"math"

	"github.com/wonny/allocator/internal/contracts"
)

// Drift returns, per PORTFOLIO_MIX metric with a positive rebalance
// threshold, how far the held weights are from the target in units of that
// threshold. Values above 1 call for a rebalance.
func Drift(settings *contracts.Settings, u *contracts.Universe, weights map[contracts.InstrumentID]float64) map[contracts.FeatureValueID]float64 {
	ids := u.IDs()
	out := make(map[contracts.FeatureValueID]float64)
	for _, m := range settings.MetricGroup.Metrics {
		if m.Type != contracts.MetricPortfolioMix || m.RebalanceThreshold <= 0 {
			continue
		}

		var held float64
		for _, i := range u.FeatureMask(m.FeatureID).Indices() {
			held += weights[ids[i]]
		}

		var off float64
		switch m.Comparison {
		case contracts.Minimum:
			off = math.Max(m.ConfiguredVal-held, 0)
		case contracts.Maximum:
			off = math.Max(held-m.ConfiguredVal, 0)
		default:
			off = math.Abs(held - m.ConfiguredVal)
		}
		out[m.FeatureID] = math.Max(out[m.FeatureID], off/m.RebalanceThreshold)
	}
	return out
}

// Drifted reports whether any thresholded metric is out of its band. Settings
// without thresholds always count as drifted.
func Drifted(settings *contracts.Settings, u *contracts.Universe, weights map[contracts.InstrumentID]float64) bool {
	drift := Drift(settings, u, weights)
	if len(drift) == 0 {
		return true
	}
	for _, d := range drift {
		if d > 1 {
			return true
		}
	}
	return false
}
