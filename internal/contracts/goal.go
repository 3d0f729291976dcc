package contracts

import (
	"fmt"
	"sort"
	"time"
)

// MetricType of a goal metric
type MetricType string

const (
	MetricRiskScore    MetricType = "RISK_SCORE"
	MetricPortfolioMix MetricType = "PORTFOLIO_MIX"
)

// Comparison of a PORTFOLIO_MIX metric against its target
type Comparison string

const (
	Minimum Comparison = "MINIMUM"
	Exactly Comparison = "EXACTLY"
	Maximum Comparison = "MAXIMUM"
)

// GoalMetric is one user constraint. ConfiguredVal is in [0,1].
type GoalMetric struct {
	Type               MetricType     `yaml:"type" json:"type"`
	FeatureID          FeatureValueID `yaml:"feature_id,omitempty" json:"feature_id,omitempty"`
	Comparison         Comparison     `yaml:"comparison,omitempty" json:"comparison,omitempty"`
	ConfiguredVal      float64        `yaml:"configured_val" json:"configured_val"`
	RebalanceThreshold float64        `yaml:"rebalance_threshold,omitempty" json:"rebalance_threshold,omitempty"`
}

// MetricGroup is an ordered set of goal metrics
type MetricGroup struct {
	ID      string       `yaml:"id" json:"id"`
	Metrics []GoalMetric `yaml:"metrics" json:"metrics"`
}

// Settings binds a metric group to a portfolio set for a goal
type Settings struct {
	ID             string         `yaml:"id" json:"id"`
	GoalID         string         `yaml:"goal_id" json:"goal_id"`
	PortfolioSetID PortfolioSetID `yaml:"portfolio_set_id" json:"portfolio_set_id"`
	MetricGroup    MetricGroup    `yaml:"metric_group" json:"metric_group"`
}

// RiskScore returns the single RISK_SCORE metric value
func (s *Settings) RiskScore() (float64, error) {
	var found []float64
	for _, m := range s.MetricGroup.Metrics {
		if m.Type == MetricRiskScore {
			found = append(found, m.ConfiguredVal)
		}
	}
	if len(found) != 1 {
		return 0, fmt.Errorf("%w: settings %q have %d RISK_SCORE metrics, want exactly 1",
			ErrConfiguration, s.ID, len(found))
	}
	return found[0], nil
}

// WithRiskScore returns a copy of the settings with the RISK_SCORE replaced
func (s Settings) WithRiskScore(r float64) Settings {
	metrics := make([]GoalMetric, len(s.MetricGroup.Metrics))
	copy(metrics, s.MetricGroup.Metrics)
	for i := range metrics {
		if metrics[i].Type == MetricRiskScore {
			metrics[i].ConfiguredVal = r
		}
	}
	s.MetricGroup.Metrics = metrics
	return s
}

// View is a Black-Litterman view: Σ coeff·return over Assets = Q
type View struct {
	ID             string                   `json:"id"`
	PortfolioSetID PortfolioSetID           `json:"portfolio_set_id"`
	Assets         map[InstrumentID]float64 `json:"assets"`
	Q              float64                  `json:"q"`
}

// Goal is a client account goal. Cash < 0 is a pending withdrawal.
type Goal struct {
	ID               string    `json:"id"`
	AccountID        string    `json:"account_id"`
	Cash             float64   `json:"cash"`
	ActiveSettings   *Settings `json:"active_settings"`
	ApprovedSettings *Settings `json:"approved_settings"`
}

// PortfolioResult is the outcome of a single portfolio calculation
type PortfolioResult struct {
	Weights        map[InstrumentID]float64 `json:"weights"`
	RiskScore      float64                  `json:"risk_score"`
	Lambda         float64                  `json:"lambda"`
	ExpectedReturn float64                  `json:"expected_return"`
	StdDev         float64                  `json:"std_dev"`
	VaR95          float64                  `json:"var_95"`
	CalculatedAt   time.Time                `json:"calculated_at"`
}

// TotalWeight sums the weights
func (p *PortfolioResult) TotalWeight() float64 {
	var total float64
	for _, w := range p.Weights {
		total += w
	}
	return total
}

// SortedIDs returns the instruments with a weight, in id order
func (p *PortfolioResult) SortedIDs() []InstrumentID {
	ids := make([]InstrumentID, 0, len(p.Weights))
	for id := range p.Weights {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
