package constraints

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/optimizer"
)

const targetEps = 1e-9

// DefaultMaxScaleAge is how old a Markowitz scale may get before a warning
const DefaultMaxScaleAge = 7 * 24 * time.Hour

// Compiler turns goal settings into an optimisation problem over a universe
// ⭐ SSOT: 목표 설정 → 제약조건 변환은 여기서만
type Compiler struct {
	maxScaleAge time.Duration
	log         zerolog.Logger
}

// NewCompiler creates a compiler
func NewCompiler(maxScaleAge time.Duration, log zerolog.Logger) *Compiler {
	if maxScaleAge <= 0 {
		maxScaleAge = DefaultMaxScaleAge
	}
	return &Compiler{
		maxScaleAge: maxScaleAge,
		log:         log.With().Str("component", "constraints").Logger(),
	}
}

// Scale fetches the current Markowitz scale. A missing scale is a
// configuration error; an old one is only logged.
func (c *Compiler) Scale(ctx context.Context, dp contracts.DataProvider) (*contracts.MarkowitzScale, error) {
	scale, err := dp.GetMarkowitzScale(ctx)
	if errors.Is(err, contracts.ErrNotFound) || (err == nil && scale == nil) {
		return nil, fmt.Errorf("%w: markowitz scale not calibrated", contracts.ErrConfiguration)
	}
	if err != nil {
		return nil, fmt.Errorf("get markowitz scale: %w", err)
	}

	if age := scale.Age(dp.GetCurrentDate()); age > c.maxScaleAge {
		c.log.Warn().
			Err(contracts.ErrStaleData).
			Time("scale_date", scale.Date).
			Dur("age", age).
			Msg("markowitz scale is stale")
	}
	return scale, nil
}

// Compile builds the inputs for settings on u with the given scale
func (c *Compiler) Compile(settings *contracts.Settings, u *contracts.Universe, scale *contracts.MarkowitzScale) (*OptimizationInputs, error) {
	if scale == nil {
		return nil, fmt.Errorf("%w: markowitz scale not calibrated", contracts.ErrConfiguration)
	}
	// RISK_SCORE 검증을 먼저 (설정 오류가 Unsatisfiable보다 우선)
	riskScore, err := settings.RiskScore()
	if err != nil {
		return nil, err
	}

	restricted, perFeature, err := SettingsMasks(settings, u)
	if err != nil {
		return nil, err
	}
	idx := restricted.Indices()

	lambda, cons, err := MetricConstraints(settings, perFeature, len(idx), scale)
	if err != nil {
		return nil, err
	}

	ids := u.IDs()
	mu := u.ExpectedReturns()
	mw := u.MarketWeights()
	prices := u.Prices()

	in := &OptimizationInputs{
		SettingsID:     settings.ID,
		PortfolioSetID: settings.PortfolioSetID,
		Indices:        idx,
		IDs:            make([]contracts.InstrumentID, len(idx)),
		RiskScore:      riskScore,
		Lambda:         lambda,
		Scale:          *scale,
		Constraints:    cons,
		Sigma:          u.CovarianceSubset(idx),
		Mu:             make([]float64, len(idx)),
		MarketWeights:  make([]float64, len(idx)),
		Prices:         make([]float64, len(idx)),
		SampleCount:    u.SampleCount(),
	}
	var mwSum float64
	for k, i := range idx {
		in.IDs[k] = ids[i]
		in.Mu[k] = mu[i]
		in.MarketWeights[k] = mw[i]
		in.Prices[k] = prices[i]
		mwSum += mw[i]
	}
	// 시장 비중은 부분집합 기준으로 재정규화 (π = 2δΣw는 Σw = 1 가정)
	if mwSum > 0 {
		for k := range in.MarketWeights {
			in.MarketWeights[k] /= mwSum
		}
	}

	c.log.Debug().
		Str("settings", settings.ID).
		Int("instruments", len(idx)).
		Int("constraints", len(cons)).
		Float64("risk_score", riskScore).
		Float64("lambda", lambda).
		Msg("compiled")
	return in, nil
}

// SettingsMasks restricts the universe to the settings' portfolio set minus
// every feature excluded by a 0% target, and returns, per PORTFOLIO_MIX
// feature, the positions of its instruments inside the restricted subset.
func SettingsMasks(settings *contracts.Settings, u *contracts.Universe) (contracts.Mask, map[contracts.FeatureValueID][]int, error) {
	restricted := u.PortfolioSetMask(settings.PortfolioSetID)

	for _, m := range settings.MetricGroup.Metrics {
		if m.Type == contracts.MetricPortfolioMix && excludes(m) {
			restricted = restricted.AndNot(u.FeatureMask(m.FeatureID))
		}
	}
	if restricted.Count() == 0 {
		return nil, nil, contracts.NewUnsatisfiable("no instruments left in portfolio set %s after exclusions", settings.PortfolioSetID)
	}

	// 전체 인덱스 → 제한된 부분집합 내 위치
	pos := make(map[int]int, restricted.Count())
	for k, i := range restricted.Indices() {
		pos[i] = k
	}

	perFeature := make(map[contracts.FeatureValueID][]int)
	for _, m := range settings.MetricGroup.Metrics {
		if m.Type != contracts.MetricPortfolioMix {
			continue
		}
		if _, done := perFeature[m.FeatureID]; done {
			continue
		}
		local := make([]int, 0)
		for _, i := range u.FeatureMask(m.FeatureID).And(restricted).Indices() {
			local = append(local, pos[i])
		}
		perFeature[m.FeatureID] = local
	}
	return restricted, perFeature, nil
}

// MetricConstraints returns λ and the linear constraints for n restricted
// instruments. Σw == 1 is always the first constraint.
func MetricConstraints(settings *contracts.Settings, perFeature map[contracts.FeatureValueID][]int, n int, scale *contracts.MarkowitzScale) (float64, []optimizer.Constraint, error) {
	riskScore, err := settings.RiskScore()
	if err != nil {
		return 0, nil, err
	}
	if scale == nil {
		return 0, nil, fmt.Errorf("%w: markowitz scale not calibrated", contracts.ErrConfiguration)
	}
	if riskScore < 0 || riskScore > 1 {
		return 0, nil, fmt.Errorf("%w: risk score %.4f outside [0,1]", contracts.ErrConfiguration, riskScore)
	}

	cons := []optimizer.Constraint{optimizer.SumEquals(n, 1)}
	for _, m := range settings.MetricGroup.Metrics {
		if m.Type != contracts.MetricPortfolioMix || excludes(m) || trivial(m) {
			continue
		}

		idx := perFeature[m.FeatureID]
		if len(idx) == 0 {
			if m.Comparison == contracts.Maximum {
				continue
			}
			return 0, nil, contracts.NewUnsatisfiable("no instruments carry feature %s required at %s %.2f%%",
				m.FeatureID, m.Comparison, m.ConfiguredVal*100)
		}

		op, err := opFor(m.Comparison)
		if err != nil {
			return 0, nil, err
		}
		cons = append(cons, optimizer.Group(n, idx, op, m.ConfiguredVal,
			fmt.Sprintf("%s %s", m.FeatureID, m.Comparison)))
	}

	return scale.RiskScoreToLambda(riskScore), cons, nil
}

// excludes: 0% target with comparison other than MINIMUM removes the feature
func excludes(m contracts.GoalMetric) bool {
	return math.Abs(m.ConfiguredVal) < targetEps && m.Comparison != contracts.Minimum
}

// trivial reports metrics that every allocation satisfies
func trivial(m contracts.GoalMetric) bool {
	switch m.Comparison {
	case contracts.Maximum:
		return m.ConfiguredVal >= 1-targetEps
	case contracts.Minimum:
		return m.ConfiguredVal < targetEps
	}
	return false
}

func opFor(c contracts.Comparison) (optimizer.Op, error) {
	switch c {
	case contracts.Minimum:
		return optimizer.GE, nil
	case contracts.Exactly:
		return optimizer.EQ, nil
	case contracts.Maximum:
		return optimizer.LE, nil
	}
	return 0, fmt.Errorf("%w: unknown comparison %q", contracts.ErrConfiguration, c)
}
