package prediction

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/risk"
)

// ClockConfig configures the investment-clock predictor
type ClockConfig struct {
	WarnAge   time.Duration // forecasts older than this are logged as stale
	MaxAge    time.Duration // forecasts older than this fail the prediction
	Shrinkage risk.ShrinkageMethod
}

// DefaultClockConfig returns the defaults (warn after 7 days, fail after 45)
func DefaultClockConfig() ClockConfig {
	return ClockConfig{
		WarnAge:   7 * 24 * time.Hour,
		MaxAge:    45 * 24 * time.Hour,
		Shrinkage: risk.ShrinkLedoitWolf,
	}
}

// InvestmentClockPredictor weights regime-conditional return statistics by
// the latest regime probability forecast.
//
//	μ = Σ_k p_k·μ_k
//	Σ = Σ_k p_k·Σ_k
type InvestmentClockPredictor struct {
	cfg ClockConfig
	log zerolog.Logger
}

// NewInvestmentClockPredictor creates the predictor
func NewInvestmentClockPredictor(cfg ClockConfig, log zerolog.Logger) *InvestmentClockPredictor {
	def := DefaultClockConfig()
	if cfg.WarnAge <= 0 {
		cfg.WarnAge = def.WarnAge
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.Shrinkage == "" {
		cfg.Shrinkage = def.Shrinkage
	}
	return &InvestmentClockPredictor{
		cfg: cfg,
		log: log.With().Str("component", "prediction.investment_clock").Logger(),
	}
}

// Predict implements Predictor
func (p *InvestmentClockPredictor) Predict(ctx context.Context, dp contracts.DataProvider, h *History) (*Prediction, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}

	forecasts, err := dp.GetCycleProbabilities(ctx, h.AsOf)
	if err != nil {
		return nil, fmt.Errorf("get cycle probabilities: %w", err)
	}
	probs, err := p.currentProbabilities(forecasts, h.AsOf)
	if err != nil {
		return nil, err
	}

	obs, err := dp.GetCycleObservations(ctx, h.AsOf)
	if err != nil {
		return nil, fmt.Errorf("get cycle observations: %w", err)
	}
	byRegime := groupPeriods(h.Dates, obs)

	var missing []contracts.Regime
	for _, r := range contracts.AllRegimes {
		if len(byRegime[r]) == 0 {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: no complete investment cycle in history (missing %v)",
			contracts.ErrOptimizationFailed, missing)
	}

	_, n := h.Returns.Dims()
	unconditional, err := risk.SampleCovariance(h.Returns)
	if err != nil {
		return nil, err
	}
	_, shrink, err := risk.ShrunkCovariance(h.Returns, p.cfg.Shrinkage)
	if err != nil {
		return nil, err
	}

	// μ = Σ_k p_k μ_k, Σ = Σ_k p_k Σ_k
	mean := make([]float64, n)
	within := mat.NewSymDense(n, nil)
	for _, r := range contracts.AllRegimes {
		sub := rowsOf(h.Returns, byRegime[r])
		mu := make([]float64, n)
		for j := 0; j < n; j++ {
			mu[j] = stat.Mean(mat.Col(nil, j, sub), nil)
		}

		cov := unconditional
		if len(byRegime[r]) >= 2 {
			var c mat.SymDense
			stat.CovarianceMatrix(&c, sub, nil)
			cov = &c
		}

		pk := probs[r]
		for j := 0; j < n; j++ {
			mean[j] += pk * mu[j]
		}
		within.AddSym(within, scaled(cov, pk))
	}

	pred, err := finish(mean, risk.ShrinkTowardIdentity(within, shrink), shrink, h.Frequency.PeriodsPerYear())
	if err != nil {
		return nil, err
	}
	p.log.Debug().
		Int("instruments", n).
		Int("periods", h.Periods()).
		Interface("probabilities", probs).
		Float64("shrinkage", shrink).
		Msg("predicted")
	return pred, nil
}

// currentProbabilities normalises the most recent forecast
func (p *InvestmentClockPredictor) currentProbabilities(forecasts []contracts.CycleForecast, asOf time.Time) (map[contracts.Regime]float64, error) {
	if len(forecasts) == 0 {
		return nil, fmt.Errorf("%w: %w: no investment cycle forecast", contracts.ErrOptimizationFailed, contracts.ErrStaleData)
	}
	latest := forecasts[0]
	for _, f := range forecasts[1:] {
		if f.Date.After(latest.Date) {
			latest = f
		}
	}

	age := asOf.Sub(latest.Date)
	if age > p.cfg.MaxAge {
		return nil, fmt.Errorf("%w: %w: latest cycle forecast is %s old",
			contracts.ErrOptimizationFailed, contracts.ErrStaleData, age)
	}
	if age > p.cfg.WarnAge {
		p.log.Warn().
			Err(contracts.ErrStaleData).
			Time("forecast_date", latest.Date).
			Dur("age", age).
			Msg("investment cycle forecast is stale")
	}

	var total float64
	for _, r := range contracts.AllRegimes {
		if v := latest.Probabilities[r]; v > 0 {
			total += v
		}
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: cycle forecast of %s has no probability mass",
			contracts.ErrOptimizationFailed, latest.Date.Format("2006-01-02"))
	}

	out := make(map[contracts.Regime]float64, len(contracts.AllRegimes))
	for _, r := range contracts.AllRegimes {
		if v := latest.Probabilities[r]; v > 0 {
			out[r] = v / total
		} else {
			out[r] = 0
		}
	}
	return out, nil
}

// groupPeriods labels each period with the regime of the latest observation
// on or before its date. Periods before the first observation are skipped.
func groupPeriods(dates []time.Time, obs []contracts.CycleObservation) map[contracts.Regime][]int {
	sorted := append([]contracts.CycleObservation(nil), obs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	out := make(map[contracts.Regime][]int)
	for i, d := range dates {
		k := sort.Search(len(sorted), func(k int) bool { return sorted[k].Date.After(d) }) - 1
		if k < 0 {
			continue
		}
		r := sorted[k].Regime
		out[r] = append(out[r], i)
	}
	return out
}

func rowsOf(m *mat.Dense, rows []int) *mat.Dense {
	_, n := m.Dims()
	out := mat.NewDense(len(rows), n, nil)
	for k, i := range rows {
		out.SetRow(k, m.RawRowView(i))
	}
	return out
}

func scaled(s mat.Symmetric, f float64) *mat.SymDense {
	out := mat.NewSymDense(s.SymmetricDim(), nil)
	out.ScaleSym(f, s)
	return out
}
