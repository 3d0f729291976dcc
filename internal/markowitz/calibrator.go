package markowitz

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/optimizer"
)

// CalibrationConfig tunes the scale search
type CalibrationConfig struct {
	Anchor        float64 // λ at risk score 0.5
	MinVarBand    float64 // λmin keeps every weight within this of the min-variance weights
	Concentration float64 // λmax puts at least this much in one instrument
	MaxLambda     float64
	Iterations    int
}

// DefaultCalibrationConfig returns the calibration defaults
func DefaultCalibrationConfig() CalibrationConfig {
	return CalibrationConfig{
		Anchor:        DefaultAnchor,
		MinVarBand:    0.01,
		Concentration: 0.999,
		MaxLambda:     1e6,
		Iterations:    60,
	}
}

// Calibrator finds λmin and λmax on the full universe and fits the scale
type Calibrator struct {
	cfg    CalibrationConfig
	solver *optimizer.Solver
	log    zerolog.Logger
}

// NewCalibrator creates a calibrator
func NewCalibrator(cfg CalibrationConfig, solver *optimizer.Solver, log zerolog.Logger) *Calibrator {
	def := DefaultCalibrationConfig()
	if cfg.Anchor <= 0 {
		cfg.Anchor = def.Anchor
	}
	if cfg.MinVarBand <= 0 {
		cfg.MinVarBand = def.MinVarBand
	}
	if cfg.Concentration <= 0 || cfg.Concentration > 1 {
		cfg.Concentration = def.Concentration
	}
	if cfg.MaxLambda <= cfg.Anchor {
		cfg.MaxLambda = def.MaxLambda
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = def.Iterations
	}
	return &Calibrator{
		cfg:    cfg,
		solver: solver,
		log:    log.With().Str("component", "markowitz").Logger(),
	}
}

// Calibrate computes the scale for u without storing it
func (c *Calibrator) Calibrate(ctx context.Context, u *contracts.Universe) (contracts.MarkowitzScale, error) {
	n := u.Len()
	base := &optimizer.Problem{
		Sigma:       u.Covariance(),
		Mu:          u.ExpectedReturns(),
		Constraints: []optimizer.Constraint{optimizer.SumEquals(n, 1)},
	}

	solve := func(lambda float64) ([]float64, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := base.Clone()
		p.Lambda = lambda
		sol, err := c.solver.Solve(p)
		if err != nil {
			return nil, fmt.Errorf("solve at λ=%.6g: %w", lambda, err)
		}
		return sol.Weights, nil
	}

	minVar, err := solve(0)
	if err != nil {
		return contracts.MarkowitzScale{}, err
	}

	// λmin: 최소분산 포트폴리오에서 벗어나기 직전의 가장 큰 λ
	nearMinVar := func(lambda float64) (bool, error) {
		w, err := solve(lambda)
		if err != nil {
			return false, err
		}
		return maxDiff(w, minVar) <= c.cfg.MinVarBand, nil
	}
	ok, err := nearMinVar(c.cfg.Anchor)
	if err != nil {
		return contracts.MarkowitzScale{}, err
	}
	if ok {
		return contracts.MarkowitzScale{}, fmt.Errorf("%w: λ=%.4f still gives the minimum-variance portfolio",
			contracts.ErrConfiguration, c.cfg.Anchor)
	}
	lambdaMin, err := c.bisect(0, c.cfg.Anchor, nearMinVar, true)
	if err != nil {
		return contracts.MarkowitzScale{}, err
	}

	// λmax: 한 종목에 집중되는 가장 작은 λ
	allIn := func(lambda float64) (bool, error) {
		w, err := solve(lambda)
		if err != nil {
			return false, err
		}
		return maxOf(w) >= c.cfg.Concentration, nil
	}
	ok, err = allIn(c.cfg.Anchor)
	if err != nil {
		return contracts.MarkowitzScale{}, err
	}
	if ok {
		return contracts.MarkowitzScale{}, fmt.Errorf("%w: λ=%.4f already concentrates the portfolio",
			contracts.ErrConfiguration, c.cfg.Anchor)
	}
	lo, hi := c.cfg.Anchor, 2*c.cfg.Anchor
	for {
		ok, err := allIn(hi)
		if err != nil {
			return contracts.MarkowitzScale{}, err
		}
		if ok {
			break
		}
		if hi >= c.cfg.MaxLambda {
			return contracts.MarkowitzScale{}, fmt.Errorf("%w: no single-instrument allocation below λ=%.3g",
				contracts.ErrConfiguration, c.cfg.MaxLambda)
		}
		lo, hi = hi, math.Min(2*hi, c.cfg.MaxLambda)
	}
	lambdaMax, err := c.bisect(lo, hi, allIn, false)
	if err != nil {
		return contracts.MarkowitzScale{}, err
	}

	scale, err := Fit(lambdaMin, lambdaMax, c.cfg.Anchor, u.AsOf())
	if err != nil {
		return contracts.MarkowitzScale{}, err
	}
	c.log.Info().
		Float64("lambda_min", lambdaMin).
		Float64("lambda_max", lambdaMax).
		Float64("a", scale.A).
		Float64("b", scale.B).
		Float64("c", scale.C).
		Msg("markowitz scale calibrated")
	return scale, nil
}

// Run calibrates on u and stores the scale through dp
func (c *Calibrator) Run(ctx context.Context, u *contracts.Universe, dp contracts.DataProvider) (contracts.MarkowitzScale, error) {
	scale, err := c.Calibrate(ctx, u)
	if err != nil {
		return contracts.MarkowitzScale{}, err
	}
	scale.Date = dp.GetCurrentDate()
	if err := dp.SetMarkowitzScale(ctx, scale); err != nil {
		return contracts.MarkowitzScale{}, fmt.Errorf("store markowitz scale: %w", err)
	}
	return scale, nil
}

// bisect narrows [lo, hi] where pred(lo) != pred(hi). With lastTrue it
// returns the largest λ where pred holds, otherwise the smallest.
func (c *Calibrator) bisect(lo, hi float64, pred func(float64) (bool, error), lastTrue bool) (float64, error) {
	for i := 0; i < c.cfg.Iterations && hi-lo > 1e-9*math.Max(1, hi); i++ {
		mid := (lo + hi) / 2
		ok, err := pred(mid)
		if err != nil {
			return 0, err
		}
		if ok == lastTrue {
			lo = mid
		} else {
			hi = mid
		}
	}
	if lastTrue {
		return lo, nil
	}
	return hi, nil
}

func maxDiff(a, b []float64) float64 {
	var m float64
	for i := range a {
		m = math.Max(m, math.Abs(a[i]-b[i]))
	}
	return m
}

func maxOf(w []float64) float64 {
	m := math.Inf(-1)
	for _, v := range w {
		m = math.Max(m, v)
	}
	return m
}
