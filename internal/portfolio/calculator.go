package portfolio

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/allocator/internal/blacklitterman"
	"github.com/wonny/allocator/internal/constraints"
	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/optimizer"
	"github.com/wonny/allocator/internal/orderable"
	"github.com/wonny/allocator/internal/risk"
	"github.com/wonny/allocator/pkg/logger"
	"github.com/wonny/allocator/pkg/metrics"
)

// Config holds calculation parameters
type Config struct {
	Align         bool    // 정수 수량 정렬 (2^k 탐색)
	Workers       int     // 스윕 동시 실행 수
	VaRConfidence float64 // 0.95
}

// DefaultConfig returns the default calculation parameters
func DefaultConfig() Config {
	return Config{
		Align:         true,
		Workers:       4,
		VaRConfidence: 0.95,
	}
}

// Calculator runs compile → Black-Litterman → solve → orderable for one settings object
// ⭐ SSOT: 포트폴리오 계산 파이프라인은 여기서만
type Calculator struct {
	cfg       Config
	compiler  *constraints.Compiler
	blender   *blacklitterman.Blender
	solver    *optimizer.Solver
	orderable *orderable.Engine
	metrics   metrics.Recorder
	logger    *logger.Logger
	now       func() time.Time
}

// NewCalculator creates a new portfolio calculator
func NewCalculator(
	cfg Config,
	compiler *constraints.Compiler,
	blender *blacklitterman.Blender,
	solver *optimizer.Solver,
	engine *orderable.Engine,
	rec metrics.Recorder,
	log *logger.Logger,
) *Calculator {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.VaRConfidence <= 0 || cfg.VaRConfidence >= 1 {
		cfg.VaRConfidence = def.VaRConfidence
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Calculator{
		cfg:       cfg,
		compiler:  compiler,
		blender:   blender,
		solver:    solver,
		orderable: engine,
		metrics:   rec,
		logger:    log.WithField("component", "portfolio"),
		now:       time.Now,
	}
}

// Calculate returns the orderable portfolio for settings on u with budget
func (c *Calculator) Calculate(ctx context.Context, settings *contracts.Settings, u *contracts.Universe, budget float64, dp contracts.DataProvider) (*contracts.PortfolioResult, error) {
	in, err := c.Prepare(ctx, settings, u, dp)
	if err != nil {
		return nil, err
	}
	result, err := c.Solve(ctx, in, budget)
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(map[string]interface{}{
		"settings":        settings.ID,
		"risk_score":      result.RiskScore,
		"positions":       len(result.Weights),
		"expected_return": result.ExpectedReturn,
		"std_dev":         result.StdDev,
	}).Info("Portfolio calculated")
	return result, nil
}

// Compile restricts u to settings with the provider's current Markowitz scale
func (c *Calculator) Compile(ctx context.Context, settings *contracts.Settings, u *contracts.Universe, dp contracts.DataProvider) (*constraints.OptimizationInputs, error) {
	scale, err := c.compiler.Scale(ctx, dp)
	if err != nil {
		return nil, err
	}
	return c.compiler.Compile(settings, u, scale)
}

// Prepare compiles settings and blends the portfolio set's views into μ and Σ
func (c *Calculator) Prepare(ctx context.Context, settings *contracts.Settings, u *contracts.Universe, dp contracts.DataProvider) (*constraints.OptimizationInputs, error) {
	in, err := c.Compile(ctx, settings, u, dp)
	if err != nil {
		return nil, err
	}

	views, err := dp.GetViews(ctx, settings.PortfolioSetID)
	if err != nil {
		return nil, fmt.Errorf("get views: %w", err)
	}
	post, err := c.blender.BlendViews(in.Sigma, in.MarketWeights, views, in.IDs, in.SampleCount)
	if err != nil {
		return nil, fmt.Errorf("black-litterman: %w", err)
	}
	return in.WithPosterior(post.Mu, post.Sigma), nil
}

// Solve optimises prepared inputs and makes the result orderable with budget
func (c *Calculator) Solve(ctx context.Context, in *constraints.OptimizationInputs, budget float64) (*contracts.PortfolioResult, error) {
	return c.SolveFloored(ctx, in, nil, budget)
}

// SolveFloored is Solve with per-instrument lower bounds (nil for none).
// Infeasibility stays visible through contracts.IsInfeasible.
func (c *Calculator) SolveFloored(ctx context.Context, in *constraints.OptimizationInputs, floors []float64, budget float64) (*contracts.PortfolioResult, error) {
	start := time.Now()

	p := in.Problem()
	if floors != nil {
		if len(floors) != in.N() {
			return nil, fmt.Errorf("%w: %d floors for %d instruments", contracts.ErrConfiguration, len(floors), in.N())
		}
		p.Lower = append([]float64(nil), floors...)
	}
	sol, err := c.solver.Solve(p)
	if err != nil {
		c.metrics.ObserveSolve(time.Since(start), metrics.OutcomeFailed)
		// 솔버 실패는 항상 Unsatisfiable로 전달
		return nil, &contracts.UnsatisfiableError{
			Message: fmt.Sprintf("no portfolio for settings %q at risk score %.2f", in.SettingsID, in.RiskScore),
			Err:     err,
		}
	}

	res, err := c.orderable.MakeOrderable(ctx, orderable.Request{
		Problem:  p,
		Solution: sol,
		Budget:   budget,
		Prices:   in.Prices,
		Align:    c.cfg.Align,
	})
	if err != nil {
		outcome := metrics.OutcomeFailed
		if _, ok := contracts.AsUnsatisfiable(err); ok {
			outcome = metrics.OutcomeUnsatisfiable
		}
		c.metrics.ObserveSolve(time.Since(start), outcome)
		return nil, err
	}
	c.metrics.ObserveSolve(time.Since(start), metrics.OutcomeOK)

	return c.result(in, res.Weights), nil
}

func (c *Calculator) result(in *constraints.OptimizationInputs, w []float64) *contracts.PortfolioResult {
	expected, stdDev := risk.PortfolioMoments(w, in.Mu, in.Sigma)
	v := risk.ParametricVaR(expected, stdDev, c.cfg.VaRConfidence)
	return &contracts.PortfolioResult{
		Weights:        in.Weights(w),
		RiskScore:      in.RiskScore,
		Lambda:         in.Lambda,
		ExpectedReturn: expected,
		StdDev:         stdDev,
		VaR95:          v.VaR,
		CalculatedAt:   c.now(),
	}
}
