// Package optconfig holds the YAML configuration of the optimisation engine
// and the loader for per-goal settings files.
package optconfig

import (
	"time"

	"github.com/wonny/allocator/internal/blacklitterman"
	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/markowitz"
	"github.com/wonny/allocator/internal/optimizer"
	"github.com/wonny/allocator/internal/orderable"
	"github.com/wonny/allocator/internal/portfolio"
	"github.com/wonny/allocator/internal/prediction"
	"github.com/wonny/allocator/internal/rebalance"
	"github.com/wonny/allocator/internal/risk"
	"github.com/wonny/allocator/internal/universe"
)

// Config는 엔진 전체 설정
type Config struct {
	Meta           Meta           `yaml:"meta" json:"meta"`
	Universe       Universe       `yaml:"universe" json:"universe"`
	Prediction     Prediction     `yaml:"prediction" json:"prediction"`
	Optimizer      Optimizer      `yaml:"optimizer" json:"optimizer"`
	Orderable      Orderable      `yaml:"orderable" json:"orderable"`
	BlackLitterman BlackLitterman `yaml:"black_litterman" json:"black_litterman"`
	Markowitz      Markowitz      `yaml:"markowitz" json:"markowitz"`
	Portfolio      Portfolio      `yaml:"portfolio" json:"portfolio"`
	Rebalance      Rebalance      `yaml:"rebalance" json:"rebalance"`
}

// Meta 메타 정보
type Meta struct {
	ConfigID string `yaml:"config_id" json:"config_id"`
	Version  string `yaml:"version" json:"version"`
}

// Universe 투자 가능 종목 기준
type Universe struct {
	MinSamples    int                 `yaml:"min_samples" json:"min_samples"`
	Frequency     contracts.Frequency `yaml:"frequency" json:"frequency"` // MONTHLY | DAILY
	TrackingError bool                `yaml:"tracking_error" json:"tracking_error"`
	MaxDailyGap   time.Duration       `yaml:"max_daily_gap" json:"max_daily_gap"`
	CacheTTL      time.Duration       `yaml:"cache_ttl" json:"cache_ttl"`
}

// Prediction 기대수익률/공분산 모델
type Prediction struct {
	Model           prediction.Kind      `yaml:"model" json:"model"` // historical | investment_clock
	Shrinkage       risk.ShrinkageMethod `yaml:"shrinkage" json:"shrinkage"`
	ForecastWarnAge time.Duration        `yaml:"forecast_warn_age" json:"forecast_warn_age"`
	ForecastMaxAge  time.Duration        `yaml:"forecast_max_age" json:"forecast_max_age"`
}

// Optimizer QP solver
type Optimizer struct {
	Ridge         float64 `yaml:"ridge" json:"ridge"`
	Tolerance     float64 `yaml:"tolerance" json:"tolerance"`
	MaxIterations int     `yaml:"max_iterations" json:"max_iterations"`
}

// Orderable 정수 수량 변환
type Orderable struct {
	MinPct         float64 `yaml:"min_pct" json:"min_pct"`
	LimitPct       float64 `yaml:"limit_pct" json:"limit_pct"`
	AlignTolerance float64 `yaml:"align_tolerance" json:"align_tolerance"`
	MaxAligned     int     `yaml:"max_aligned" json:"max_aligned"`
	WeightEpsilon  float64 `yaml:"weight_epsilon" json:"weight_epsilon"`
}

// BlackLitterman prior
type BlackLitterman struct {
	RiskAversion float64 `yaml:"risk_aversion" json:"risk_aversion"`
	Confidence   float64 `yaml:"confidence" json:"confidence"`
}

// Markowitz 위험점수 ↔ λ 스케일
type Markowitz struct {
	MaxScaleAge   time.Duration `yaml:"max_scale_age" json:"max_scale_age"`
	Anchor        float64       `yaml:"anchor" json:"anchor"`
	MinVarBand    float64       `yaml:"min_var_band" json:"min_var_band"`
	Concentration float64       `yaml:"concentration" json:"concentration"`
	MaxLambda     float64       `yaml:"max_lambda" json:"max_lambda"`
	Iterations    int           `yaml:"iterations" json:"iterations"`
}

// Portfolio 계산 파이프라인
type Portfolio struct {
	Align         bool    `yaml:"align" json:"align"`
	Workers       int     `yaml:"workers" json:"workers"`
	VaRConfidence float64 `yaml:"var_confidence" json:"var_confidence"`
}

// Rebalance 기존 목표 리밸런스
type Rebalance struct {
	ShortTermHolding time.Duration `yaml:"short_term_holding" json:"short_term_holding"`
	CashEpsilon      float64       `yaml:"cash_epsilon" json:"cash_epsilon"`
}

// Default returns the engine defaults. A YAML file overrides them field by field.
func Default() *Config {
	u := universe.DefaultConfig()
	clock := prediction.DefaultClockConfig()
	opt := optimizer.DefaultOptions()
	ord := orderable.DefaultConfig()
	cal := markowitz.DefaultCalibrationConfig()
	pf := portfolio.DefaultConfig()
	rb := rebalance.DefaultConfig()

	return &Config{
		Meta: Meta{ConfigID: "default", Version: "1"},
		Universe: Universe{
			MinSamples:  u.MinSamples,
			Frequency:   u.Frequency,
			MaxDailyGap: u.MaxDailyGap,
			CacheTTL:    24 * time.Hour,
		},
		Prediction: Prediction{
			Model:           prediction.KindHistorical,
			Shrinkage:       clock.Shrinkage,
			ForecastWarnAge: clock.WarnAge,
			ForecastMaxAge:  clock.MaxAge,
		},
		Optimizer: Optimizer{
			Ridge:         opt.Ridge,
			Tolerance:     opt.Tolerance,
			MaxIterations: opt.MaxIterations,
		},
		Orderable: Orderable{
			MinPct:         ord.MinPct,
			LimitPct:       ord.LimitPct,
			AlignTolerance: ord.AlignTolerance,
			MaxAligned:     ord.MaxAligned,
			WeightEpsilon:  ord.Epsilon,
		},
		BlackLitterman: BlackLitterman{
			RiskAversion: blacklitterman.DefaultRiskAversion,
			Confidence:   blacklitterman.DefaultConfidence,
		},
		Markowitz: Markowitz{
			MaxScaleAge:   7 * 24 * time.Hour,
			Anchor:        cal.Anchor,
			MinVarBand:    cal.MinVarBand,
			Concentration: cal.Concentration,
			MaxLambda:     cal.MaxLambda,
			Iterations:    cal.Iterations,
		},
		Portfolio: Portfolio{
			Align:         pf.Align,
			Workers:       pf.Workers,
			VaRConfidence: pf.VaRConfidence,
		},
		Rebalance: Rebalance{
			ShortTermHolding: rb.ShortTermHolding,
			CashEpsilon:      rb.CashEpsilon,
		},
	}
}

// =============================================================================
// Component configs
// =============================================================================

func (c *Config) UniverseConfig() universe.Config {
	return universe.Config{
		MinSamples:    c.Universe.MinSamples,
		Frequency:     c.Universe.Frequency,
		TrackingError: c.Universe.TrackingError,
		MaxDailyGap:   c.Universe.MaxDailyGap,
	}
}

func (c *Config) ClockConfig() prediction.ClockConfig {
	return prediction.ClockConfig{
		WarnAge:   c.Prediction.ForecastWarnAge,
		MaxAge:    c.Prediction.ForecastMaxAge,
		Shrinkage: c.Prediction.Shrinkage,
	}
}

func (c *Config) OptimizerOptions() optimizer.Options {
	return optimizer.Options{
		Ridge:         c.Optimizer.Ridge,
		Tolerance:     c.Optimizer.Tolerance,
		MaxIterations: c.Optimizer.MaxIterations,
	}
}

func (c *Config) OrderableConfig() orderable.Config {
	return orderable.Config{
		MinPct:         c.Orderable.MinPct,
		LimitPct:       c.Orderable.LimitPct,
		AlignTolerance: c.Orderable.AlignTolerance,
		MaxAligned:     c.Orderable.MaxAligned,
		Epsilon:        c.Orderable.WeightEpsilon,
	}
}

func (c *Config) CalibrationConfig() markowitz.CalibrationConfig {
	return markowitz.CalibrationConfig{
		Anchor:        c.Markowitz.Anchor,
		MinVarBand:    c.Markowitz.MinVarBand,
		Concentration: c.Markowitz.Concentration,
		MaxLambda:     c.Markowitz.MaxLambda,
		Iterations:    c.Markowitz.Iterations,
	}
}

func (c *Config) PortfolioConfig() portfolio.Config {
	return portfolio.Config{
		Align:         c.Portfolio.Align,
		Workers:       c.Portfolio.Workers,
		VaRConfidence: c.Portfolio.VaRConfidence,
	}
}

func (c *Config) RebalanceConfig() rebalance.Config {
	return rebalance.Config{
		ShortTermHolding: c.Rebalance.ShortTermHolding,
		CashEpsilon:      c.Rebalance.CashEpsilon,
	}
}
