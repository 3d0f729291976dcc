package prediction

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/risk"
)

// HistoricalPredictor annualises the mean historical return and the shrunk
// sample covariance. With benchmark returns present it models active risk:
// covariance is the benchmark covariance plus diagonal tracking-error variance.
type HistoricalPredictor struct {
	shrinkage risk.ShrinkageMethod
	log       zerolog.Logger
}

// NewHistoricalPredictor creates a historical predictor
func NewHistoricalPredictor(shrinkage risk.ShrinkageMethod, log zerolog.Logger) *HistoricalPredictor {
	if shrinkage == "" {
		shrinkage = risk.ShrinkLedoitWolf
	}
	return &HistoricalPredictor{
		shrinkage: shrinkage,
		log:       log.With().Str("component", "prediction.historical").Logger(),
	}
}

// Predict implements Predictor
func (p *HistoricalPredictor) Predict(ctx context.Context, _ contracts.DataProvider, h *History) (*Prediction, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	periods := h.Frequency.PeriodsPerYear()
	_, n := h.Returns.Dims()

	var (
		mean   = make([]float64, n)
		cov    *mat.SymDense
		shrink float64
		err    error
	)

	if h.Benchmark == nil {
		for j := 0; j < n; j++ {
			mean[j] = stat.Mean(mat.Col(nil, j, h.Returns), nil)
		}
		cov, shrink, err = risk.ShrunkCovariance(h.Returns, p.shrinkage)
		if err != nil {
			return nil, err
		}
	} else {
		// 벤치마크 간 공분산은 직접 추정, 종목 고유 위험은 추적오차 분산으로
		cov, shrink, err = risk.ShrunkCovariance(h.Benchmark, p.shrinkage)
		if err != nil {
			return nil, err
		}
		for j := 0; j < n; j++ {
			bench := mat.Col(nil, j, h.Benchmark)
			fund := mat.Col(nil, j, h.Returns)
			te := make([]float64, len(fund))
			for i := range fund {
				te[i] = fund[i] - bench[i]
			}
			teMean, teVar := stat.MeanVariance(te, nil)
			mean[j] = stat.Mean(bench, nil) + teMean
			cov.SetSym(j, j, cov.At(j, j)+teVar)
		}
	}

	pred, err := finish(mean, cov, shrink, periods)
	if err != nil {
		return nil, err
	}
	p.log.Debug().
		Int("instruments", n).
		Int("periods", h.Periods()).
		Bool("tracking_error", h.Benchmark != nil).
		Float64("shrinkage", shrink).
		Msg("predicted")
	return pred, nil
}

// finish annualises periodic moments and repairs the covariance
func finish(periodicMean []float64, periodicCov *mat.SymDense, shrink, periods float64) (*Prediction, error) {
	expected := make([]float64, len(periodicMean))
	for i, m := range periodicMean {
		expected[i] = compound(m, periods)
	}
	cov, err := risk.NearestPSD(risk.Annualize(periodicCov, periods), 0)
	if err != nil {
		return nil, fmt.Errorf("covariance repair: %w", err)
	}
	return &Prediction{ExpectedReturns: expected, Covariance: cov, Shrinkage: shrink}, nil
}
