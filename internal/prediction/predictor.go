package prediction

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/wonny/allocator/internal/contracts"
)

// History is an aligned set of periodic return series
type History struct {
	AsOf      time.Time
	IDs       []contracts.InstrumentID
	Dates     []time.Time // end date of each return period
	Returns   *mat.Dense  // T×N
	Benchmark *mat.Dense  // T×N benchmark returns, tracking-error mode only
	Frequency contracts.Frequency
}

// Periods is the number of return observations
func (h *History) Periods() int {
	t, _ := h.Returns.Dims()
	return t
}

func (h *History) validate() error {
	if h.Returns == nil {
		return fmt.Errorf("no returns")
	}
	t, n := h.Returns.Dims()
	if n != len(h.IDs) {
		return fmt.Errorf("returns have %d columns, want %d", n, len(h.IDs))
	}
	if len(h.Dates) != t {
		return fmt.Errorf("returns have %d rows, want %d dates", t, len(h.Dates))
	}
	if h.Benchmark != nil {
		if bt, bn := h.Benchmark.Dims(); bt != t || bn != n {
			return fmt.Errorf("benchmark returns are %dx%d, want %dx%d", bt, bn, t, n)
		}
	}
	return nil
}

// Prediction is the annualised expected return vector and covariance
type Prediction struct {
	ExpectedReturns []float64
	Covariance      *mat.SymDense
	Shrinkage       float64
}

// Predictor estimates annualised returns and risk from a History.
// ⭐ SSOT: 기대수익률/공분산 추정은 Predictor 구현체만 수행
type Predictor interface {
	Predict(ctx context.Context, dp contracts.DataProvider, h *History) (*Prediction, error)
}

// Kind names a predictor implementation in configuration
type Kind string

const (
	KindHistorical      Kind = "historical"
	KindInvestmentClock Kind = "investment_clock"
)

// compound annualises a periodic return: (1 + r)^periods − 1
func compound(r, periods float64) float64 {
	return math.Pow(1+r, periods) - 1
}
