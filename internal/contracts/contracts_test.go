package contracts

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskOps(t *testing.T) {
	a := Mask{true, true, false, false}
	b := Mask{true, false, true, false}

	assert.Equal(t, Mask{true, false, false, false}, a.And(b))
	assert.Equal(t, Mask{false, true, false, false}, a.AndNot(b))
	assert.Equal(t, Mask{true, true, true, false}, a.Or(b))
	assert.Equal(t, []int{0, 1}, a.Indices())
	assert.Equal(t, 2, a.Count())
	assert.Equal(t, 3, FullMask(3).Count())
	assert.Equal(t, 0, NewMask(3).Count())
}

func TestSettings_RiskScore(t *testing.T) {
	s := Settings{ID: "s1", MetricGroup: MetricGroup{Metrics: []GoalMetric{
		{Type: MetricPortfolioMix, FeatureID: "US", Comparison: Minimum, ConfiguredVal: 0.2},
		{Type: MetricRiskScore, ConfiguredVal: 0.7},
	}}}

	r, err := s.RiskScore()
	require.NoError(t, err)
	assert.Equal(t, 0.7, r)

	changed := s.WithRiskScore(0.3)
	r, _ = changed.RiskScore()
	assert.Equal(t, 0.3, r)
	orig, _ := s.RiskScore()
	assert.Equal(t, 0.7, orig, "WithRiskScore must not mutate the receiver")

	none := Settings{ID: "s2"}
	_, err = none.RiskScore()
	assert.ErrorIs(t, err, ErrConfiguration)

	two := Settings{ID: "s3", MetricGroup: MetricGroup{Metrics: []GoalMetric{
		{Type: MetricRiskScore, ConfiguredVal: 0.1},
		{Type: MetricRiskScore, ConfiguredVal: 0.2},
	}}}
	_, err = two.RiskScore()
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestSellFIFO(t *testing.T) {
	d := func(m int) time.Time { return time.Date(2023, time.Month(m), 1, 0, 0, 0, 0, time.UTC) }
	lots := []Lot{
		{ID: "l2", InstrumentID: "A", Quantity: 5, AcquiredAt: d(3)},
		{ID: "l1", InstrumentID: "A", Quantity: 4, AcquiredAt: d(1)},
		{ID: "l3", InstrumentID: "B", Quantity: 7, AcquiredAt: d(1)},
	}

	out := SellFIFO(lots, "A", 6)
	require.Len(t, out, 2)
	assert.Equal(t, "l2", out[0].ID)
	assert.Equal(t, int64(3), out[0].Quantity)
	assert.Equal(t, "l3", out[1].ID)
	assert.Equal(t, int64(4), lots[1].Quantity, "input must not be modified")

	all := SellFIFO(lots, "A", 100)
	assert.Equal(t, int64(0), UnitsByInstrument(all)["A"])
	assert.Equal(t, int64(7), UnitsByInstrument(all)["B"])
}

func TestWeightsHeldSince(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	lots := []Lot{
		{ID: "old", InstrumentID: "A", Quantity: 10, AcquiredAt: now.AddDate(-2, 0, 0)},
		{ID: "new", InstrumentID: "A", Quantity: 5, AcquiredAt: now.AddDate(0, -2, 0)},
		{ID: "newB", InstrumentID: "B", Quantity: 1, AcquiredAt: now.AddDate(0, -1, 0)},
	}
	prices := map[InstrumentID]float64{"A": 10, "B": 50}

	w := WeightsHeldSince(lots, prices, 1000, now.AddDate(-1, 0, 0))
	assert.InDelta(t, 0.05, w["A"], 1e-12)
	assert.InDelta(t, 0.05, w["B"], 1e-12)
	assert.True(t, lots[1].ShortTerm(now, 365*24*time.Hour))
	assert.False(t, lots[0].ShortTerm(now, 365*24*time.Hour))
}

func TestMarkowitzScale(t *testing.T) {
	s := MarkowitzScale{A: 0.5, B: 1.05, C: 0.7}

	for _, r := range []float64{0, 0.25, 0.5, 0.99, 1} {
		lambda := s.RiskScoreToLambda(r)
		back, err := s.LambdaToRiskScore(lambda)
		require.NoError(t, err)
		assert.InDelta(t, r, back, 1e-9)
	}
	assert.InDelta(t, 1.2, s.RiskScoreToLambda(0.5), 1e-12)

	_, err := s.LambdaToRiskScore(0.5)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.False(t, math.IsNaN(s.RiskScoreToLambda(0.3)))
}

func TestErrors(t *testing.T) {
	u := WithRequiredFunds(1234.5, "budget too small")
	wrapped := fmt.Errorf("calculate: %w", u)

	got, ok := AsUnsatisfiable(wrapped)
	require.True(t, ok)
	require.NotNil(t, got.RequiredFunds)
	assert.Equal(t, 1234.5, *got.RequiredFunds)
	assert.Contains(t, u.Error(), "1234.50")

	solver := &SolverError{Message: "iteration limit"}
	viaUnsat := &UnsatisfiableError{Message: "no portfolio", Err: solver}
	assert.True(t, errors.Is(viaUnsat, ErrOptimizationFailed))
	assert.False(t, IsInfeasible(viaUnsat))
	assert.True(t, IsInfeasible(fmt.Errorf("x: %w", &SolverError{Message: "lp", Infeasible: true})))

	_, ok = AsUnsatisfiable(ErrStaleData)
	assert.False(t, ok)
}

func TestExecutionRequest(t *testing.T) {
	req := ExecutionRequest{Side: OrderSideSell, Units: 3, LimitPrice: decimal.RequireFromString("10.25")}
	assert.Equal(t, int64(-3), req.SignedUnits())
	assert.True(t, req.Amount().Equal(decimal.RequireFromString("30.75")))
}
