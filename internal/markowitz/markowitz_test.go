package markowitz

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/optimizer"
	"github.com/wonny/allocator/internal/provider/memory"
)

var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func TestFit(t *testing.T) {
	scale, err := Fit(0.16, 7.984, 1.2, day)
	require.NoError(t, err)

	assert.InDelta(t, 0.16, scale.RiskScoreToLambda(0), 1e-9)
	assert.InDelta(t, 1.2, scale.RiskScoreToLambda(0.5), 1e-9)
	assert.InDelta(t, 7.984, scale.RiskScoreToLambda(1), 1e-9)
	assert.Equal(t, 0.16, scale.Min)
	assert.Equal(t, 7.984, scale.Max)
	assert.Equal(t, day, scale.Date)

	// λ는 위험 점수에 대해 단조 증가
	prev := scale.RiskScoreToLambda(0)
	for r := 0.01; r <= 1.0; r += 0.01 {
		l := scale.RiskScoreToLambda(r)
		assert.Greater(t, l, prev)
		prev = l
	}
}

func TestFitRoundTrip(t *testing.T) {
	for _, anchors := range [][2]float64{{0.16, 7.984}, {0.01, 50}, {1.0, 1.3}} {
		scale, err := Fit(anchors[0], anchors[1], DefaultAnchor, day)
		require.NoError(t, err)
		for i := 0; i <= 100; i++ {
			r := float64(i) / 100
			back, err := scale.LambdaToRiskScore(scale.RiskScoreToLambda(r))
			require.NoError(t, err)
			assert.InDelta(t, r, back, 1e-9, "anchors %v r=%.2f", anchors, r)
		}
	}
}

func TestFitInvalid(t *testing.T) {
	for _, tt := range []struct {
		name     string
		min, max float64
	}{
		{"min above anchor", 1.5, 3},
		{"max below anchor", 0.1, 1.1},
		{"symmetric", 0.2, 2.2},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Fit(tt.min, tt.max, 1.2, day)
			assert.ErrorIs(t, err, contracts.ErrConfiguration)
		})
	}
}

func twoAssetUniverse(t *testing.T, variance float64, mu ...float64) *contracts.Universe {
	t.Helper()
	u, err := contracts.NewUniverse(contracts.UniverseData{
		AsOf:        day,
		SampleCount: 24,
		Rows: []contracts.InstrumentRow{
			{ID: "A", Price: 10, ExpectedReturn: mu[0], MarketWeight: 0.5},
			{ID: "B", Price: 10, ExpectedReturn: mu[1], MarketWeight: 0.5},
		},
		Covariance: []float64{variance, 0, 0, variance},
	})
	require.NoError(t, err)
	return u
}

func newCalibrator(cfg CalibrationConfig) *Calibrator {
	return NewCalibrator(cfg, optimizer.New(optimizer.DefaultOptions(), zerolog.Nop()), zerolog.Nop())
}

func TestCalibrate(t *testing.T) {
	// Σ = 0.4·I, μ = (0.1, 0.2): w_B − w_A = λ·0.1/0.8 inside the box
	//   λmin: 0.0625·λ = 0.01  → 0.16
	//   λmax: 0.0625·λ = 0.499 → 7.984
	u := twoAssetUniverse(t, 0.4, 0.1, 0.2)

	scale, err := newCalibrator(DefaultCalibrationConfig()).Calibrate(context.Background(), u)
	require.NoError(t, err)
	assert.InDelta(t, 0.16, scale.Min, 1e-5)
	assert.InDelta(t, 7.984, scale.Max, 1e-5)
	assert.InDelta(t, 1.2, scale.RiskScoreToLambda(0.5), 1e-9)
	assert.Equal(t, day, scale.Date)
}

func TestCalibrateInvalidUniverse(t *testing.T) {
	ctx := context.Background()

	t.Run("anchor already concentrates", func(t *testing.T) {
		_, err := newCalibrator(DefaultCalibrationConfig()).Calibrate(ctx, twoAssetUniverse(t, 0.04, 0.1, 0.2))
		assert.ErrorIs(t, err, contracts.ErrConfiguration)
	})

	t.Run("equal returns never concentrate", func(t *testing.T) {
		cfg := DefaultCalibrationConfig()
		cfg.MaxLambda = 100
		_, err := newCalibrator(cfg).Calibrate(ctx, twoAssetUniverse(t, 0.4, 0.1, 0.1))
		assert.ErrorIs(t, err, contracts.ErrConfiguration)
	})

	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := newCalibrator(DefaultCalibrationConfig()).Calibrate(cctx, twoAssetUniverse(t, 0.4, 0.1, 0.2))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRunStoresScale(t *testing.T) {
	ctx := context.Background()
	now := day.AddDate(0, 0, 2)
	dp := memory.NewDataProvider(now)

	scale, err := newCalibrator(DefaultCalibrationConfig()).Run(ctx, twoAssetUniverse(t, 0.4, 0.1, 0.2), dp)
	require.NoError(t, err)
	assert.Equal(t, now, scale.Date)

	stored, err := dp.GetMarkowitzScale(ctx)
	require.NoError(t, err)
	assert.Equal(t, scale, *stored)
}
