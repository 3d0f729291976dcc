package constraints

import (
	"bytes"
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

var asOf = time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)

// ASS: AU stock core, USB: US bond ethical, USB1: US bond, AUMS: AU stock ethical mutual
func testUniverse(t *testing.T) *contracts.Universe {
	t.Helper()
	u, err := contracts.NewUniverse(contracts.UniverseData{
		AsOf:        asOf,
		SampleCount: 4,
		Rows: []contracts.InstrumentRow{
			{ID: "ASS", Symbol: "ASS", Price: 1.4, ExpectedReturn: 1.624, MarketWeight: 0.2013},
			{ID: "USB", Symbol: "USB", Price: 2.4, ExpectedReturn: 0.706, MarketWeight: 0.7463},
			{ID: "USB1", Symbol: "USB1", Price: 3.1, ExpectedReturn: -0.309, MarketWeight: 0.0196},
			{ID: "AUMS", Symbol: "AUMS", Price: 1.2, ExpectedReturn: 0.431, MarketWeight: 0.0327},
		},
		Covariance: []float64{
			0.04, 0.00, 0.00, 0.01,
			0.00, 0.01, 0.00, 0.00,
			0.00, 0.00, 0.02, 0.00,
			0.01, 0.00, 0.00, 0.03,
		},
		FeatureSets: map[contracts.FeatureValueID][]int{
			"AU":      {0, 3},
			"US":      {1, 2},
			"Stock":   {0, 3},
			"Bond":    {1, 2},
			"Core":    {0},
			"Ethical": {1, 3},
			"Mutual":  {3},
		},
		Portfolios: map[contracts.PortfolioSetID][]int{
			"ps1":   {0, 1, 2, 3},
			"bonds": {1, 2},
		},
	})
	require.NoError(t, err)
	return u
}

func testScale() *contracts.MarkowitzScale {
	return &contracts.MarkowitzScale{Date: asOf, Min: 0.1, Max: 10, A: 1, B: 1.05, C: 0.2}
}

func settings(set contracts.PortfolioSetID, risk float64, mix ...contracts.GoalMetric) *contracts.Settings {
	metrics := []contracts.GoalMetric{{Type: contracts.MetricRiskScore, ConfiguredVal: risk}}
	for _, m := range mix {
		m.Type = contracts.MetricPortfolioMix
		metrics = append(metrics, m)
	}
	return &contracts.Settings{
		ID:             "s1",
		GoalID:         "g1",
		PortfolioSetID: set,
		MetricGroup:    contracts.MetricGroup{ID: "mg1", Metrics: metrics},
	}
}

func mix(f contracts.FeatureValueID, c contracts.Comparison, v float64) contracts.GoalMetric {
	return contracts.GoalMetric{FeatureID: f, Comparison: c, ConfiguredVal: v}
}

func TestCompileSingleInstrument(t *testing.T) {
	c := NewCompiler(0, zerolog.Nop())
	s := settings("ps1", 0.5,
		mix("US", contracts.Exactly, 0),
		mix("Core", contracts.Maximum, 0),
		mix("AU", contracts.Minimum, 1),
		mix("Ethical", contracts.Exactly, 1),
	)

	in, err := c.Compile(s, testUniverse(t), testScale())
	require.NoError(t, err)

	assert.Equal(t, []contracts.InstrumentID{"AUMS"}, in.IDs)
	assert.Equal(t, []int{3}, in.Indices)
	assert.Equal(t, []float64{0.431}, in.Mu)
	assert.Equal(t, []float64{1.2}, in.Prices)
	assert.InDelta(t, 1.0, in.MarketWeights[0], 1e-12) // 0.0327 → 부분집합 기준 1
	assert.InDelta(t, 0.03, in.Sigma.At(0, 0), 1e-15)
	assert.InDelta(t, 1.2, in.Lambda, 1e-12)
	require.Len(t, in.Constraints, 3)
	assert.Equal(t, optimizer.EQ, in.Constraints[0].Op)
	assert.Equal(t, optimizer.GE, in.Constraints[1].Op)
	assert.Equal(t, optimizer.EQ, in.Constraints[2].Op)

	sol, err := optimizer.New(optimizer.DefaultOptions(), zerolog.Nop()).Solve(in.Problem())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sol.Weights[0], 1e-9)
	assert.Equal(t, map[contracts.InstrumentID]float64{"AUMS": sol.Weights[0]}, in.Weights(sol.Weights))
}

func TestSettingsMasks(t *testing.T) {
	u := testUniverse(t)

	t.Run("zero target excludes feature", func(t *testing.T) {
		restricted, perFeature, err := SettingsMasks(settings("ps1", 0.5,
			mix("Stock", contracts.Maximum, 0),
			mix("Ethical", contracts.Minimum, 0.3),
		), u)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, restricted.Indices())
		assert.Equal(t, []int{}, perFeature["Stock"])
		assert.Equal(t, []int{0}, perFeature["Ethical"])
	})

	t.Run("zero minimum keeps feature", func(t *testing.T) {
		restricted, _, err := SettingsMasks(settings("ps1", 0.5, mix("Stock", contracts.Minimum, 0)), u)
		require.NoError(t, err)
		assert.Equal(t, 4, restricted.Count())
	})

	t.Run("portfolio set restricts", func(t *testing.T) {
		restricted, perFeature, err := SettingsMasks(settings("bonds", 0.5, mix("US", contracts.Exactly, 1)), u)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, restricted.Indices())
		assert.Equal(t, []int{0, 1}, perFeature["US"])
	})

	t.Run("nothing left", func(t *testing.T) {
		_, _, err := SettingsMasks(settings("bonds", 0.5, mix("Bond", contracts.Exactly, 0)), u)
		_, ok := contracts.AsUnsatisfiable(err)
		assert.True(t, ok)

		_, _, err = SettingsMasks(settings("unknown", 0.5), u)
		_, ok = contracts.AsUnsatisfiable(err)
		assert.True(t, ok)
	})
}

func TestMetricConstraints(t *testing.T) {
	tests := []struct {
		name       string
		settings   *contracts.Settings
		perFeature map[contracts.FeatureValueID][]int
		wantOps    []optimizer.Op
		wantErr    error
		unsat      bool
	}{
		{
			name:       "full maximum is skipped",
			settings:   settings("ps1", 0.2, mix("AU", contracts.Maximum, 1)),
			perFeature: map[contracts.FeatureValueID][]int{"AU": {0}},
			wantOps:    []optimizer.Op{optimizer.EQ},
		},
		{
			name: "each comparison maps to an op",
			settings: settings("ps1", 0.2,
				mix("AU", contracts.Minimum, 0.2),
				mix("US", contracts.Exactly, 0.5),
				mix("Core", contracts.Maximum, 0.1),
			),
			perFeature: map[contracts.FeatureValueID][]int{"AU": {0}, "US": {1}, "Core": {0}},
			wantOps:    []optimizer.Op{optimizer.EQ, optimizer.GE, optimizer.EQ, optimizer.LE},
		},
		{
			name:       "maximum without instruments is trivially met",
			settings:   settings("ps1", 0.2, mix("Mutual", contracts.Maximum, 0.3)),
			perFeature: map[contracts.FeatureValueID][]int{"Mutual": {}},
			wantOps:    []optimizer.Op{optimizer.EQ},
		},
		{
			name:       "minimum without instruments",
			settings:   settings("ps1", 0.2, mix("Mutual", contracts.Minimum, 0.3)),
			perFeature: map[contracts.FeatureValueID][]int{"Mutual": {}},
			unsat:      true,
		},
		{
			name:     "missing risk score",
			settings: &contracts.Settings{ID: "x", MetricGroup: contracts.MetricGroup{Metrics: []contracts.GoalMetric{mix("AU", contracts.Minimum, 0.2)}}},
			wantErr:  contracts.ErrConfiguration,
		},
		{
			name: "two risk scores",
			settings: &contracts.Settings{ID: "x", MetricGroup: contracts.MetricGroup{Metrics: []contracts.GoalMetric{
				{Type: contracts.MetricRiskScore, ConfiguredVal: 0.1},
				{Type: contracts.MetricRiskScore, ConfiguredVal: 0.2},
			}}},
			wantErr: contracts.ErrConfiguration,
		},
		{
			name:     "risk score out of range",
			settings: settings("ps1", 1.5),
			wantErr:  contracts.ErrConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lambda, cons, err := MetricConstraints(tt.settings, tt.perFeature, 2, testScale())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			if tt.unsat {
				_, ok := contracts.AsUnsatisfiable(err)
				assert.True(t, ok, "want unsatisfiable, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, testScale().RiskScoreToLambda(0.2), lambda, 1e-12)

			ops := make([]optimizer.Op, len(cons))
			for i, c := range cons {
				ops[i] = c.Op
			}
			assert.Equal(t, tt.wantOps, ops)
		})
	}

	_, _, err := MetricConstraints(settings("ps1", 0.2), nil, 2, nil)
	assert.ErrorIs(t, err, contracts.ErrConfiguration)
}

func TestFingerprint(t *testing.T) {
	c := NewCompiler(0, zerolog.Nop())
	u := testUniverse(t)
	base := settings("ps1", 0.5, mix("AU", contracts.Minimum, 0.3))

	a, err := c.Compile(base, u, testScale())
	require.NoError(t, err)
	b, err := c.Compile(settings("ps1", 0.5, mix("AU", contracts.Minimum, 0.3)), u, testScale())
	require.NoError(t, err)

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)

	changed := []*contracts.Settings{
		settings("ps1", 0.6, mix("AU", contracts.Minimum, 0.3)),
		settings("ps1", 0.5, mix("AU", contracts.Minimum, 0.4)),
		settings("ps1", 0.5, mix("AU", contracts.Maximum, 0.3)),
		settings("bonds", 0.5),
	}
	for _, s := range changed {
		in, err := c.Compile(s, u, testScale())
		require.NoError(t, err)
		f, err := in.Fingerprint()
		require.NoError(t, err)
		assert.NotEqual(t, fa, f)
	}
}

func TestCompileMarketWeightsSumToOne(t *testing.T) {
	c := NewCompiler(0, zerolog.Nop())
	u := testUniverse(t)

	for _, s := range []*contracts.Settings{
		settings("ps1", 0.5),
		settings("bonds", 0.5),
		settings("ps1", 0.5, mix("US", contracts.Exactly, 0)),
	} {
		in, err := c.Compile(s, u, testScale())
		require.NoError(t, err)

		var sum float64
		for _, w := range in.MarketWeights {
			sum += w
		}
		assert.InDelta(t, 1.0, sum, 1e-12, "set=%s", s.PortfolioSetID)
	}

	// 비율은 유지
	in, err := c.Compile(settings("bonds", 0.5), u, testScale())
	require.NoError(t, err)
	assert.InDelta(t, 0.7463/0.0196, in.MarketWeights[0]/in.MarketWeights[1], 1e-9)
}

func TestInputsCopies(t *testing.T) {
	in, err := NewCompiler(0, zerolog.Nop()).Compile(settings("ps1", 0.5), testUniverse(t), testScale())
	require.NoError(t, err)

	p := in.Problem()
	p.Mu[0] = 99
	p.Constraints[0].Coeffs[0] = 99
	assert.NotEqual(t, 99.0, in.Mu[0])
	assert.Equal(t, 1.0, in.Constraints[0].Coeffs[0])

	hi := in.AtRiskScore(1)
	assert.Equal(t, 1.0, hi.RiskScore)
	assert.InDelta(t, testScale().RiskScoreToLambda(1), hi.Lambda, 1e-12)
	assert.Equal(t, 0.5, in.RiskScore)
}

func TestCompilerScale(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	c := NewCompiler(7*24*time.Hour, zerolog.New(&buf))

	dp := memory.NewDataProvider(asOf)
	_, err := c.Scale(ctx, dp)
	assert.ErrorIs(t, err, contracts.ErrConfiguration)

	fresh := *testScale()
	fresh.Date = asOf.AddDate(0, 0, -3)
	require.NoError(t, dp.SetMarkowitzScale(ctx, fresh))
	got, err := c.Scale(ctx, dp)
	require.NoError(t, err)
	assert.Equal(t, fresh.A, got.A)
	assert.NotContains(t, buf.String(), "stale")

	old := fresh
	old.Date = asOf.AddDate(0, 0, -30)
	require.NoError(t, dp.SetMarkowitzScale(ctx, old))
	_, err = c.Scale(ctx, dp)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "markowitz scale is stale")
}
