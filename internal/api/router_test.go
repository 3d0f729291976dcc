package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/allocator/internal/api/handlers"
	"github.com/wonny/allocator/internal/blacklitterman"
	"github.com/wonny/allocator/internal/constraints"
	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/markowitz"
	"github.com/wonny/allocator/internal/optimizer"
	"github.com/wonny/allocator/internal/orderable"
	"github.com/wonny/allocator/internal/portfolio"
	"github.com/wonny/allocator/internal/provider/memory"
	"github.com/wonny/allocator/internal/rebalance"
	"github.com/wonny/allocator/pkg/logger"
)

var asOf = time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)

// staticUniverse serves one fixed snapshot
type staticUniverse struct {
	u *contracts.Universe
}

func (s staticUniverse) Instruments(context.Context, contracts.DataProvider) (*contracts.Universe, error) {
	return s.u, nil
}

// resultStore keeps saved results in memory
type resultStore struct {
	mu      sync.Mutex
	results map[string]*contracts.PortfolioResult
	sweeps  int
}

func (s *resultStore) SaveResult(_ context.Context, settingsID string, r *contracts.PortfolioResult) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		s.results = make(map[string]*contracts.PortfolioResult)
	}
	s.results[settingsID] = r
	return "result-" + settingsID, nil
}

func (s *resultStore) SaveSweep(_ context.Context, settingsID string, _ []portfolio.SweepPoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps++
	return "sweep-" + settingsID, nil
}

func (s *resultStore) GetLatestResult(_ context.Context, settingsID string) (*contracts.PortfolioResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[settingsID]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return r, nil
}

type fixture struct {
	router  http.Handler
	exec    *memory.ExecutionProvider
	results *resultStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	u, err := contracts.NewUniverse(contracts.UniverseData{
		AsOf:        asOf,
		SampleCount: 4,
		Rows: []contracts.InstrumentRow{
			{ID: "ASS", Price: 1.4, ExpectedReturn: 1.624, MarketWeight: 0.2013},
			{ID: "USB", Price: 2.4, ExpectedReturn: 0.706, MarketWeight: 0.7463},
			{ID: "USB1", Price: 3.1, ExpectedReturn: -0.309, MarketWeight: 0.0196},
			{ID: "AUMS", Price: 1.2, ExpectedReturn: 0.431, MarketWeight: 0.0327},
		},
		Covariance: []float64{
			0.04, 0.00, 0.00, 0.01,
			0.00, 0.01, 0.00, 0.00,
			0.00, 0.00, 0.02, 0.00,
			0.01, 0.00, 0.00, 0.03,
		},
		FeatureSets: map[contracts.FeatureValueID][]int{
			"AU": {0, 3}, "US": {1, 2}, "Core": {0}, "Ethical": {1, 3},
		},
		Portfolios: map[contracts.PortfolioSetID][]int{"ps1": {0, 1, 2, 3}},
	})
	require.NoError(t, err)

	dp := memory.NewDataProvider(asOf)
	require.NoError(t, dp.SetMarkowitzScale(context.Background(), contracts.MarkowitzScale{Date: asOf, Min: 0.1, Max: 10, A: 1, B: 1.05, C: 0.2}))
	exec := memory.NewExecutionProvider(0)

	log := logger.Nop()
	solver := optimizer.New(optimizer.DefaultOptions(), zerolog.Nop())
	calc := portfolio.NewCalculator(
		portfolio.DefaultConfig(),
		constraints.NewCompiler(0, zerolog.Nop()),
		blacklitterman.NewBlender(0, 0, zerolog.Nop()),
		solver,
		orderable.NewEngine(orderable.DefaultConfig(), solver, zerolog.Nop()),
		nil,
		log,
	)
	policy := rebalance.NewPolicy(rebalance.DefaultConfig(), calc, solver, dp, exec, nil, log)
	calibrator := markowitz.NewCalibrator(markowitz.DefaultCalibrationConfig(), solver, zerolog.Nop())

	src := staticUniverse{u: u}
	results := &resultStore{}
	router := NewRouter(Handlers{
		Portfolio: handlers.NewPortfolioHandler(src, dp, calc, results, log),
		Goal:      handlers.NewGoalHandler(src, dp, exec, policy, log),
		Markowitz: handlers.NewMarkowitzHandler(src, dp, calibrator, log),
	}, log)

	return &fixture{router: router, exec: exec, results: results}
}

// auEthical only fits AUMS
func auEthical() *contracts.Settings {
	return &contracts.Settings{
		ID:             "s1",
		PortfolioSetID: "ps1",
		MetricGroup: contracts.MetricGroup{Metrics: []contracts.GoalMetric{
			{Type: contracts.MetricRiskScore, ConfiguredVal: 0.5},
			{Type: contracts.MetricPortfolioMix, FeatureID: "US", Comparison: contracts.Exactly, ConfiguredVal: 0},
			{Type: contracts.MetricPortfolioMix, FeatureID: "Core", Comparison: contracts.Maximum, ConfiguredVal: 0},
			{Type: contracts.MetricPortfolioMix, FeatureID: "AU", Comparison: contracts.Minimum, ConfiguredVal: 1},
			{Type: contracts.MetricPortfolioMix, FeatureID: "Ethical", Comparison: contracts.Exactly, ConfiguredVal: 1},
		}},
	}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestCalculate(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/portfolios/calculate", handlers.CalculateRequest{
		Settings: auEthical(), Budget: 10000, Save: true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp handlers.CalculateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "result-s1", resp.ID)
	require.Len(t, resp.Result.Weights, 1)
	assert.InDelta(t, 1.0, resp.Result.Weights["AUMS"], 1e-3)

	// 저장된 결과 조회
	rec = f.do(t, http.MethodGet, "/api/portfolios/s1/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var latest contracts.PortfolioResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&latest))
	assert.InDelta(t, 0.5, latest.RiskScore, 1e-12)
}

func TestCalculate_Errors(t *testing.T) {
	f := newFixture(t)

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/portfolios/calculate", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing settings", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/portfolios/calculate", handlers.CalculateRequest{Budget: 100})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "CONFIGURATION")
	})

	t.Run("unsatisfiable", func(t *testing.T) {
		s := auEthical()
		s.MetricGroup.Metrics = append(s.MetricGroup.Metrics,
			contracts.GoalMetric{Type: contracts.MetricPortfolioMix, FeatureID: "JP", Comparison: contracts.Minimum, ConfiguredVal: 0.2})
		rec := f.do(t, http.MethodPost, "/api/portfolios/calculate", handlers.CalculateRequest{Settings: s, Budget: 100})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, rec.Body.String(), "UNSATISFIABLE")
	})

	t.Run("no saved result", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/portfolios/unknown/latest", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRebalance(t *testing.T) {
	f := newFixture(t)
	f.exec.PutGoal(contracts.Goal{ID: "g1", Cash: 10000, ApprovedSettings: auEthical()})
	f.exec.PutGoal(contracts.Goal{ID: "g2", Cash: 10000})

	t.Run("dry run", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/goals/g1/rebalance?dry_run=true", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var plan handlers.PlanResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&plan))
		assert.True(t, plan.DryRun)
		assert.Equal(t, contracts.ReasonMetricChange, plan.Reason)
		assert.Nil(t, plan.Order)
		require.Len(t, plan.Requests, 1)
		assert.Equal(t, contracts.InstrumentID("AUMS"), plan.Requests[0].InstrumentID)
		assert.Empty(t, f.exec.MarketOrders())
	})

	t.Run("records order", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/goals/g1/rebalance", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Len(t, f.exec.MarketOrders(), 1)
	})

	t.Run("errors", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/goals/missing/rebalance", nil).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/goals/g2/rebalance", nil).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/goals/g1/rebalance?dry_run=maybe", nil).Code)
	})
}

func TestMarkowitzScale(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/markowitz/scale", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var scale contracts.MarkowitzScale
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&scale))
	assert.Equal(t, 10.0, scale.Max)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/portfolios/calculate"},
		{http.MethodGet, "/api/portfolios/sweep"},
		{http.MethodPost, "/api/universe"},
		{http.MethodGet, "/api/goals/g1/rebalance"},
		{http.MethodDelete, "/api/markowitz/scale"},
	}
	for _, tc := range tests {
		rec := f.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "%s %s", tc.method, tc.path)
	}

	// 존재하지 않는 경로는 404
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/unknown", nil).Code)
}
