package rebalance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/allocator/internal/blacklitterman"
	"github.com/wonny/allocator/internal/constraints"
	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/optimizer"
	"github.com/wonny/allocator/internal/orderable"
	"github.com/wonny/allocator/internal/portfolio"
	"github.com/wonny/allocator/internal/provider/memory"
	"github.com/wonny/allocator/pkg/logger"
	"github.com/wonny/allocator/pkg/metrics"
)

var asOf = time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)

type reasonRecorder struct {
	metrics.Nop
	mu      sync.Mutex
	reasons []string
}

func (r *reasonRecorder) Rebalance(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

// A, B: Stock, C: Bond. Equal prices, variances and market weights, so the
// unconstrained optimum is 1/3 each.
func testUniverse(t *testing.T) *contracts.Universe {
	t.Helper()
	u, err := contracts.NewUniverse(contracts.UniverseData{
		AsOf:        asOf,
		SampleCount: 24,
		Rows: []contracts.InstrumentRow{
			{ID: "A", Price: 10, MarketWeight: 1.0 / 3},
			{ID: "B", Price: 10, MarketWeight: 1.0 / 3},
			{ID: "C", Price: 10, MarketWeight: 1.0 / 3},
		},
		Covariance: []float64{
			0.04, 0, 0,
			0, 0.04, 0,
			0, 0, 0.04,
		},
		FeatureSets: map[contracts.FeatureValueID][]int{
			"Stock": {0, 1},
			"Bond":  {2},
		},
		Portfolios: map[contracts.PortfolioSetID][]int{"ps": {0, 1, 2}},
	})
	require.NoError(t, err)
	return u
}

func settings(id string, risk float64, mix ...contracts.GoalMetric) *contracts.Settings {
	metrics := []contracts.GoalMetric{{Type: contracts.MetricRiskScore, ConfiguredVal: risk}}
	for _, m := range mix {
		m.Type = contracts.MetricPortfolioMix
		metrics = append(metrics, m)
	}
	return &contracts.Settings{
		ID:             id,
		GoalID:         "g1",
		PortfolioSetID: "ps",
		MetricGroup:    contracts.MetricGroup{ID: "mg-" + id, Metrics: metrics},
	}
}

type fixture struct {
	dp     *memory.DataProvider
	ep     *memory.ExecutionProvider
	rec    *reasonRecorder
	policy *Policy
	u      *contracts.Universe
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dp := memory.NewDataProvider(asOf)
	require.NoError(t, dp.SetMarkowitzScale(context.Background(), contracts.MarkowitzScale{Date: asOf, A: 1, B: 1.05, C: 0.2}))
	ep := memory.NewExecutionProvider(0)
	rec := &reasonRecorder{}

	solver := optimizer.New(optimizer.DefaultOptions(), zerolog.Nop())
	cfg := portfolio.DefaultConfig()
	cfg.Align = false
	calc := portfolio.NewCalculator(
		cfg,
		constraints.NewCompiler(0, zerolog.Nop()),
		blacklitterman.NewBlender(0, 0, zerolog.Nop()),
		solver,
		orderable.NewEngine(orderable.DefaultConfig(), solver, zerolog.Nop()),
		nil,
		logger.Nop(),
	)
	return &fixture{
		dp:     dp,
		ep:     ep,
		rec:    rec,
		policy: NewPolicy(DefaultConfig(), calc, solver, dp, ep, rec, logger.Nop()),
		u:      testUniverse(t),
	}
}

func (f *fixture) lot(id string, inst contracts.InstrumentID, qty int64, price float64, age time.Duration) {
	f.ep.AddLot(contracts.Lot{ID: id, GoalID: "g1", InstrumentID: inst, Quantity: qty, Price: price, AcquiredAt: asOf.Add(-age)})
}

const (
	months = 30 * 24 * time.Hour
	years  = 365 * 24 * time.Hour
)

type trade struct {
	id    contracts.InstrumentID
	side  contracts.OrderSide
	units int64
}

func tradesOf(reqs []contracts.ExecutionRequest) []trade {
	out := make([]trade, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, trade{r.InstrumentID, r.Side, r.Units})
	}
	return out
}

func TestRebalanceNewGoal(t *testing.T) {
	f := newFixture(t)
	goal := &contracts.Goal{ID: "g1", Cash: 3000, ApprovedSettings: settings("s1", 0.5)}

	plan, err := f.policy.Rebalance(context.Background(), goal, f.u)
	require.NoError(t, err)

	assert.Equal(t, contracts.ReasonMetricChange, plan.Reason)
	assert.InDelta(t, 3000, plan.Value, 1e-9)
	assert.Equal(t, []trade{
		{"A", contracts.OrderSideBuy, 100},
		{"B", contracts.OrderSideBuy, 100},
		{"C", contracts.OrderSideBuy, 100},
	}, tradesOf(plan.Requests))

	require.NotNil(t, plan.Order)
	orders := f.ep.MarketOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, contracts.ReasonMetricChange, orders[0].Reason)
	recorded := f.ep.ExecutionRequests(plan.Order.ID)
	require.Len(t, recorded, 3)
	for _, r := range recorded {
		assert.Equal(t, contracts.StatusPending, r.Status)
		assert.True(t, r.LimitPrice.Equal(decimal.NewFromInt(10)))
	}
	assert.Equal(t, []string{"METRIC_CHANGE"}, f.rec.reasons)
}

func TestRebalanceMetricChange(t *testing.T) {
	f := newFixture(t)
	f.lot("la", "A", 100, 8, 2*years)
	f.lot("lb", "B", 100, 8, 2*years)
	f.lot("lc", "C", 100, 8, 2*years)
	goal := &contracts.Goal{
		ID:               "g1",
		ActiveSettings:   settings("s1", 0.5),
		ApprovedSettings: settings("s2", 0.5, contracts.GoalMetric{FeatureID: "Stock", Comparison: contracts.Maximum, ConfiguredVal: 0.5}),
	}

	plan, err := f.policy.Plan(context.Background(), goal, f.u)
	require.NoError(t, err)

	// A + B <= 0.5 → (0.25, 0.25, 0.5): 75 / 75 / 150주
	assert.Equal(t, contracts.ReasonMetricChange, plan.Reason)
	assert.Empty(t, plan.Removed)
	assert.Equal(t, []trade{
		{"A", contracts.OrderSideSell, 25},
		{"B", contracts.OrderSideSell, 25},
		{"C", contracts.OrderSideBuy, 50},
	}, tradesOf(plan.Requests))
	assert.Nil(t, plan.Order)
	assert.Empty(t, f.ep.MarketOrders(), "Plan must not record orders")
}

func TestRebalanceDeposit(t *testing.T) {
	f := newFixture(t)
	f.lot("la", "A", 100, 8, 2*years)
	f.lot("lb", "B", 100, 8, 2*years)
	f.lot("lc", "C", 100, 8, 2*years)
	s := settings("s1", 0.5)
	goal := &contracts.Goal{ID: "g1", Cash: 1500, ActiveSettings: s, ApprovedSettings: s}

	plan, err := f.policy.Rebalance(context.Background(), goal, f.u)
	require.NoError(t, err)

	assert.Equal(t, contracts.ReasonDeposit, plan.Reason)
	assert.Equal(t, []trade{
		{"A", contracts.OrderSideBuy, 50},
		{"B", contracts.OrderSideBuy, 50},
		{"C", contracts.OrderSideBuy, 50},
	}, tradesOf(plan.Requests))
	assert.Equal(t, []string{"DEPOSIT"}, f.rec.reasons)
}

func TestRebalanceWithinThreshold(t *testing.T) {
	f := newFixture(t)
	f.lot("la", "A", 100, 8, 2*years)
	f.lot("lb", "B", 100, 8, 2*years)
	f.lot("lc", "C", 100, 8, 2*years)
	s := settings("s1", 0.5, contracts.GoalMetric{FeatureID: "Stock", Comparison: contracts.Maximum, ConfiguredVal: 0.7, RebalanceThreshold: 0.05})
	goal := &contracts.Goal{ID: "g1", ActiveSettings: s, ApprovedSettings: s}

	plan, err := f.policy.Rebalance(context.Background(), goal, f.u)
	require.NoError(t, err)

	assert.Equal(t, contracts.ReasonDrift, plan.Reason)
	assert.Empty(t, plan.Requests)
	assert.Nil(t, plan.Order)
	assert.Empty(t, f.ep.MarketOrders())
	assert.Empty(t, f.rec.reasons)
}

// Holdings worth 3000 against a pending withdrawal of 655: held weights sum
// to 3000/2345. The long-term loss lot on A goes first and only 66 of its 100
// units need to leave the floors (34 units = 340 ≤ 2345 − 2000).
func TestRebalanceWithdrawal(t *testing.T) {
	f := newFixture(t)
	f.lot("la", "A", 100, 12, 2*years) // long-term loss
	f.lot("lb", "B", 100, 8, 2*years)  // long-term gain
	f.lot("lc", "C", 100, 9, 2*months) // short-term gain
	s := settings("s1", 0.5)
	goal := &contracts.Goal{ID: "g1", Cash: -655, ActiveSettings: s, ApprovedSettings: s}

	plan, err := f.policy.Rebalance(context.Background(), goal, f.u)
	require.NoError(t, err)

	assert.Equal(t, contracts.ReasonWithdrawal, plan.Reason)
	assert.Equal(t, []Removal{{LotID: "la", InstrumentID: "A", Units: 66, Bucket: LongTermLoss}}, plan.Removed)
	assert.Equal(t, []trade{{"A", contracts.OrderSideSell, 66}}, tradesOf(plan.Requests))

	// 하한 유지: B, C는 매도하지 않음
	assert.InDelta(t, 1000.0/2345, plan.Weights["B"], 1e-9)
	assert.InDelta(t, 1000.0/2345, plan.Weights["C"], 1e-9)
	assert.LessOrEqual(t, plan.Result.TotalWeight(), 1+1e-9)
	assert.Equal(t, []string{"WITHDRAWAL"}, f.rec.reasons)

	// 매도 대금이 출금액을 충당
	var proceeds decimal.Decimal
	for _, r := range plan.Requests {
		proceeds = proceeds.Add(r.Amount())
	}
	assert.True(t, proceeds.GreaterThanOrEqual(decimal.NewFromInt(655)))
}

// Stock max 45% against held 80% stock: the short-term loss lot on B is
// released first, 88 units of it (A 40% + B 12 units = 44.8%).
func TestRebalanceDriftPerturbation(t *testing.T) {
	f := newFixture(t)
	f.lot("la", "A", 100, 5, 2*years)   // long-term gain
	f.lot("lb", "B", 100, 12, 3*months) // short-term loss
	f.lot("lc", "C", 50, 10, 2*years)   // no gain: long-term loss
	s := settings("s1", 0.5, contracts.GoalMetric{FeatureID: "Stock", Comparison: contracts.Maximum, ConfiguredVal: 0.45})
	goal := &contracts.Goal{ID: "g1", ActiveSettings: s, ApprovedSettings: s}

	plan, err := f.policy.Plan(context.Background(), goal, f.u)
	require.NoError(t, err)

	assert.Equal(t, contracts.ReasonDrift, plan.Reason)
	assert.Equal(t, []Removal{{LotID: "lb", InstrumentID: "B", Units: 88, Bucket: ShortTermLoss}}, plan.Removed)

	// (0.4, 0.05, 0.55) → A 100, B 12, C 137주
	assert.InDelta(t, 0.4, plan.Weights["A"], 1e-6)
	assert.InDelta(t, 0.05, plan.Weights["B"], 1e-6)
	assert.InDelta(t, 0.55, plan.Weights["C"], 1e-6)
	assert.Equal(t, []trade{
		{"B", contracts.OrderSideSell, 88},
		{"C", contracts.OrderSideBuy, 87},
	}, tradesOf(plan.Requests))
}

// The bond lot sorts first but holding it does not press the stock cap, so
// it stays in the floors and only the stock lot is released.
func TestRebalanceDriftKeepsUnrelatedLots(t *testing.T) {
	f := newFixture(t)
	f.lot("la", "A", 100, 5, 2*years)   // long-term gain
	f.lot("lb", "B", 100, 12, 3*months) // short-term loss −2
	f.lot("lc", "C", 50, 15, 3*months)  // short-term loss −5
	s := settings("s1", 0.5, contracts.GoalMetric{FeatureID: "Stock", Comparison: contracts.Maximum, ConfiguredVal: 0.45})
	goal := &contracts.Goal{ID: "g1", ActiveSettings: s, ApprovedSettings: s}

	plan, err := f.policy.Plan(context.Background(), goal, f.u)
	require.NoError(t, err)

	assert.Equal(t, contracts.ReasonDrift, plan.Reason)
	assert.Equal(t, []Removal{{LotID: "lb", InstrumentID: "B", Units: 88, Bucket: ShortTermLoss}}, plan.Removed)
	assert.Equal(t, []trade{
		{"B", contracts.OrderSideSell, 88},
		{"C", contracts.OrderSideBuy, 87},
	}, tradesOf(plan.Requests))
}

func TestRebalanceUnsatisfiable(t *testing.T) {
	ctx := context.Background()

	t.Run("contradictory settings", func(t *testing.T) {
		f := newFixture(t)
		f.lot("la", "A", 10, 10, 2*years)
		s := settings("s1", 0.5,
			contracts.GoalMetric{FeatureID: "Stock", Comparison: contracts.Exactly, ConfiguredVal: 0.9},
			contracts.GoalMetric{FeatureID: "Bond", Comparison: contracts.Minimum, ConfiguredVal: 0.2},
		)
		goal := &contracts.Goal{ID: "g1", Cash: 100, ActiveSettings: s, ApprovedSettings: s}

		_, err := f.policy.Rebalance(ctx, goal, f.u)
		u, ok := contracts.AsUnsatisfiable(err)
		require.True(t, ok, "%v", err)
		assert.Contains(t, u.Message, "releasing every held lot")
		assert.Empty(t, f.ep.MarketOrders())
	})

	t.Run("withdrawal exceeds holdings", func(t *testing.T) {
		f := newFixture(t)
		f.lot("la", "A", 100, 10, 2*years)
		s := settings("s1", 0.5)
		goal := &contracts.Goal{ID: "g1", Cash: -5000, ActiveSettings: s, ApprovedSettings: s}

		_, err := f.policy.Rebalance(ctx, goal, f.u)
		_, ok := contracts.AsUnsatisfiable(err)
		assert.True(t, ok, "%v", err)
	})

	t.Run("no approved settings", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.policy.Rebalance(ctx, &contracts.Goal{ID: "g1", Cash: 100}, f.u)
		assert.ErrorIs(t, err, contracts.ErrConfiguration)
	})
}

func TestRebalanceHeldOutsideUniverse(t *testing.T) {
	f := newFixture(t)
	f.dp.AddInstrument(contracts.Instrument{ID: "OLD", Symbol: "OLD", State: contracts.StateClosed}, nil, 0,
		[]contracts.PricePoint{{Date: asOf.AddDate(0, -1, 0), Price: 20}})
	f.lot("lo", "OLD", 15, 20, 2*years)
	goal := &contracts.Goal{ID: "g1", ApprovedSettings: settings("s1", 0.5)}

	plan, err := f.policy.Plan(context.Background(), goal, f.u)
	require.NoError(t, err)

	// 300 → OLD 전량 매도, A/B/C 10주씩
	assert.InDelta(t, 300, plan.Value, 1e-9)
	assert.Equal(t, []trade{
		{"OLD", contracts.OrderSideSell, 15},
		{"A", contracts.OrderSideBuy, 10},
		{"B", contracts.OrderSideBuy, 10},
		{"C", contracts.OrderSideBuy, 10},
	}, tradesOf(plan.Requests))
}
