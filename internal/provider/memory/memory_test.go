package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/allocator/internal/contracts"
)

func day(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

func seeded() *DataProvider {
	dp := NewDataProvider(day(10))
	dp.AddInstrument(
		contracts.Instrument{ID: "A", Symbol: "A", AssetClassID: "stock", State: contracts.StateActive},
		[]contracts.FeatureValueID{"AU", "Ethical"}, 100,
		[]contracts.PricePoint{{Date: day(12), Price: 1.3}, {Date: day(1), Price: 1.1}, {Date: day(5), Price: 1.2}},
	)
	dp.AddInstrument(
		contracts.Instrument{ID: "B", Symbol: "B", AssetClassID: "bond", State: contracts.StateActive},
		[]contracts.FeatureValueID{"AU"}, 300, nil,
	)
	dp.SetPortfolioSets("stock", "ps2", "ps1")
	dp.SetPortfolioSets("bond", "ps1")
	return dp
}

func TestDataProvider(t *testing.T) {
	ctx := context.Background()
	dp := seeded()

	tickers, err := dp.GetTickers(ctx)
	require.NoError(t, err)
	require.Len(t, tickers, 2)
	assert.Equal(t, contracts.InstrumentID("A"), tickers[0].ID)

	_, err = dp.GetTicker(ctx, "X")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	t.Run("latest price respects the clock", func(t *testing.T) {
		price, err := dp.GetFundPriceLatest(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, 1.2, price)

		_, err = dp.GetFundPriceLatest(ctx, "B")
		assert.ErrorIs(t, err, contracts.ErrNotFound)
	})

	t.Run("history is sorted and cut at to", func(t *testing.T) {
		hist, err := dp.GetPriceHistory(ctx, "A", day(5))
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, day(1), hist[0].Date)
		assert.Equal(t, day(5), hist[1].Date)

		bench, err := dp.GetBenchmarkHistory(ctx, "A", day(31))
		require.NoError(t, err)
		assert.Empty(t, bench)
	})

	t.Run("features and sets", func(t *testing.T) {
		features, err := dp.GetFeatures(ctx)
		require.NoError(t, err)
		assert.Equal(t, []contracts.Feature{{ID: "AU", Name: "AU"}, {ID: "Ethical", Name: "Ethical"}}, features)

		sets, err := dp.GetPortfolioSetIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []contracts.PortfolioSetID{"ps1", "ps2"}, sets)

		classes, err := dp.GetAssetClassToPortfolioSets(ctx)
		require.NoError(t, err)
		classes["stock"][0] = "mutated"
		again, _ := dp.GetAssetClassToPortfolioSets(ctx)
		assert.Equal(t, contracts.PortfolioSetID("ps2"), again["stock"][0])

		mcap, err := dp.GetMarketWeight(ctx, "B")
		require.NoError(t, err)
		assert.Equal(t, 300.0, mcap)
	})

	t.Run("markowitz scale", func(t *testing.T) {
		_, err := dp.GetMarkowitzScale(ctx)
		assert.ErrorIs(t, err, contracts.ErrNotFound)

		require.NoError(t, dp.SetMarkowitzScale(ctx, contracts.MarkowitzScale{Date: day(9), A: 1, B: 1.05, C: 0.2}))
		s, err := dp.GetMarkowitzScale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0.2, s.C)
	})

	t.Run("cycles up to date", func(t *testing.T) {
		dp.SetCycles(
			[]contracts.CycleObservation{{Date: day(8), Regime: contracts.RegimeEQPK}, {Date: day(2), Regime: contracts.RegimeEQ}},
			[]contracts.CycleForecast{{Date: day(9), Probabilities: map[contracts.Regime]float64{contracts.RegimeEQ: 1}}},
		)
		obs, err := dp.GetCycleObservations(ctx, day(5))
		require.NoError(t, err)
		assert.Equal(t, []contracts.CycleObservation{{Date: day(2), Regime: contracts.RegimeEQ}}, obs)

		fc, err := dp.GetCycleProbabilities(ctx, day(8))
		require.NoError(t, err)
		assert.Empty(t, fc)
	})
}

func TestBacktest(t *testing.T) {
	dp := seeded()
	bt := NewBacktest(dp, day(1), day(3), 0)

	assert.Equal(t, day(1), bt.GetStartDate())
	assert.Equal(t, day(1), bt.GetCurrentDate())
	assert.True(t, bt.MoveDateForward())
	assert.True(t, bt.MoveDateForward())
	assert.Equal(t, day(3), bt.GetCurrentDate())
	assert.False(t, bt.MoveDateForward())

	price, err := bt.GetFundPriceLatest(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, 1.1, price)
}

func TestExecutionProvider(t *testing.T) {
	ctx := context.Background()
	ep := NewExecutionProvider(0)
	ep.PutGoal(contracts.Goal{ID: "g1", Cash: 100})

	old := ep.AddLot(contracts.Lot{GoalID: "g1", InstrumentID: "A", Quantity: 10, Price: 5, AcquiredAt: day(1).AddDate(-2, 0, 0)})
	assert.NotEmpty(t, old.ID)
	ep.AddLot(contracts.Lot{ID: "new", GoalID: "g1", InstrumentID: "A", Quantity: 5, Price: 6, AcquiredAt: day(1)})

	short, err := ep.GetAssetWeightsHeldLessThan1y(ctx, "g1", map[contracts.InstrumentID]float64{"A": 10}, 200, day(10))
	require.NoError(t, err)
	assert.InDelta(t, 0.25, short["A"], 1e-12)

	order := &contracts.MarketOrder{GoalID: "g1", Reason: contracts.ReasonDrift}
	require.NoError(t, ep.CreateMarketOrder(ctx, order))
	require.NotEmpty(t, order.ID)

	sell := &contracts.ExecutionRequest{MarketOrderID: order.ID, InstrumentID: "A", Side: contracts.OrderSideSell, Units: 12, LimitPrice: decimal.NewFromInt(10)}
	buy := &contracts.ExecutionRequest{MarketOrderID: order.ID, InstrumentID: "B", Side: contracts.OrderSideBuy, Units: 2, LimitPrice: decimal.RequireFromString("20.5")}
	require.NoError(t, ep.CreateExecutionRequest(ctx, sell))
	require.NoError(t, ep.CreateExecutionRequest(ctx, buy))
	assert.Equal(t, contracts.StatusPending, sell.Status)

	reqs := ep.ExecutionRequests(order.ID)
	require.Len(t, reqs, 2)
	assert.Equal(t, sell.ID, reqs[0].ID)

	require.NoError(t, ep.Fill(sell.ID, day(11)))
	require.NoError(t, ep.Fill(buy.ID, day(11)))
	require.NoError(t, ep.Fill(buy.ID, day(12)), "filling twice is a no-op")

	lots, err := ep.GetLots(ctx, "g1")
	require.NoError(t, err)
	units := contracts.UnitsByInstrument(lots)
	assert.Equal(t, int64(3), units["A"], "FIFO sell empties the old lot first")
	assert.Equal(t, int64(2), units["B"])

	goal, err := ep.GetGoal(ctx, "g1")
	require.NoError(t, err)
	assert.InDelta(t, 100+120-41, goal.Cash, 1e-9)

	got, err := ep.GetExecutionRequest(ctx, sell.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFilled, got.Status)

	_, err = ep.GetExecutionRequest(ctx, "missing")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	assert.ErrorIs(t, ep.Fill("missing", day(12)), contracts.ErrNotFound)
	_, err = ep.GetGoal(ctx, "nope")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}
