// Package memory provides in-memory DataProvider and ExecutionProvider
// implementations for tests, what-if runs and backtests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wonny/allocator/internal/contracts"
)

// DataProvider is a mutable in-memory market data store
type DataProvider struct {
	mu sync.RWMutex

	now        time.Time
	tickers    []contracts.Instrument
	prices     map[contracts.InstrumentID][]contracts.PricePoint
	benchmarks map[contracts.InstrumentID][]contracts.PricePoint
	features   []contracts.Feature
	assetFeat  map[contracts.InstrumentID][]contracts.FeatureValueID
	classSets  map[contracts.AssetClassID][]contracts.PortfolioSetID
	marketCaps map[contracts.InstrumentID]float64
	scale      *contracts.MarkowitzScale
	views      map[contracts.PortfolioSetID][]contracts.View
	cycles     []contracts.CycleObservation
	forecasts  []contracts.CycleForecast
}

var _ contracts.DataProvider = (*DataProvider)(nil)

// NewDataProvider creates an empty provider whose clock is at now
func NewDataProvider(now time.Time) *DataProvider {
	return &DataProvider{
		now:        now,
		prices:     make(map[contracts.InstrumentID][]contracts.PricePoint),
		benchmarks: make(map[contracts.InstrumentID][]contracts.PricePoint),
		assetFeat:  make(map[contracts.InstrumentID][]contracts.FeatureValueID),
		classSets:  make(map[contracts.AssetClassID][]contracts.PortfolioSetID),
		marketCaps: make(map[contracts.InstrumentID]float64),
		views:      make(map[contracts.PortfolioSetID][]contracts.View),
	}
}

// =============================================================================
// Seeding
// =============================================================================

// AddInstrument registers an instrument with its features, market cap and prices
func (p *DataProvider) AddInstrument(inst contracts.Instrument, features []contracts.FeatureValueID, marketCap float64, prices []contracts.PricePoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tickers = append(p.tickers, inst)
	p.assetFeat[inst.ID] = append([]contracts.FeatureValueID(nil), features...)
	p.marketCaps[inst.ID] = marketCap
	p.prices[inst.ID] = sortedPoints(prices)

	for _, f := range features {
		if !p.hasFeature(f) {
			p.features = append(p.features, contracts.Feature{ID: f, Name: string(f)})
		}
	}
}

// SetBenchmarkHistory sets the benchmark series used in tracking-error mode
func (p *DataProvider) SetBenchmarkHistory(id contracts.InstrumentID, prices []contracts.PricePoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.benchmarks[id] = sortedPoints(prices)
}

// SetPortfolioSets maps an asset class to portfolio sets
func (p *DataProvider) SetPortfolioSets(class contracts.AssetClassID, sets ...contracts.PortfolioSetID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.classSets[class] = append([]contracts.PortfolioSetID(nil), sets...)
}

// AddView adds a Black-Litterman view
func (p *DataProvider) AddView(v contracts.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.views[v.PortfolioSetID] = append(p.views[v.PortfolioSetID], v)
}

// SetCycles sets the investment-clock history and forecasts
func (p *DataProvider) SetCycles(obs []contracts.CycleObservation, forecasts []contracts.CycleForecast) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cycles = append([]contracts.CycleObservation(nil), obs...)
	sort.Slice(p.cycles, func(i, j int) bool { return p.cycles[i].Date.Before(p.cycles[j].Date) })
	p.forecasts = append([]contracts.CycleForecast(nil), forecasts...)
	sort.Slice(p.forecasts, func(i, j int) bool { return p.forecasts[i].Date.Before(p.forecasts[j].Date) })
}

// SetDate moves the clock
func (p *DataProvider) SetDate(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = t
}

func (p *DataProvider) hasFeature(id contracts.FeatureValueID) bool {
	for _, f := range p.features {
		if f.ID == id {
			return true
		}
	}
	return false
}

func sortedPoints(pts []contracts.PricePoint) []contracts.PricePoint {
	out := append([]contracts.PricePoint(nil), pts...)
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func upTo(pts []contracts.PricePoint, to time.Time) []contracts.PricePoint {
	out := make([]contracts.PricePoint, 0, len(pts))
	for _, pt := range pts {
		if !pt.Date.After(to) {
			out = append(out, pt)
		}
	}
	return out
}

// =============================================================================
// contracts.DataProvider
// =============================================================================

func (p *DataProvider) GetTickers(ctx context.Context) ([]contracts.Instrument, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]contracts.Instrument(nil), p.tickers...), nil
}

func (p *DataProvider) GetTicker(ctx context.Context, id contracts.InstrumentID) (*contracts.Instrument, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.tickers {
		if t.ID == id {
			inst := t
			return &inst, nil
		}
	}
	return nil, fmt.Errorf("ticker %s: %w", id, contracts.ErrNotFound)
}

func (p *DataProvider) GetFundPriceLatest(ctx context.Context, id contracts.InstrumentID) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pts := upTo(p.prices[id], p.now)
	if len(pts) == 0 {
		return 0, fmt.Errorf("price of %s: %w", id, contracts.ErrNotFound)
	}
	return pts[len(pts)-1].Price, nil
}

func (p *DataProvider) GetFeatures(ctx context.Context) ([]contracts.Feature, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]contracts.Feature(nil), p.features...), nil
}

func (p *DataProvider) GetAssetFeatureValueIDs(ctx context.Context, id contracts.InstrumentID) ([]contracts.FeatureValueID, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]contracts.FeatureValueID(nil), p.assetFeat[id]...), nil
}

func (p *DataProvider) GetAssetClassToPortfolioSets(ctx context.Context) (map[contracts.AssetClassID][]contracts.PortfolioSetID, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[contracts.AssetClassID][]contracts.PortfolioSetID, len(p.classSets))
	for k, v := range p.classSets {
		out[k] = append([]contracts.PortfolioSetID(nil), v...)
	}
	return out, nil
}

func (p *DataProvider) GetPortfolioSetIDs(ctx context.Context) ([]contracts.PortfolioSetID, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := make(map[contracts.PortfolioSetID]bool)
	var out []contracts.PortfolioSetID
	for _, sets := range p.classSets {
		for _, s := range sets {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (p *DataProvider) GetMarketWeight(ctx context.Context, id contracts.InstrumentID) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.marketCaps[id], nil
}

func (p *DataProvider) GetMarkowitzScale(ctx context.Context) (*contracts.MarkowitzScale, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.scale == nil {
		return nil, fmt.Errorf("markowitz scale: %w", contracts.ErrNotFound)
	}
	s := *p.scale
	return &s, nil
}

func (p *DataProvider) SetMarkowitzScale(ctx context.Context, scale contracts.MarkowitzScale) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scale = &scale
	return nil
}

func (p *DataProvider) GetPriceHistory(ctx context.Context, id contracts.InstrumentID, to time.Time) ([]contracts.PricePoint, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return upTo(p.prices[id], to), nil
}

func (p *DataProvider) GetBenchmarkHistory(ctx context.Context, id contracts.InstrumentID, to time.Time) ([]contracts.PricePoint, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return upTo(p.benchmarks[id], to), nil
}

func (p *DataProvider) GetViews(ctx context.Context, set contracts.PortfolioSetID) ([]contracts.View, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]contracts.View(nil), p.views[set]...), nil
}

func (p *DataProvider) GetCycleObservations(ctx context.Context, to time.Time) ([]contracts.CycleObservation, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]contracts.CycleObservation, 0, len(p.cycles))
	for _, o := range p.cycles {
		if !o.Date.After(to) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (p *DataProvider) GetCycleProbabilities(ctx context.Context, to time.Time) ([]contracts.CycleForecast, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]contracts.CycleForecast, 0, len(p.forecasts))
	for _, f := range p.forecasts {
		if !f.Date.After(to) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (p *DataProvider) GetCurrentDate() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.now
}

// =============================================================================
// Backtest clock
// =============================================================================

// Backtest replays a DataProvider one step at a time between start and end
type Backtest struct {
	*DataProvider
	start time.Time
	end   time.Time
	step  time.Duration
}

var _ contracts.BacktestDataProvider = (*Backtest)(nil)

// NewBacktest sets the clock of dp to start
func NewBacktest(dp *DataProvider, start, end time.Time, step time.Duration) *Backtest {
	if step <= 0 {
		step = 24 * time.Hour
	}
	dp.SetDate(start)
	return &Backtest{DataProvider: dp, start: start, end: end, step: step}
}

func (b *Backtest) GetStartDate() time.Time { return b.start }

// MoveDateForward advances one step; false when the next step passes end
func (b *Backtest) MoveDateForward() bool {
	next := b.GetCurrentDate().Add(b.step)
	if next.After(b.end) {
		return false
	}
	b.SetDate(next)
	return true
}
