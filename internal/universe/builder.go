package universe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/prediction"
	"github.com/wonny/allocator/pkg/metrics"
)

// Config holds universe build criteria
type Config struct {
	MinSamples    int                 `yaml:"min_samples"`    // 최소 수익률 관측 수 (끊김 없는 구간)
	Frequency     contracts.Frequency `yaml:"frequency"`      // MONTHLY | DAILY
	TrackingError bool                `yaml:"tracking_error"` // 벤치마크 대비 추적오차 모드
	MaxDailyGap   time.Duration       `yaml:"-"`              // 일별 시계열 허용 공백
}

// DefaultConfig returns the default criteria
func DefaultConfig() Config {
	return Config{
		MinSamples:  24,
		Frequency:   contracts.Monthly,
		MaxDailyGap: 5 * 24 * time.Hour,
	}
}

// Builder constructs the investable universe
type Builder struct {
	cfg       Config
	predictor prediction.Predictor
	metrics   metrics.Recorder
	log       zerolog.Logger
}

// NewBuilder creates a new universe builder
func NewBuilder(cfg Config, predictor prediction.Predictor, rec metrics.Recorder, log zerolog.Logger) *Builder {
	if cfg.Frequency == "" {
		cfg.Frequency = contracts.Monthly
	}
	if cfg.MaxDailyGap <= 0 {
		cfg.MaxDailyGap = DefaultConfig().MaxDailyGap
	}
	if cfg.MinSamples < 2 {
		// 공분산 추정에 최소 2개 관측 필요
		cfg.MinSamples = 2
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Builder{
		cfg:       cfg,
		predictor: predictor,
		metrics:   rec,
		log:       log.With().Str("component", "universe").Logger(),
	}
}

// candidate is an instrument that passed the per-instrument checks
type candidate struct {
	inst     contracts.Instrument
	price    float64
	series   *series
	bench    *series
	features []contracts.FeatureValueID
}

func (c *candidate) length() int {
	if c.bench != nil && c.bench.len() < c.series.len() {
		return c.bench.len()
	}
	return c.series.len()
}

// Build constructs the universe snapshot for dp's current date
// ⭐ SSOT: 유니버스 스냅샷은 여기서만 생성
func (b *Builder) Build(ctx context.Context, dp contracts.DataProvider) (*contracts.Universe, error) {
	start := time.Now()
	asOf := dp.GetCurrentDate()

	tickers, err := dp.GetTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("get tickers: %w", err)
	}
	classSets, err := dp.GetAssetClassToPortfolioSets(ctx)
	if err != nil {
		return nil, fmt.Errorf("get portfolio sets: %w", err)
	}

	excluded := make(map[contracts.InstrumentID]string)
	cands := make([]*candidate, 0, len(tickers))
	for _, inst := range tickers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !inst.IsActive() {
			excluded[inst.ID] = fmt.Sprintf("state %s", inst.State)
			continue
		}

		c, reason, err := b.load(ctx, dp, inst, asOf)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			excluded[inst.ID] = reason
			b.log.Warn().Str("instrument", string(inst.ID)).Str("reason", reason).Msg("instrument excluded")
			continue
		}
		cands = append(cands, c)
	}

	keys, cands := b.align(cands, excluded)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: %d tickers, %d excluded", contracts.ErrNoValidInstruments, len(tickers), len(excluded))
	}

	h := b.history(asOf, keys, cands)
	pred, err := b.predictor.Predict(ctx, dp, h)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}

	data, err := b.assemble(ctx, dp, asOf, cands, classSets, pred)
	if err != nil {
		return nil, err
	}
	data.SampleCount = len(keys)
	data.Excluded = excluded

	u, err := contracts.NewUniverse(data)
	if err != nil {
		return nil, fmt.Errorf("new universe: %w", err)
	}

	b.metrics.UniverseBuilt(u.Len())
	b.log.Info().
		Time("as_of", asOf).
		Int("instruments", u.Len()).
		Int("excluded", len(excluded)).
		Int("samples", data.SampleCount).
		Dur("elapsed", time.Since(start)).
		Msg("universe built")
	return u, nil
}

// load runs the per-instrument checks. A non-empty reason excludes the instrument.
func (b *Builder) load(ctx context.Context, dp contracts.DataProvider, inst contracts.Instrument, asOf time.Time) (*candidate, string, error) {
	// 1. 최신 가격
	price, err := dp.GetFundPriceLatest(ctx, inst.ID)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, "no price", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("latest price %s: %w", inst.ID, err)
	}
	if price <= 0 || math.IsNaN(price) {
		return nil, fmt.Sprintf("non-positive price %.4f", price), nil
	}

	// 2. 끊김 없는 가격 이력
	hist, err := dp.GetPriceHistory(ctx, inst.ID, asOf)
	if err != nil {
		return nil, "", fmt.Errorf("price history %s: %w", inst.ID, err)
	}
	run := trailingRun(hist, b.cfg.Frequency, b.cfg.MaxDailyGap)
	if run.returns() < b.cfg.MinSamples {
		return nil, fmt.Sprintf("insufficient history: %d returns, need %d", run.returns(), b.cfg.MinSamples), nil
	}
	c := &candidate{inst: inst, price: price, series: run}

	// 3. 추적오차 모드: 벤치마크 이력도 통과해야 함
	if b.cfg.TrackingError {
		bh, err := dp.GetBenchmarkHistory(ctx, inst.ID, asOf)
		if err != nil && !errors.Is(err, contracts.ErrNotFound) {
			return nil, "", fmt.Errorf("benchmark history %s: %w", inst.ID, err)
		}
		brun := trailingRun(bh, b.cfg.Frequency, b.cfg.MaxDailyGap)
		if brun.returns() < b.cfg.MinSamples {
			return nil, fmt.Sprintf("insufficient benchmark history: %d returns, need %d", brun.returns(), b.cfg.MinSamples), nil
		}
		c.bench = brun
	}

	// 4. 피처
	c.features, err = dp.GetAssetFeatureValueIDs(ctx, inst.ID)
	if err != nil {
		return nil, "", fmt.Errorf("features %s: %w", inst.ID, err)
	}
	return c, "", nil
}

// align finds the common window of all candidates, dropping the shortest
// history until the window holds MinSamples returns.
func (b *Builder) align(cands []*candidate, excluded map[contracts.InstrumentID]string) ([]int64, []*candidate) {
	for len(cands) > 0 {
		keys := commonKeys(cands)
		if len(keys)-1 >= b.cfg.MinSamples {
			return keys, cands
		}

		drop := 0
		for i, c := range cands {
			if c.length() < cands[drop].length() {
				drop = i
			}
		}
		id := cands[drop].inst.ID
		excluded[id] = fmt.Sprintf("common window too short: %d returns", len(keys)-1)
		b.log.Warn().
			Str("instrument", string(id)).
			Int("history", cands[drop].length()).
			Int("window", len(keys)).
			Msg("dropping shortest history to widen the common window")
		cands = append(cands[:drop:drop], cands[drop+1:]...)
	}
	return nil, nil
}

func commonKeys(cands []*candidate) []int64 {
	keys := cands[0].series.keys
	for _, c := range cands {
		keys = c.series.intersect(keys)
		if c.bench != nil {
			keys = c.bench.intersect(keys)
		}
	}
	return keys
}

// history converts aligned prices into periodic returns
func (b *Builder) history(asOf time.Time, keys []int64, cands []*candidate) *prediction.History {
	t, n := len(keys)-1, len(cands)
	h := &prediction.History{
		AsOf:      asOf,
		IDs:       make([]contracts.InstrumentID, n),
		Dates:     make([]time.Time, t),
		Returns:   mat.NewDense(t, n, nil),
		Frequency: b.cfg.Frequency,
	}
	if b.cfg.TrackingError {
		h.Benchmark = mat.NewDense(t, n, nil)
	}
	for i := 0; i < t; i++ {
		h.Dates[i] = cands[0].series.dates[keys[i+1]]
	}
	for j, c := range cands {
		h.IDs[j] = c.inst.ID
		for i := 0; i < t; i++ {
			h.Returns.Set(i, j, c.series.ret(keys[i], keys[i+1]))
			if h.Benchmark != nil {
				h.Benchmark.Set(i, j, c.bench.ret(keys[i], keys[i+1]))
			}
		}
	}
	return h
}

// assemble builds the instrument table, market weights and masks
func (b *Builder) assemble(ctx context.Context, dp contracts.DataProvider, asOf time.Time, cands []*candidate,
	classSets map[contracts.AssetClassID][]contracts.PortfolioSetID, pred *prediction.Prediction) (contracts.UniverseData, error) {

	n := len(cands)
	data := contracts.UniverseData{
		AsOf:        asOf,
		Rows:        make([]contracts.InstrumentRow, n),
		Covariance:  make([]float64, n*n),
		FeatureSets: make(map[contracts.FeatureValueID][]int),
		Portfolios:  make(map[contracts.PortfolioSetID][]int),
	}

	// 마스크 키는 미보유 피처/세트까지 모두 포함
	features, err := dp.GetFeatures(ctx)
	if err != nil {
		return data, fmt.Errorf("get features: %w", err)
	}
	for _, f := range features {
		data.FeatureSets[f.ID] = []int{}
	}
	setIDs, err := dp.GetPortfolioSetIDs(ctx)
	if err != nil {
		return data, fmt.Errorf("get portfolio set ids: %w", err)
	}
	for _, s := range setIDs {
		data.Portfolios[s] = []int{}
	}

	caps := make([]float64, n)
	var total float64
	for i, c := range cands {
		mc, err := dp.GetMarketWeight(ctx, c.inst.ID)
		if err != nil && !errors.Is(err, contracts.ErrNotFound) {
			return data, fmt.Errorf("market weight %s: %w", c.inst.ID, err)
		}
		if mc > 0 {
			caps[i] = mc
			total += mc
		}
	}

	for i, c := range cands {
		sets := classSets[c.inst.AssetClassID]
		row := contracts.InstrumentRow{
			ID:             c.inst.ID,
			Symbol:         c.inst.Symbol,
			AssetClassID:   c.inst.AssetClassID,
			Price:          c.price,
			ExpectedReturn: pred.ExpectedReturns[i],
			Features:       append([]contracts.FeatureValueID(nil), c.features...),
			PortfolioSets:  append([]contracts.PortfolioSetID(nil), sets...),
		}
		if total > 0 {
			row.MarketWeight = caps[i] / total
		}
		data.Rows[i] = row

		for _, f := range c.features {
			data.FeatureSets[f] = append(data.FeatureSets[f], i)
		}
		for _, s := range sets {
			data.Portfolios[s] = append(data.Portfolios[s], i)
		}
		for j := 0; j < n; j++ {
			data.Covariance[i*n+j] = pred.Covariance.At(i, j)
		}
	}
	return data, nil
}

// =============================================================================
// Price series
// =============================================================================

// series is a gap-free run of prices keyed by period
type series struct {
	keys   []int64 // ascending
	prices map[int64]float64
	dates  map[int64]time.Time
}

func (s *series) len() int { return len(s.keys) }

func (s *series) returns() int {
	if len(s.keys) == 0 {
		return 0
	}
	return len(s.keys) - 1
}

func (s *series) ret(from, to int64) float64 {
	return s.prices[to]/s.prices[from] - 1
}

// intersect keeps the keys of ks present in s
func (s *series) intersect(ks []int64) []int64 {
	out := make([]int64, 0, len(ks))
	for _, k := range ks {
		if _, ok := s.prices[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// periodKey maps a date to its period: months since year 0 or days since epoch
func periodKey(t time.Time, freq contracts.Frequency) int64 {
	t = t.UTC()
	if freq == contracts.Daily {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix() / 86400
	}
	return int64(t.Year())*12 + int64(t.Month()) - 1
}

// trailingRun returns the most recent run of prices with no gap wider than
// one month (monthly) or maxGap (daily). The last price of a period wins.
func trailingRun(points []contracts.PricePoint, freq contracts.Frequency, maxGap time.Duration) *series {
	sorted := append([]contracts.PricePoint(nil), points...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	limit := int64(1)
	if freq == contracts.Daily {
		limit = int64(maxGap / (24 * time.Hour))
	}

	type obs struct {
		key   int64
		price float64
		date  time.Time
	}
	var dedup []obs
	for _, p := range sorted {
		k := periodKey(p.Date, freq)
		if n := len(dedup); n > 0 && dedup[n-1].key == k {
			dedup[n-1] = obs{k, p.Price, p.Date}
			continue
		}
		dedup = append(dedup, obs{k, p.Price, p.Date})
	}

	// 최근부터 거슬러 올라가며 공백/비정상 가격에서 중단
	start := len(dedup)
	for i := len(dedup) - 1; i >= 0; i-- {
		if dedup[i].price <= 0 || math.IsNaN(dedup[i].price) {
			break
		}
		if i < len(dedup)-1 && dedup[i+1].key-dedup[i].key > limit {
			break
		}
		start = i
	}

	s := &series{prices: make(map[int64]float64), dates: make(map[int64]time.Time)}
	for _, o := range dedup[start:] {
		s.keys = append(s.keys, o.key)
		s.prices[o.key] = o.price
		s.dates[o.key] = o.date
	}
	return s
}
