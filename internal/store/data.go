package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/allocator/internal/contracts"
)

// DataStore implements contracts.DataProvider on the market schema
// ⭐ SSOT: 운영 환경의 시장 데이터 조회는 여기서만
type DataStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ contracts.DataProvider = (*DataStore)(nil)

// NewDataStore creates a data store. now defaults to today in UTC.
func NewDataStore(pool *pgxpool.Pool, now func() time.Time) *DataStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC().Truncate(24 * time.Hour) }
	}
	return &DataStore{pool: pool, now: now}
}

func (s *DataStore) GetCurrentDate() time.Time {
	return s.now()
}

// =============================================================================
// Instruments
// =============================================================================

const instrumentColumns = `id, symbol, asset_class_id, COALESCE(benchmark_id, ''), COALESCE(region, ''), state`

func scanInstrument(row pgx.Row) (contracts.Instrument, error) {
	var (
		inst                         contracts.Instrument
		id, class, benchmark, region string
		state                        string
	)
	err := row.Scan(&id, &inst.Symbol, &class, &benchmark, &region, &state)
	inst.ID = contracts.InstrumentID(id)
	inst.AssetClassID = contracts.AssetClassID(class)
	inst.BenchmarkID = contracts.InstrumentID(benchmark)
	inst.Region = region
	inst.State = contracts.InstrumentState(state)
	return inst, err
}

// GetTickers returns every instrument ordered by id
func (s *DataStore) GetTickers(ctx context.Context) ([]contracts.Instrument, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+instrumentColumns+` FROM market.instruments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instruments: %w", err)
	}
	defer rows.Close()

	var out []contracts.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (s *DataStore) GetTicker(ctx context.Context, id contracts.InstrumentID) (*contracts.Instrument, error) {
	inst, err := scanInstrument(s.pool.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM market.instruments WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ticker %s: %w", id, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query instrument %s: %w", id, err)
	}
	return &inst, nil
}

func (s *DataStore) GetMarketWeight(ctx context.Context, id contracts.InstrumentID) (float64, error) {
	var mcap float64
	err := s.pool.QueryRow(ctx, `SELECT market_cap FROM market.instruments WHERE id = $1`, string(id)).Scan(&mcap)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query market cap of %s: %w", id, err)
	}
	return mcap, nil
}

// =============================================================================
// Features / portfolio sets
// =============================================================================

func (s *DataStore) GetFeatures(ctx context.Context) ([]contracts.Feature, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM market.features ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query features: %w", err)
	}
	defer rows.Close()

	var out []contracts.Feature
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		out = append(out, contracts.Feature{ID: contracts.FeatureValueID(id), Name: name})
	}
	return out, rows.Err()
}

func (s *DataStore) GetAssetFeatureValueIDs(ctx context.Context, id contracts.InstrumentID) ([]contracts.FeatureValueID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT feature_id FROM market.instrument_features WHERE instrument_id = $1 ORDER BY feature_id`,
		string(id),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query features of %s: %w", id, err)
	}
	defer rows.Close()

	var out []contracts.FeatureValueID
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("failed to scan feature id: %w", err)
		}
		out = append(out, contracts.FeatureValueID(f))
	}
	return out, rows.Err()
}

func (s *DataStore) GetAssetClassToPortfolioSets(ctx context.Context) (map[contracts.AssetClassID][]contracts.PortfolioSetID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT asset_class_id, portfolio_set_id
		FROM market.asset_class_portfolio_sets
		ORDER BY asset_class_id, portfolio_set_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio sets: %w", err)
	}
	defer rows.Close()

	out := make(map[contracts.AssetClassID][]contracts.PortfolioSetID)
	for rows.Next() {
		var class, set string
		if err := rows.Scan(&class, &set); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio set: %w", err)
		}
		out[contracts.AssetClassID(class)] = append(out[contracts.AssetClassID(class)], contracts.PortfolioSetID(set))
	}
	return out, rows.Err()
}

func (s *DataStore) GetPortfolioSetIDs(ctx context.Context) ([]contracts.PortfolioSetID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT portfolio_set_id FROM market.asset_class_portfolio_sets ORDER BY portfolio_set_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio set ids: %w", err)
	}
	defer rows.Close()

	var out []contracts.PortfolioSetID
	for rows.Next() {
		var set string
		if err := rows.Scan(&set); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio set id: %w", err)
		}
		out = append(out, contracts.PortfolioSetID(set))
	}
	return out, rows.Err()
}

// =============================================================================
// Prices
// =============================================================================

func (s *DataStore) GetFundPriceLatest(ctx context.Context, id contracts.InstrumentID) (float64, error) {
	var price float64
	err := s.pool.QueryRow(ctx, `
		SELECT price FROM market.prices
		WHERE instrument_id = $1 AND price_date <= $2
		ORDER BY price_date DESC
		LIMIT 1
	`, string(id), s.now()).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("price of %s: %w", id, contracts.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query latest price of %s: %w", id, err)
	}
	return price, nil
}

func (s *DataStore) GetPriceHistory(ctx context.Context, id contracts.InstrumentID, to time.Time) ([]contracts.PricePoint, error) {
	return s.pricePoints(ctx, `
		SELECT price_date, price FROM market.prices
		WHERE instrument_id = $1 AND price_date <= $2
		ORDER BY price_date ASC
	`, string(id), to)
}

// GetBenchmarkHistory returns the prices of the instrument's benchmark
func (s *DataStore) GetBenchmarkHistory(ctx context.Context, id contracts.InstrumentID, to time.Time) ([]contracts.PricePoint, error) {
	return s.pricePoints(ctx, `
		SELECT p.price_date, p.price
		FROM market.prices p
		JOIN market.instruments i ON p.instrument_id = i.benchmark_id
		WHERE i.id = $1 AND p.price_date <= $2
		ORDER BY p.price_date ASC
	`, string(id), to)
}

func (s *DataStore) pricePoints(ctx context.Context, query string, args ...interface{}) ([]contracts.PricePoint, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	var out []contracts.PricePoint
	for rows.Next() {
		var p contracts.PricePoint
		if err := rows.Scan(&p.Date, &p.Price); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePrices upserts a price series in one batch
func (s *DataStore) SavePrices(ctx context.Context, id contracts.InstrumentID, prices []contracts.PricePoint) error {
	if len(prices) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range prices {
		batch.Queue(`
			INSERT INTO market.prices (instrument_id, price_date, price)
			VALUES ($1, $2, $3)
			ON CONFLICT (instrument_id, price_date) DO UPDATE SET price = EXCLUDED.price
		`, string(id), p.Date, p.Price)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save prices of %s: %w", id, err)
	}
	return nil
}

// =============================================================================
// Markowitz scale
// =============================================================================

// GetMarkowitzScale returns the latest scale calibrated on or before today
func (s *DataStore) GetMarkowitzScale(ctx context.Context) (*contracts.MarkowitzScale, error) {
	var sc contracts.MarkowitzScale
	err := s.pool.QueryRow(ctx, `
		SELECT scale_date, min_lambda, max_lambda, a, b, c
		FROM market.markowitz_scales
		WHERE scale_date <= $1
		ORDER BY scale_date DESC, created_at DESC
		LIMIT 1
	`, s.now().Add(24*time.Hour-time.Nanosecond)).Scan(&sc.Date, &sc.Min, &sc.Max, &sc.A, &sc.B, &sc.C)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("markowitz scale: %w", contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query markowitz scale: %w", err)
	}
	return &sc, nil
}

// SetMarkowitzScale appends a new scale version
func (s *DataStore) SetMarkowitzScale(ctx context.Context, sc contracts.MarkowitzScale) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO market.markowitz_scales (scale_date, min_lambda, max_lambda, a, b, c)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sc.Date, sc.Min, sc.Max, sc.A, sc.B, sc.C)
	if err != nil {
		return fmt.Errorf("failed to save markowitz scale: %w", err)
	}
	return nil
}

// =============================================================================
// Views / cycles
// =============================================================================

func (s *DataStore) GetViews(ctx context.Context, set contracts.PortfolioSetID) ([]contracts.View, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, q, assets FROM market.views WHERE portfolio_set_id = $1 ORDER BY id`,
		string(set),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query views: %w", err)
	}
	defer rows.Close()

	var out []contracts.View
	for rows.Next() {
		var (
			v      contracts.View
			assets []byte
		)
		if err := rows.Scan(&v.ID, &v.Q, &assets); err != nil {
			return nil, fmt.Errorf("failed to scan view: %w", err)
		}
		if err := json.Unmarshal(assets, &v.Assets); err != nil {
			return nil, fmt.Errorf("view %s: invalid assets: %w", v.ID, err)
		}
		v.PortfolioSetID = set
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *DataStore) GetCycleObservations(ctx context.Context, to time.Time) ([]contracts.CycleObservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT obs_date, regime FROM market.cycle_observations WHERE obs_date <= $1 ORDER BY obs_date`, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle observations: %w", err)
	}
	defer rows.Close()

	var out []contracts.CycleObservation
	for rows.Next() {
		var (
			o      contracts.CycleObservation
			regime string
		)
		if err := rows.Scan(&o.Date, &regime); err != nil {
			return nil, fmt.Errorf("failed to scan cycle observation: %w", err)
		}
		o.Regime = contracts.Regime(regime)
		out = append(out, o)
	}
	return out, rows.Err()
}

// forecastRow is one (date, regime, probability) row of market.cycle_forecasts
type forecastRow struct {
	date        time.Time
	regime      contracts.Regime
	probability float64
}

// groupForecasts folds date-ordered rows into one forecast per date
func groupForecasts(rows []forecastRow) []contracts.CycleForecast {
	var out []contracts.CycleForecast
	for _, r := range rows {
		if n := len(out); n == 0 || !out[n-1].Date.Equal(r.date) {
			out = append(out, contracts.CycleForecast{Date: r.date, Probabilities: make(map[contracts.Regime]float64)})
		}
		out[len(out)-1].Probabilities[r.regime] = r.probability
	}
	return out
}

func (s *DataStore) GetCycleProbabilities(ctx context.Context, to time.Time) ([]contracts.CycleForecast, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT forecast_date, regime, probability
		FROM market.cycle_forecasts
		WHERE forecast_date <= $1
		ORDER BY forecast_date, regime
	`, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle forecasts: %w", err)
	}
	defer rows.Close()

	var raw []forecastRow
	for rows.Next() {
		var (
			r      forecastRow
			regime string
		)
		if err := rows.Scan(&r.date, &regime, &r.probability); err != nil {
			return nil, fmt.Errorf("failed to scan cycle forecast: %w", err)
		}
		r.regime = contracts.Regime(regime)
		raw = append(raw, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return groupForecasts(raw), nil
}
