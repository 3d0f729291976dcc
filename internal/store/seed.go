package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wonny/allocator/internal/contracts"
)

// SaveInstrument upserts an instrument with its features and market cap
func (s *DataStore) SaveInstrument(ctx context.Context, inst contracts.Instrument, features []contracts.FeatureValueID, marketCap float64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO market.instruments (id, symbol, asset_class_id, benchmark_id, region, state, market_cap)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			asset_class_id = EXCLUDED.asset_class_id,
			benchmark_id = EXCLUDED.benchmark_id,
			region = EXCLUDED.region,
			state = EXCLUDED.state,
			market_cap = EXCLUDED.market_cap
	`, string(inst.ID), inst.Symbol, string(inst.AssetClassID), string(inst.BenchmarkID), inst.Region, string(inst.State), marketCap)
	if err != nil {
		return fmt.Errorf("failed to save instrument %s: %w", inst.ID, err)
	}

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM market.instrument_features WHERE instrument_id = $1`, string(inst.ID))
	for _, f := range features {
		batch.Queue(`INSERT INTO market.features (id, name) VALUES ($1, $1) ON CONFLICT (id) DO NOTHING`, string(f))
		batch.Queue(`INSERT INTO market.instrument_features (instrument_id, feature_id) VALUES ($1, $2)`, string(inst.ID), string(f))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save features of %s: %w", inst.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SavePortfolioSets maps an asset class to portfolio sets
func (s *DataStore) SavePortfolioSets(ctx context.Context, class contracts.AssetClassID, sets ...contracts.PortfolioSetID) error {
	batch := &pgx.Batch{}
	for _, set := range sets {
		batch.Queue(`
			INSERT INTO market.asset_class_portfolio_sets (asset_class_id, portfolio_set_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, string(class), string(set))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save portfolio sets of %s: %w", class, err)
	}
	return nil
}

// SaveView upserts a Black-Litterman view
func (s *DataStore) SaveView(ctx context.Context, v contracts.View) error {
	assets, err := json.Marshal(v.Assets)
	if err != nil {
		return fmt.Errorf("failed to encode view %s: %w", v.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO market.views (id, portfolio_set_id, q, assets)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			portfolio_set_id = EXCLUDED.portfolio_set_id,
			q = EXCLUDED.q,
			assets = EXCLUDED.assets
	`, v.ID, string(v.PortfolioSetID), v.Q, assets)
	if err != nil {
		return fmt.Errorf("failed to save view %s: %w", v.ID, err)
	}
	return nil
}
