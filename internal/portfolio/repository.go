package portfolio

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/allocator/internal/contracts"
)

// Repository handles calculated portfolio persistence
// ⭐ SSOT: 계산 결과 저장/조회는 여기서만
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new portfolio repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SaveResult stores one calculated portfolio and returns its id
func (r *Repository) SaveResult(ctx context.Context, settingsID string, result *contracts.PortfolioResult) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	id, err := insertResult(ctx, tx, settingsID, "", result)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return id, nil
}

// SaveSweep stores the feasible points of a sweep under one sweep id
func (r *Repository) SaveSweep(ctx context.Context, settingsID string, points []SweepPoint) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	sweepID := uuid.NewString()
	for _, p := range points {
		if !p.Feasible() {
			continue
		}
		if _, err := insertResult(ctx, tx, settingsID, sweepID, p.Result); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return sweepID, nil
}

func insertResult(ctx context.Context, tx pgx.Tx, settingsID, sweepID string, result *contracts.PortfolioResult) (string, error) {
	id := uuid.NewString()

	var sweep interface{}
	if sweepID != "" {
		sweep = sweepID
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO portfolio.results (
			id, settings_id, sweep_id, risk_score, lambda,
			expected_return, std_dev, var_95, calculated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		id, settingsID, sweep, result.RiskScore, result.Lambda,
		result.ExpectedReturn, result.StdDev, result.VaR95, result.CalculatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert result: %w", err)
	}

	// 배치로 비중 저장
	batch := &pgx.Batch{}
	for _, instrument := range result.SortedIDs() {
		batch.Queue(
			"INSERT INTO portfolio.result_weights (result_id, instrument_id, weight) VALUES ($1, $2, $3)",
			id, string(instrument), result.Weights[instrument],
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return "", fmt.Errorf("failed to insert weights: %w", err)
	}
	return id, nil
}

// GetLatestResult retrieves the most recent stand-alone result of a settings object
func (r *Repository) GetLatestResult(ctx context.Context, settingsID string) (*contracts.PortfolioResult, error) {
	var (
		id     string
		result contracts.PortfolioResult
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, risk_score, lambda, expected_return, std_dev, var_95, calculated_at
		FROM portfolio.results
		WHERE settings_id = $1 AND sweep_id IS NULL
		ORDER BY calculated_at DESC
		LIMIT 1
	`, settingsID).Scan(
		&id, &result.RiskScore, &result.Lambda,
		&result.ExpectedReturn, &result.StdDev, &result.VaR95, &result.CalculatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("result of settings %s: %w", settingsID, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query result: %w", err)
	}

	result.Weights, err = r.weights(ctx, id)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *Repository) weights(ctx context.Context, resultID string) (map[contracts.InstrumentID]float64, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT instrument_id, weight FROM portfolio.result_weights WHERE result_id = $1",
		resultID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query weights: %w", err)
	}
	defer rows.Close()

	out := make(map[contracts.InstrumentID]float64)
	for rows.Next() {
		var (
			instrument string
			weight     float64
		)
		if err := rows.Scan(&instrument, &weight); err != nil {
			return nil, fmt.Errorf("failed to scan weight: %w", err)
		}
		out[contracts.InstrumentID(instrument)] = weight
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}
