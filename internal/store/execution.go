package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/wonny/allocator/internal/contracts"
)

// ExecutionStore implements contracts.ExecutionProvider on the goals schema
// ⭐ SSOT: 주문/lot 저장은 여기서만
type ExecutionStore struct {
	pool    *pgxpool.Pool
	holding time.Duration
}

var _ contracts.ExecutionProvider = (*ExecutionStore)(nil)

// NewExecutionStore creates an execution store. holding is the minimum age
// of a long-term lot (one year when zero).
func NewExecutionStore(pool *pgxpool.Pool, holding time.Duration) *ExecutionStore {
	if holding <= 0 {
		holding = 365 * 24 * time.Hour
	}
	return &ExecutionStore{pool: pool, holding: holding}
}

// =============================================================================
// Goals
// =============================================================================

func (s *ExecutionStore) GetGoal(ctx context.Context, goalID string) (*contracts.Goal, error) {
	var (
		g                contracts.Goal
		active, approved []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, account_id, cash::float8, active_settings, approved_settings
		FROM goals.goals
		WHERE id = $1
	`, goalID).Scan(&g.ID, &g.AccountID, &g.Cash, &active, &approved)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("goal %s: %w", goalID, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query goal %s: %w", goalID, err)
	}

	if g.ActiveSettings, err = decodeSettings(active); err != nil {
		return nil, fmt.Errorf("goal %s active settings: %w", goalID, err)
	}
	if g.ApprovedSettings, err = decodeSettings(approved); err != nil {
		return nil, fmt.Errorf("goal %s approved settings: %w", goalID, err)
	}
	return &g, nil
}

// SaveGoal upserts a goal with its settings
func (s *ExecutionStore) SaveGoal(ctx context.Context, g *contracts.Goal) error {
	active, err := encodeSettings(g.ActiveSettings)
	if err != nil {
		return err
	}
	approved, err := encodeSettings(g.ApprovedSettings)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO goals.goals (id, account_id, cash, active_settings, approved_settings)
		VALUES ($1, $2, $3::numeric, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			cash = EXCLUDED.cash,
			active_settings = EXCLUDED.active_settings,
			approved_settings = EXCLUDED.approved_settings
	`, g.ID, g.AccountID, decimal.NewFromFloat(g.Cash).String(), active, approved)
	if err != nil {
		return fmt.Errorf("failed to save goal %s: %w", g.ID, err)
	}
	return nil
}

func decodeSettings(raw []byte) (*contracts.Settings, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s contracts.Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: invalid settings json: %v", contracts.ErrConfiguration, err)
	}
	return &s, nil
}

func encodeSettings(s *contracts.Settings) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings %s: %w", s.ID, err)
	}
	return raw, nil
}

// =============================================================================
// Lots
// =============================================================================

func (s *ExecutionStore) GetLots(ctx context.Context, goalID string) ([]contracts.Lot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, goal_id, instrument_id, quantity, price, acquired_at
		FROM goals.lots
		WHERE goal_id = $1 AND quantity > 0
		ORDER BY acquired_at, id
	`, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var out []contracts.Lot
	for rows.Next() {
		var (
			l          contracts.Lot
			instrument string
		)
		if err := rows.Scan(&l.ID, &l.GoalID, &instrument, &l.Quantity, &l.Price, &l.AcquiredAt); err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		l.InstrumentID = contracts.InstrumentID(instrument)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// SaveLots inserts lots in one batch, assigning ids when empty
func (s *ExecutionStore) SaveLots(ctx context.Context, lots []contracts.Lot) error {
	batch := &pgx.Batch{}
	for i := range lots {
		if lots[i].ID == "" {
			lots[i].ID = uuid.NewString()
		}
		l := lots[i]
		batch.Queue(`
			INSERT INTO goals.lots (id, goal_id, instrument_id, quantity, price, acquired_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, l.ID, l.GoalID, string(l.InstrumentID), l.Quantity, l.Price, l.AcquiredAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save lots: %w", err)
	}
	return nil
}

// GetAssetWeightsHeldLessThan1y sums lots younger than the holding period
func (s *ExecutionStore) GetAssetWeightsHeldLessThan1y(ctx context.Context, goalID string, prices map[contracts.InstrumentID]float64, goalValue float64, asOf time.Time) (map[contracts.InstrumentID]float64, error) {
	out := make(map[contracts.InstrumentID]float64)
	if goalValue <= 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT instrument_id, SUM(quantity)::bigint
		FROM goals.lots
		WHERE goal_id = $1 AND acquired_at > $2 AND quantity > 0
		GROUP BY instrument_id
	`, goalID, asOf.Add(-s.holding))
	if err != nil {
		return nil, fmt.Errorf("failed to query short-term lots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			instrument string
			units      int64
		)
		if err := rows.Scan(&instrument, &units); err != nil {
			return nil, fmt.Errorf("failed to scan short-term units: %w", err)
		}
		id := contracts.InstrumentID(instrument)
		out[id] = float64(units) * prices[id] / goalValue
	}
	return out, rows.Err()
}

// =============================================================================
// Orders
// =============================================================================

func (s *ExecutionStore) CreateMarketOrder(ctx context.Context, order *contracts.MarketOrder) error {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO goals.market_orders (id, goal_id, reason, created_at)
		VALUES ($1, $2, $3, $4)
	`, order.ID, order.GoalID, string(order.Reason), order.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert market order: %w", err)
	}
	return nil
}

func (s *ExecutionStore) CreateExecutionRequest(ctx context.Context, req *contracts.ExecutionRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = contracts.StatusPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO goals.execution_requests (
			id, market_order_id, instrument_id, side, units, limit_price, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8)
	`,
		req.ID, req.MarketOrderID, string(req.InstrumentID), string(req.Side),
		req.Units, req.LimitPrice.String(), string(req.Status), req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution request: %w", err)
	}
	return nil
}

func (s *ExecutionStore) GetExecutionRequest(ctx context.Context, id string) (*contracts.ExecutionRequest, error) {
	var (
		req                      contracts.ExecutionRequest
		instrument, side, status string
		limit                    string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, market_order_id, instrument_id, side, units, limit_price::text, status, created_at
		FROM goals.execution_requests
		WHERE id = $1
	`, id).Scan(&req.ID, &req.MarketOrderID, &instrument, &side, &req.Units, &limit, &status, &req.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution request %s: %w", id, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query execution request %s: %w", id, err)
	}

	req.InstrumentID = contracts.InstrumentID(instrument)
	req.Side = contracts.OrderSide(side)
	req.Status = contracts.Status(status)
	if req.LimitPrice, err = decimal.NewFromString(limit); err != nil {
		return nil, fmt.Errorf("execution request %s: invalid limit price %q: %w", id, limit, err)
	}
	return &req, nil
}
