package rebalance

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/wonny/allocator/internal/constraints"
	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/optimizer"
	"github.com/wonny/allocator/internal/portfolio"
	"github.com/wonny/allocator/pkg/logger"
	"github.com/wonny/allocator/pkg/metrics"
)

// Config holds rebalance parameters
type Config struct {
	ShortTermHolding time.Duration // 단기 보유 기준 (1년)
	CashEpsilon      float64       // 이 이하 현금은 0으로 간주
}

// DefaultConfig returns the default rebalance parameters
func DefaultConfig() Config {
	return Config{
		ShortTermHolding: 365 * 24 * time.Hour,
		CashEpsilon:      0.01,
	}
}

// Plan is the outcome of one rebalance
type Plan struct {
	GoalID   string
	Reason   contracts.RebalanceReason
	Value    float64 // 보유 평가액 + 현금
	Result   *contracts.PortfolioResult
	Weights  map[contracts.InstrumentID]float64 // 목표 비중
	Removed  []Removal                          // perturbation으로 하한에서 뺀 lot
	Requests []contracts.ExecutionRequest
	Order    *contracts.MarketOrder // 거래가 없으면 nil
}

// Policy decides how an existing goal moves towards its approved settings
// ⭐ SSOT: 리밸런스 사유 결정과 주문 생성은 여기서만
type Policy struct {
	cfg     Config
	calc    *portfolio.Calculator
	solver  *optimizer.Solver
	data    contracts.DataProvider
	exec    contracts.ExecutionProvider
	metrics metrics.Recorder
	logger  *logger.Logger
	now     func() time.Time
}

// NewPolicy creates a rebalance policy
func NewPolicy(
	cfg Config,
	calc *portfolio.Calculator,
	solver *optimizer.Solver,
	data contracts.DataProvider,
	exec contracts.ExecutionProvider,
	rec metrics.Recorder,
	log *logger.Logger,
) *Policy {
	def := DefaultConfig()
	if cfg.ShortTermHolding <= 0 {
		cfg.ShortTermHolding = def.ShortTermHolding
	}
	if cfg.CashEpsilon <= 0 {
		cfg.CashEpsilon = def.CashEpsilon
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Policy{
		cfg:     cfg,
		calc:    calc,
		solver:  solver,
		data:    data,
		exec:    exec,
		metrics: rec,
		logger:  log.WithField("component", "rebalance"),
		now:     data.GetCurrentDate,
	}
}

// Rebalance plans the goal and records one market order with an execution
// request per traded instrument
func (p *Policy) Rebalance(ctx context.Context, goal *contracts.Goal, u *contracts.Universe) (*Plan, error) {
	plan, err := p.Plan(ctx, goal, u)
	if err != nil {
		return nil, err
	}
	if len(plan.Requests) == 0 {
		p.logger.WithFields(map[string]interface{}{
			"goal":   goal.ID,
			"reason": plan.Reason,
		}).Info("No trades required")
		return plan, nil
	}

	now := p.now()
	order := &contracts.MarketOrder{
		GoalID:    goal.ID,
		Reason:    plan.Reason,
		CreatedAt: now,
	}
	if err := p.exec.CreateMarketOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create market order: %w", err)
	}
	for i := range plan.Requests {
		plan.Requests[i].MarketOrderID = order.ID
		plan.Requests[i].CreatedAt = now
		if err := p.exec.CreateExecutionRequest(ctx, &plan.Requests[i]); err != nil {
			return nil, fmt.Errorf("failed to create execution request for %s: %w", plan.Requests[i].InstrumentID, err)
		}
	}
	plan.Order = order
	p.metrics.Rebalance(string(plan.Reason))

	p.logger.WithFields(map[string]interface{}{
		"goal":     goal.ID,
		"order":    order.ID,
		"reason":   plan.Reason,
		"requests": len(plan.Requests),
		"removed":  len(plan.Removed),
	}).Info("Rebalance order created")
	return plan, nil
}

// holdings is the goal state a plan is computed from
type holdings struct {
	goal   *contracts.Goal
	lots   []contracts.Lot
	units  map[contracts.InstrumentID]int64
	prices map[contracts.InstrumentID]float64
	value  float64
	asOf   time.Time
}

// weight of units of id relative to the goal value
func (h *holdings) weight(id contracts.InstrumentID, units int64) float64 {
	return float64(units) * h.prices[id] / h.value
}

func (h *holdings) currentWeights() map[contracts.InstrumentID]float64 {
	out := make(map[contracts.InstrumentID]float64, len(h.units))
	for id, units := range h.units {
		if units > 0 {
			out[id] = h.weight(id, units)
		}
	}
	return out
}

// Plan computes the target weights and trades without recording anything
func (p *Policy) Plan(ctx context.Context, goal *contracts.Goal, u *contracts.Universe) (*Plan, error) {
	if goal.ApprovedSettings == nil {
		return nil, fmt.Errorf("%w: goal %s has no approved settings", contracts.ErrConfiguration, goal.ID)
	}

	h, err := p.load(ctx, goal, u)
	if err != nil {
		return nil, err
	}

	in, err := p.calc.Prepare(ctx, goal.ApprovedSettings, u, p.data)
	if err != nil {
		return nil, err
	}

	changed, err := p.settingsChanged(ctx, goal, u, in)
	if err != nil {
		return nil, err
	}
	if changed {
		// 설정 변경: 하한 없이 새로 최적화
		res, err := p.calc.Solve(ctx, in, h.value)
		if err != nil {
			return nil, err
		}
		return p.finish(h, contracts.ReasonMetricChange, res, nil)
	}

	current := h.currentWeights()
	short, err := p.exec.GetAssetWeightsHeldLessThan1y(ctx, goal.ID, h.prices, h.value, h.asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to get short-term weights: %w", err)
	}

	hasCash := math.Abs(goal.Cash) > p.cfg.CashEpsilon
	if !hasCash && !Drifted(goal.ApprovedSettings, u, current) {
		return &Plan{GoalID: goal.ID, Reason: contracts.ReasonDrift, Value: h.value, Weights: current}, nil
	}

	floors := make([]float64, in.N())
	for k, id := range in.IDs {
		floors[k] = math.Max(current[id], short[id])
	}

	res, err := p.calc.SolveFloored(ctx, in, floors, h.value)
	if err == nil {
		reason := contracts.ReasonDrift
		if goal.Cash > p.cfg.CashEpsilon {
			reason = contracts.ReasonDeposit
		}
		return p.finish(h, reason, res, nil)
	}
	if !contracts.IsInfeasible(err) {
		return nil, err
	}

	// 하한을 지킬 수 없음 → 세금 비용이 적은 lot부터 하한에서 제외
	reason := contracts.ReasonDrift
	if sum(floors) > 1+1e-9 {
		reason = contracts.ReasonWithdrawal
	}
	p.logger.WithFields(map[string]interface{}{
		"goal":   goal.ID,
		"floors": sum(floors),
		"reason": reason,
	}).Warn("Held weights infeasible, perturbing")

	reduced, removed, err := p.perturb(h, in)
	if err != nil {
		return nil, err
	}
	res, err = p.calc.SolveFloored(ctx, in, reduced, h.value)
	if err != nil {
		return nil, err
	}
	return p.finish(h, reason, res, removed)
}

// load reads lots and prices and values the goal
func (p *Policy) load(ctx context.Context, goal *contracts.Goal, u *contracts.Universe) (*holdings, error) {
	lots, err := p.exec.GetLots(ctx, goal.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get lots: %w", err)
	}

	h := &holdings{
		goal:   goal,
		lots:   lots,
		units:  contracts.UnitsByInstrument(lots),
		prices: make(map[contracts.InstrumentID]float64),
		asOf:   p.now(),
	}
	for _, row := range u.Rows() {
		h.prices[row.ID] = row.Price
	}
	// 유니버스 밖 보유 종목은 최신가로 평가
	for id, units := range h.units {
		if _, ok := h.prices[id]; ok || units <= 0 {
			continue
		}
		price, err := p.data.GetFundPriceLatest(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("price of held instrument %s: %w", id, err)
		}
		h.prices[id] = price
	}

	h.value = goal.Cash
	for id, units := range h.units {
		h.value += float64(units) * h.prices[id]
	}
	if !(h.value > 0) {
		return nil, contracts.NewUnsatisfiable("goal %s is worth %.2f after pending withdrawals", goal.ID, h.value)
	}
	return h, nil
}

// settingsChanged compares the constraint sets of the active and approved
// settings on the same snapshot
func (p *Policy) settingsChanged(ctx context.Context, goal *contracts.Goal, u *contracts.Universe, approved *constraints.OptimizationInputs) (bool, error) {
	if goal.ActiveSettings == nil {
		return true, nil
	}
	active, err := p.calc.Compile(ctx, goal.ActiveSettings, u, p.data)
	if err != nil {
		p.logger.WithError(err).WithField("goal", goal.ID).Warn("Active settings no longer compile, treating as changed")
		return true, nil
	}

	a, err := active.Fingerprint()
	if err != nil {
		return false, fmt.Errorf("fingerprint active settings: %w", err)
	}
	b, err := approved.Fingerprint()
	if err != nil {
		return false, fmt.Errorf("fingerprint approved settings: %w", err)
	}
	return a != b, nil
}

func (p *Policy) finish(h *holdings, reason contracts.RebalanceReason, res *contracts.PortfolioResult, removed []Removal) (*Plan, error) {
	requests, err := trades(h, res.Weights)
	if err != nil {
		return nil, err
	}
	return &Plan{
		GoalID:   h.goal.ID,
		Reason:   reason,
		Value:    h.value,
		Result:   res,
		Weights:  res.Weights,
		Removed:  removed,
		Requests: requests,
	}, nil
}

func sum(w []float64) float64 {
	var s float64
	for _, v := range w {
		s += v
	}
	return s
}
