package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wonny/allocator/internal/contracts"
)

// ExecutionProvider keeps goals, lots and orders in memory
type ExecutionProvider struct {
	mu sync.RWMutex

	goals    map[string]contracts.Goal
	lots     map[string][]contracts.Lot
	orders   []contracts.MarketOrder
	requests map[string]contracts.ExecutionRequest
	reqOrder []string
	holding  time.Duration
}

var _ contracts.ExecutionProvider = (*ExecutionProvider)(nil)

// NewExecutionProvider creates an empty provider. holding is the minimum
// age of a long-term lot (one year when zero).
func NewExecutionProvider(holding time.Duration) *ExecutionProvider {
	if holding <= 0 {
		holding = 365 * 24 * time.Hour
	}
	return &ExecutionProvider{
		goals:    make(map[string]contracts.Goal),
		lots:     make(map[string][]contracts.Lot),
		requests: make(map[string]contracts.ExecutionRequest),
		holding:  holding,
	}
}

// PutGoal stores or replaces a goal
func (e *ExecutionProvider) PutGoal(g contracts.Goal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.goals[g.ID] = g
}

// AddLot stores a lot, assigning an id when empty
func (e *ExecutionProvider) AddLot(l contracts.Lot) contracts.Lot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	e.lots[l.GoalID] = append(e.lots[l.GoalID], l)
	return l
}

// MarketOrders returns the orders created so far
func (e *ExecutionProvider) MarketOrders() []contracts.MarketOrder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]contracts.MarketOrder(nil), e.orders...)
}

// ExecutionRequests returns the requests of an order in creation order
func (e *ExecutionProvider) ExecutionRequests(orderID string) []contracts.ExecutionRequest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []contracts.ExecutionRequest
	for _, id := range e.reqOrder {
		if r := e.requests[id]; r.MarketOrderID == orderID {
			out = append(out, r)
		}
	}
	return out
}

// Fill executes a pending request at its limit price. A buy opens a lot and
// a sell consumes lots FIFO; goal cash moves by the amount either way.
func (e *ExecutionProvider) Fill(requestID string, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.requests[requestID]
	if !ok {
		return fmt.Errorf("execution request %s: %w", requestID, contracts.ErrNotFound)
	}
	if req.Status == contracts.StatusFilled {
		return nil
	}

	var order *contracts.MarketOrder
	for i := range e.orders {
		if e.orders[i].ID == req.MarketOrderID {
			order = &e.orders[i]
		}
	}
	if order == nil {
		return fmt.Errorf("market order %s: %w", req.MarketOrderID, contracts.ErrNotFound)
	}

	goal := e.goals[order.GoalID]
	amount, _ := req.Amount().Float64()
	price, _ := req.LimitPrice.Float64()

	switch req.Side {
	case contracts.OrderSideBuy:
		e.lots[goal.ID] = append(e.lots[goal.ID], contracts.Lot{
			ID:           uuid.NewString(),
			GoalID:       goal.ID,
			InstrumentID: req.InstrumentID,
			Quantity:     req.Units,
			Price:        price,
			AcquiredAt:   at,
		})
		goal.Cash -= amount
	case contracts.OrderSideSell:
		e.lots[goal.ID] = contracts.SellFIFO(e.lots[goal.ID], req.InstrumentID, req.Units)
		goal.Cash += amount
	}
	e.goals[goal.ID] = goal

	req.Status = contracts.StatusFilled
	e.requests[requestID] = req
	return nil
}

// =============================================================================
// contracts.ExecutionProvider
// =============================================================================

func (e *ExecutionProvider) GetGoal(ctx context.Context, goalID string) (*contracts.Goal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.goals[goalID]
	if !ok {
		return nil, fmt.Errorf("goal %s: %w", goalID, contracts.ErrNotFound)
	}
	return &g, nil
}

func (e *ExecutionProvider) GetLots(ctx context.Context, goalID string) ([]contracts.Lot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]contracts.Lot(nil), e.lots[goalID]...), nil
}

func (e *ExecutionProvider) GetAssetWeightsHeldLessThan1y(ctx context.Context, goalID string, prices map[contracts.InstrumentID]float64, goalValue float64, asOf time.Time) (map[contracts.InstrumentID]float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return contracts.WeightsHeldSince(e.lots[goalID], prices, goalValue, asOf.Add(-e.holding)), nil
}

func (e *ExecutionProvider) CreateMarketOrder(ctx context.Context, order *contracts.MarketOrder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	e.orders = append(e.orders, *order)
	return nil
}

func (e *ExecutionProvider) CreateExecutionRequest(ctx context.Context, req *contracts.ExecutionRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = contracts.StatusPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	e.requests[req.ID] = *req
	e.reqOrder = append(e.reqOrder, req.ID)
	return nil
}

func (e *ExecutionProvider) GetExecutionRequest(ctx context.Context, id string) (*contracts.ExecutionRequest, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.requests[id]
	if !ok {
		return nil, fmt.Errorf("execution request %s: %w", id, contracts.ErrNotFound)
	}
	return &r, nil
}
