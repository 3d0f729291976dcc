package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

// RebalanceReason explains why a market order was created
type RebalanceReason string

const (
	ReasonMetricChange RebalanceReason = "METRIC_CHANGE"
	ReasonDeposit      RebalanceReason = "DEPOSIT"
	ReasonWithdrawal   RebalanceReason = "WITHDRAWAL"
	ReasonDrift        RebalanceReason = "DRIFT"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Status represents execution request status
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusFilled    Status = "FILLED"
	StatusCanceled  Status = "CANCELED"
)

// MarketOrder groups the execution requests of one rebalance
// ⭐ SSOT: 리밸런스 1회 = MarketOrder 1건
type MarketOrder struct {
	ID        string          `json:"id"`
	GoalID    string          `json:"goal_id"`
	Reason    RebalanceReason `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

// ExecutionRequest is a per-instrument buy or sell of whole units
type ExecutionRequest struct {
	ID            string          `json:"id"`
	MarketOrderID string          `json:"market_order_id"`
	InstrumentID  InstrumentID    `json:"instrument_id"`
	Side          OrderSide       `json:"side"`
	Units         int64           `json:"units"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Amount is units × limit price
func (r *ExecutionRequest) Amount() decimal.Decimal {
	return r.LimitPrice.Mul(decimal.NewFromInt(r.Units))
}

// SignedUnits is positive for buys, negative for sells
func (r *ExecutionRequest) SignedUnits() int64 {
	if r.Side == OrderSideSell {
		return -r.Units
	}
	return r.Units
}
