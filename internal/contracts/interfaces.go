package contracts

import (
	"context"
	"time"
)

// DataProvider supplies market data, metadata and calibration state
// ⭐ SSOT: 엔진이 읽는 모든 외부 데이터는 이 인터페이스를 통해서만
type DataProvider interface {
	GetTickers(ctx context.Context) ([]Instrument, error)
	GetTicker(ctx context.Context, id InstrumentID) (*Instrument, error)
	// GetFundPriceLatest returns ErrNotFound when the instrument has no price
	GetFundPriceLatest(ctx context.Context, id InstrumentID) (float64, error)
	GetFeatures(ctx context.Context) ([]Feature, error)
	GetAssetFeatureValueIDs(ctx context.Context, id InstrumentID) ([]FeatureValueID, error)
	GetAssetClassToPortfolioSets(ctx context.Context) (map[AssetClassID][]PortfolioSetID, error)
	GetPortfolioSetIDs(ctx context.Context) ([]PortfolioSetID, error)
	// GetMarketWeight returns the raw market capitalisation; 0 when unknown
	GetMarketWeight(ctx context.Context, id InstrumentID) (float64, error)
	// GetMarkowitzScale returns ErrNotFound when no scale was calibrated
	GetMarkowitzScale(ctx context.Context) (*MarkowitzScale, error)
	SetMarkowitzScale(ctx context.Context, scale MarkowitzScale) error
	GetPriceHistory(ctx context.Context, id InstrumentID, to time.Time) ([]PricePoint, error)
	GetBenchmarkHistory(ctx context.Context, id InstrumentID, to time.Time) ([]PricePoint, error)
	GetViews(ctx context.Context, set PortfolioSetID) ([]View, error)
	GetCycleObservations(ctx context.Context, to time.Time) ([]CycleObservation, error)
	GetCycleProbabilities(ctx context.Context, to time.Time) ([]CycleForecast, error)
	GetCurrentDate() time.Time
}

// BacktestDataProvider replays history one day at a time
type BacktestDataProvider interface {
	DataProvider
	GetStartDate() time.Time
	// MoveDateForward advances the clock; false once past the end
	MoveDateForward() bool
}

// ExecutionProvider reads holdings and records orders
// ⭐ SSOT: 주문 생성은 이 인터페이스를 통해서만
type ExecutionProvider interface {
	GetGoal(ctx context.Context, goalID string) (*Goal, error)
	GetLots(ctx context.Context, goalID string) ([]Lot, error)
	GetAssetWeightsHeldLessThan1y(ctx context.Context, goalID string, prices map[InstrumentID]float64, goalValue float64, asOf time.Time) (map[InstrumentID]float64, error)
	CreateMarketOrder(ctx context.Context, order *MarketOrder) error
	CreateExecutionRequest(ctx context.Context, req *ExecutionRequest) error
	GetExecutionRequest(ctx context.Context, id string) (*ExecutionRequest, error)
}
