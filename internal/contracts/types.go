package contracts

import "time"

// Identifiers are opaque strings assigned by the data provider
type (
	InstrumentID   string
	FeatureValueID string
	PortfolioSetID string
	AssetClassID   string
)

// InstrumentState is the lifecycle state of a ticker
type InstrumentState string

const (
	StateActive   InstrumentState = "ACTIVE"
	StateInactive InstrumentState = "INACTIVE"
	StateClosed   InstrumentState = "CLOSED"
)

// Instrument is a tradeable fund or stock
type Instrument struct {
	ID           InstrumentID    `json:"id"`
	Symbol       string          `json:"symbol"`
	AssetClassID AssetClassID    `json:"asset_class_id"`
	BenchmarkID  InstrumentID    `json:"benchmark_id,omitempty"` // tracking-error 모드에서 사용
	Region       string          `json:"region,omitempty"`
	State        InstrumentState `json:"state"`
}

// IsActive reports whether the instrument may enter a universe
func (i Instrument) IsActive() bool {
	return i.State == StateActive
}

// Feature is a named feature value (region, asset type, ESG flag, ...)
type Feature struct {
	ID   FeatureValueID `json:"id"`
	Name string         `json:"name"`
}

// PricePoint is one observation of a price series
type PricePoint struct {
	Date  time.Time `json:"date"`
	Price float64   `json:"price"`
}

// Frequency of the return series the predictor works on
type Frequency string

const (
	Monthly Frequency = "MONTHLY"
	Daily   Frequency = "DAILY"
)

// PeriodsPerYear is the annualisation factor
func (f Frequency) PeriodsPerYear() float64 {
	if f == Daily {
		return 260
	}
	return 12
}

// Regime is an investment-clock phase
type Regime string

const (
	RegimeEQ   Regime = "EQ"
	RegimeEQPK Regime = "EQ_PK"
	RegimePKEQ Regime = "PK_EQ"
	RegimeEQTR Regime = "EQ_TR"
	RegimeTREQ Regime = "TR_EQ"
)

// AllRegimes lists the regimes of one complete cycle in order
var AllRegimes = []Regime{RegimeEQ, RegimeEQPK, RegimePKEQ, RegimeEQTR, RegimeTREQ}

// CycleObservation labels a period with the regime observed in it
type CycleObservation struct {
	Date   time.Time `json:"date"`
	Regime Regime    `json:"regime"`
}

// CycleForecast is a probability forecast over regimes
type CycleForecast struct {
	Date          time.Time          `json:"date"`
	Probabilities map[Regime]float64 `json:"probabilities"`
}
