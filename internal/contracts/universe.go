package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"
)

// InstrumentRow is one row of the instrument table
type InstrumentRow struct {
	ID             InstrumentID     `json:"id"`
	Symbol         string           `json:"symbol"`
	AssetClassID   AssetClassID     `json:"asset_class_id"`
	Price          float64          `json:"price"`
	ExpectedReturn float64          `json:"expected_return"`
	MarketWeight   float64          `json:"market_weight"`
	Features       []FeatureValueID `json:"features"`
	PortfolioSets  []PortfolioSetID `json:"portfolio_sets"`
}

func (r InstrumentRow) clone() InstrumentRow {
	r.Features = append([]FeatureValueID(nil), r.Features...)
	r.PortfolioSets = append([]PortfolioSetID(nil), r.PortfolioSets...)
	return r
}

// UniverseData is the serialisable form of a Universe
type UniverseData struct {
	AsOf        time.Time                `json:"as_of"`
	SampleCount int                      `json:"sample_count"`
	Rows        []InstrumentRow          `json:"rows"`
	Covariance  []float64                `json:"covariance"` // n×n row-major
	FeatureSets map[FeatureValueID][]int `json:"feature_sets"`
	Portfolios  map[PortfolioSetID][]int `json:"portfolio_sets"`
	Excluded    map[InstrumentID]string  `json:"excluded,omitempty"`
}

// Universe is an immutable snapshot of the investable instruments, their
// statistics and membership masks for one trading day.
// ⭐ SSOT: 모든 접근자는 복사본을 반환 (캐시된 스냅샷은 절대 변경되지 않음)
type Universe struct {
	asOf        time.Time
	sampleCount int
	rows        []InstrumentRow
	cov         []float64
	index       map[InstrumentID]int
	features    map[FeatureValueID]Mask
	sets        map[PortfolioSetID]Mask
	excluded    map[InstrumentID]string
}

// NewUniverse validates data and builds a snapshot that owns copies of it
func NewUniverse(data UniverseData) (*Universe, error) {
	n := len(data.Rows)
	if n == 0 {
		return nil, ErrNoValidInstruments
	}
	if len(data.Covariance) != n*n {
		return nil, fmt.Errorf("covariance has %d entries, want %d", len(data.Covariance), n*n)
	}

	u := &Universe{
		asOf:        data.AsOf,
		sampleCount: data.SampleCount,
		rows:        make([]InstrumentRow, n),
		cov:         append([]float64(nil), data.Covariance...),
		index:       make(map[InstrumentID]int, n),
		features:    make(map[FeatureValueID]Mask, len(data.FeatureSets)),
		sets:        make(map[PortfolioSetID]Mask, len(data.Portfolios)),
		excluded:    make(map[InstrumentID]string, len(data.Excluded)),
	}

	for i, row := range data.Rows {
		if _, dup := u.index[row.ID]; dup {
			return nil, fmt.Errorf("duplicate instrument %s", row.ID)
		}
		u.rows[i] = row.clone()
		u.index[row.ID] = i
	}

	toMask := func(idx []int) (Mask, error) {
		m := NewMask(n)
		for _, i := range idx {
			if i < 0 || i >= n {
				return nil, fmt.Errorf("mask index %d out of range", i)
			}
			m[i] = true
		}
		return m, nil
	}
	for f, idx := range data.FeatureSets {
		m, err := toMask(idx)
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", f, err)
		}
		u.features[f] = m
	}
	for s, idx := range data.Portfolios {
		m, err := toMask(idx)
		if err != nil {
			return nil, fmt.Errorf("portfolio set %s: %w", s, err)
		}
		u.sets[s] = m
	}
	for id, reason := range data.Excluded {
		u.excluded[id] = reason
	}

	return u, nil
}

// Data returns the serialisable form (a deep copy)
func (u *Universe) Data() UniverseData {
	d := UniverseData{
		AsOf:        u.asOf,
		SampleCount: u.sampleCount,
		Rows:        u.Rows(),
		Covariance:  append([]float64(nil), u.cov...),
		FeatureSets: make(map[FeatureValueID][]int, len(u.features)),
		Portfolios:  make(map[PortfolioSetID][]int, len(u.sets)),
		Excluded:    u.Excluded(),
	}
	for f, m := range u.features {
		d.FeatureSets[f] = m.Indices()
	}
	for s, m := range u.sets {
		d.Portfolios[s] = m.Indices()
	}
	return d
}

// MarshalJSON encodes the snapshot through UniverseData
func (u *Universe) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.Data())
}

// UnmarshalJSON decodes and validates a snapshot
func (u *Universe) UnmarshalJSON(b []byte) error {
	var d UniverseData
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	nu, err := NewUniverse(d)
	if err != nil {
		return err
	}
	*u = *nu
	return nil
}

// AsOf is the trading day the snapshot was built for
func (u *Universe) AsOf() time.Time { return u.asOf }

// SampleCount is the number of price observations behind the statistics
func (u *Universe) SampleCount() int { return u.sampleCount }

// Len is the number of instruments
func (u *Universe) Len() int { return len(u.rows) }

// Rows returns a copy of the instrument table
func (u *Universe) Rows() []InstrumentRow {
	out := make([]InstrumentRow, len(u.rows))
	for i, r := range u.rows {
		out[i] = r.clone()
	}
	return out
}

// Row returns a copy of row i
func (u *Universe) Row(i int) InstrumentRow { return u.rows[i].clone() }

// Index returns the row of an instrument
func (u *Universe) Index(id InstrumentID) (int, bool) {
	i, ok := u.index[id]
	return i, ok
}

// IDs returns the instrument ids in row order
func (u *Universe) IDs() []InstrumentID {
	ids := make([]InstrumentID, len(u.rows))
	for i, r := range u.rows {
		ids[i] = r.ID
	}
	return ids
}

// ExpectedReturns returns a copy of the expected return column
func (u *Universe) ExpectedReturns() []float64 {
	return u.column(func(r InstrumentRow) float64 { return r.ExpectedReturn })
}

// MarketWeights returns a copy of the market weight column
func (u *Universe) MarketWeights() []float64 {
	return u.column(func(r InstrumentRow) float64 { return r.MarketWeight })
}

// Prices returns a copy of the latest price column
func (u *Universe) Prices() []float64 {
	return u.column(func(r InstrumentRow) float64 { return r.Price })
}

func (u *Universe) column(f func(InstrumentRow) float64) []float64 {
	out := make([]float64, len(u.rows))
	for i, r := range u.rows {
		out[i] = f(r)
	}
	return out
}

// Covariance returns a fresh copy of the full covariance matrix
func (u *Universe) Covariance() *mat.SymDense {
	n := len(u.rows)
	return mat.NewSymDense(n, append([]float64(nil), u.cov...))
}

// CovarianceSubset returns the covariance restricted to the given rows
func (u *Universe) CovarianceSubset(idx []int) *mat.SymDense {
	n := len(u.rows)
	out := mat.NewSymDense(len(idx), nil)
	for a, i := range idx {
		for b := a; b < len(idx); b++ {
			out.SetSym(a, b, u.cov[i*n+idx[b]])
		}
	}
	return out
}

// FeatureMask returns the rows carrying a feature value (all false if unknown)
func (u *Universe) FeatureMask(f FeatureValueID) Mask {
	if m, ok := u.features[f]; ok {
		return m.Clone()
	}
	return NewMask(len(u.rows))
}

// PortfolioSetMask returns the rows belonging to a portfolio set
func (u *Universe) PortfolioSetMask(s PortfolioSetID) Mask {
	if m, ok := u.sets[s]; ok {
		return m.Clone()
	}
	return NewMask(len(u.rows))
}

// Excluded returns the instruments left out of the snapshot with the reason
func (u *Universe) Excluded() map[InstrumentID]string {
	out := make(map[InstrumentID]string, len(u.excluded))
	for id, r := range u.excluded {
		out[id] = r
	}
	return out
}
