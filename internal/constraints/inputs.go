package constraints

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/optimizer"
)

// OptimizationInputs is the compiled, restricted problem for one settings
// object on one universe snapshot. It is recomputed per call.
type OptimizationInputs struct {
	SettingsID     string
	PortfolioSetID contracts.PortfolioSetID
	Indices        []int // universe rows of the restricted subset
	IDs            []contracts.InstrumentID
	RiskScore      float64
	Lambda         float64
	Scale          contracts.MarkowitzScale
	Constraints    []optimizer.Constraint
	Sigma          *mat.SymDense
	Mu             []float64
	MarketWeights  []float64
	Prices         []float64
	SampleCount    int
}

// N is the size of the restricted subset
func (in *OptimizationInputs) N() int { return len(in.IDs) }

// Problem builds a fresh optimizer problem from the inputs
func (in *OptimizationInputs) Problem() *optimizer.Problem {
	p := &optimizer.Problem{
		Sigma:  in.Sigma,
		Mu:     append([]float64(nil), in.Mu...),
		Lambda: in.Lambda,
	}
	for _, c := range in.Constraints {
		c.Coeffs = append([]float64(nil), c.Coeffs...)
		p.Add(c)
	}
	return p
}

// AtRiskScore returns a copy whose λ is taken from the scale at r
func (in *OptimizationInputs) AtRiskScore(r float64) *OptimizationInputs {
	out := *in
	out.RiskScore = r
	out.Lambda = in.Scale.RiskScoreToLambda(r)
	return &out
}

// WithPosterior returns a copy with μ and Σ replaced
func (in *OptimizationInputs) WithPosterior(mu []float64, sigma *mat.SymDense) *OptimizationInputs {
	out := *in
	out.Mu = append([]float64(nil), mu...)
	out.Sigma = sigma
	return &out
}

// Weights maps a restricted weight vector back to instrument ids, dropping zeros
func (in *OptimizationInputs) Weights(w []float64) map[contracts.InstrumentID]float64 {
	out := make(map[contracts.InstrumentID]float64)
	for i, v := range w {
		if v > 0 {
			out[in.IDs[i]] = v
		}
	}
	return out
}

type fingerprintConstraint struct {
	Coeffs []float64 `json:"coeffs"`
	Op     string    `json:"op"`
	RHS    float64   `json:"rhs"`
}

type fingerprintDoc struct {
	IDs         []contracts.InstrumentID `json:"ids"`
	RiskScore   float64                  `json:"risk_score"`
	Constraints []fingerprintConstraint  `json:"constraints"`
}

// Fingerprint identifies the constraint set: instrument subset, risk score and
// compiled constraints. Two inputs with equal fingerprints describe the same
// allocation problem on the same snapshot.
func (in *OptimizationInputs) Fingerprint() (string, error) {
	doc := fingerprintDoc{
		IDs:       in.IDs,
		RiskScore: round(in.RiskScore),
	}
	for _, c := range in.Constraints {
		fc := fingerprintConstraint{Op: c.Op.String(), RHS: round(c.RHS)}
		for _, v := range c.Coeffs {
			fc.Coeffs = append(fc.Coeffs, round(v))
		}
		doc.Constraints = append(doc.Constraints, fc)
	}

	// Struct → JSON (결정적 순서)
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func round(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}
