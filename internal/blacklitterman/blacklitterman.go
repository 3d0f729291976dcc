package blacklitterman

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/risk"
)

// Defaults of the blend
const (
	DefaultRiskAversion = 1.2
	DefaultConfidence   = 1.0
)

// Posterior is the blended expected return vector and covariance
type Posterior struct {
	Mu    []float64
	Sigma *mat.SymDense
	Tau   float64
	Views int
}

// Blender applies Black-Litterman to a restricted instrument subset
type Blender struct {
	riskAversion float64
	confidence   float64
	log          zerolog.Logger
}

// NewBlender creates a blender. Non-positive parameters fall back to defaults.
func NewBlender(riskAversion, confidence float64, log zerolog.Logger) *Blender {
	if riskAversion <= 0 {
		riskAversion = DefaultRiskAversion
	}
	if confidence <= 0 {
		confidence = DefaultConfidence
	}
	return &Blender{
		riskAversion: riskAversion,
		confidence:   confidence,
		log:          log.With().Str("component", "black_litterman").Logger(),
	}
}

// BlendViews builds the view matrix for ids and blends
func (b *Blender) BlendViews(sigma *mat.SymDense, marketWeights []float64, views []contracts.View, ids []contracts.InstrumentID, sampleCount int) (*Posterior, error) {
	P, q := ViewMatrix(views, ids)
	if dropped := len(views) - len(q); dropped > 0 {
		b.log.Debug().Int("dropped", dropped).Int("views", len(views)).Msg("views outside the instrument subset ignored")
	}
	post, err := Blend(sigma, marketWeights, P, q, sampleCount, b.confidence, b.riskAversion)
	if err != nil {
		return nil, err
	}
	b.log.Debug().Int("n", len(ids)).Int("views", post.Views).Float64("tau", post.Tau).Msg("blended")
	return post, nil
}

// ViewMatrix turns views into P (k×n) and q over ids. Views without a
// coefficient on any of ids are dropped. P is nil when no view survives.
func ViewMatrix(views []contracts.View, ids []contracts.InstrumentID) (*mat.Dense, []float64) {
	index := make(map[contracts.InstrumentID]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	var rows [][]float64
	var q []float64
	for _, v := range views {
		row := make([]float64, len(ids))
		nonzero := false
		for id, coeff := range v.Assets {
			if i, ok := index[id]; ok && coeff != 0 {
				row[i] = coeff
				nonzero = true
			}
		}
		if !nonzero {
			continue
		}
		rows = append(rows, row)
		q = append(q, v.Q)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	P := mat.NewDense(len(rows), len(ids), nil)
	for i, r := range rows {
		P.SetRow(i, r)
	}
	return P, q
}

// Blend computes the Black-Litterman posterior
//
//	π      = 2·δ·Σ·w
//	τ      = 1/sampleCount
//	Ω      = PΣPᵀ/confidence
//	μ      = π + τΣPᵀ(τPΣPᵀ + Ω)⁻¹(q − Pπ)
//	Σpost  = Σ + τΣ − τΣPᵀ(τPΣPᵀ + Ω)⁻¹PτΣ
//
// With no views the result is (π, (1+τ)Σ). The covariance is symmetrised
// and projected to the nearest PSD matrix.
func Blend(sigma *mat.SymDense, marketWeights []float64, P *mat.Dense, q []float64, sampleCount int, confidence, riskAversion float64) (*Posterior, error) {
	n := sigma.SymmetricDim()
	if len(marketWeights) != n {
		return nil, fmt.Errorf("market weights: got %d, want %d", len(marketWeights), n)
	}
	if sampleCount <= 0 {
		return nil, fmt.Errorf("%w: sample count %d", contracts.ErrConfiguration, sampleCount)
	}
	if confidence <= 0 {
		return nil, fmt.Errorf("%w: confidence %.4f", contracts.ErrConfiguration, confidence)
	}
	tau := 1 / float64(sampleCount)

	// π = 2·δ·Σ·w
	var pi mat.VecDense
	pi.MulVec(sigma, mat.NewVecDense(n, append([]float64(nil), marketWeights...)))
	pi.ScaleVec(2*riskAversion, &pi)

	// (1+τ)Σ
	post := mat.NewDense(n, n, nil)
	post.Scale(1+tau, sigma)

	k := len(q)
	if P == nil || k == 0 {
		return finish(pi.RawVector().Data, post, tau, 0)
	}
	if r, c := P.Dims(); r != k || c != n {
		return nil, fmt.Errorf("view matrix is %dx%d, want %dx%d", r, c, k, n)
	}

	// τΣPᵀ (n×k)
	var sigmaPt mat.Dense
	sigmaPt.Mul(sigma, P.T())
	var tauSigmaPt mat.Dense
	tauSigmaPt.Scale(tau, &sigmaPt)

	// PΣPᵀ (k×k)
	var pSigmaPt mat.Dense
	pSigmaPt.Mul(P, &sigmaPt)

	// M = τPΣPᵀ + Ω = (τ + 1/confidence)·PΣPᵀ
	var M mat.Dense
	M.Scale(tau+1/confidence, &pSigmaPt)

	// q − Pπ
	var pPi mat.VecDense
	pPi.MulVec(P, &pi)
	diff := mat.NewVecDense(k, nil)
	diff.SubVec(mat.NewVecDense(k, append([]float64(nil), q...)), &pPi)

	var x mat.VecDense
	if err := solveOK(x.SolveVec(&M, diff)); err != nil {
		return nil, &contracts.SolverError{Message: fmt.Sprintf("view system: %v", err)}
	}

	var adj mat.VecDense
	adj.MulVec(&tauSigmaPt, &x)
	mu := mat.NewVecDense(n, nil)
	mu.AddVec(&pi, &adj)

	// M⁻¹·PτΣ = M⁻¹·(τΣPᵀ)ᵀ
	var y mat.Dense
	if err := solveOK(y.Solve(&M, tauSigmaPt.T())); err != nil {
		return nil, &contracts.SolverError{Message: fmt.Sprintf("view covariance: %v", err)}
	}
	var shrink mat.Dense
	shrink.Mul(&tauSigmaPt, &y)
	post.Sub(post, &shrink)

	return finish(mu.RawVector().Data, post, tau, k)
}

func finish(mu []float64, post *mat.Dense, tau float64, views int) (*Posterior, error) {
	sym, err := risk.NearestPSD(risk.Symmetrize(post), 0)
	if err != nil {
		return nil, &contracts.SolverError{Message: fmt.Sprintf("posterior covariance: %v", err)}
	}
	return &Posterior{
		Mu:    append([]float64(nil), mu...),
		Sigma: sym,
		Tau:   tau,
		Views: views,
	}, nil
}

// solveOK accepts near-singular solves
func solveOK(err error) error {
	if err == nil {
		return nil
	}
	var cond mat.Condition
	if errors.As(err, &cond) && !math.IsInf(float64(cond), 1) {
		return nil
	}
	return err
}
