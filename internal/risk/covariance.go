package risk

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrInsufficientData = errors.New("insufficient data for covariance")
)

// =============================================================================
// Shrinkage
// =============================================================================

// ShrinkageMethod 공분산 축소 방식
type ShrinkageMethod string

const (
	ShrinkNone       ShrinkageMethod = "none"
	ShrinkLedoitWolf ShrinkageMethod = "ledoit_wolf"
	ShrinkOAS        ShrinkageMethod = "oas"
)

// Valid reports whether m is a known method
func (m ShrinkageMethod) Valid() bool {
	switch m {
	case ShrinkNone, ShrinkLedoitWolf, ShrinkOAS:
		return true
	}
	return false
}

// SampleCovariance 표본 공분산 (불편추정, T-1)
// returns: T×N matrix, one row per period, one column per instrument
func SampleCovariance(returns *mat.Dense) (*mat.SymDense, error) {
	t, _ := returns.Dims()
	if t < 2 {
		return nil, fmt.Errorf("%w: %d observations", ErrInsufficientData, t)
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, returns, nil)
	return &cov, nil
}

// ShrunkCovariance estimates the covariance with the given shrinkage toward a
// scaled identity. Returns the estimate and the shrinkage intensity used.
func ShrunkCovariance(returns *mat.Dense, method ShrinkageMethod) (*mat.SymDense, float64, error) {
	if method == ShrinkNone || method == "" {
		cov, err := SampleCovariance(returns)
		return cov, 0, err
	}

	t, p := returns.Dims()
	if t < 2 {
		return nil, 0, fmt.Errorf("%w: %d observations", ErrInsufficientData, t)
	}

	x := demean(returns)
	s := biasedCovariance(x)
	mu := mat.Trace(s) / float64(p)

	var shrink float64
	switch method {
	case ShrinkLedoitWolf:
		shrink = ledoitWolfIntensity(x, s, mu)
	case ShrinkOAS:
		shrink = oasIntensity(s, mu, t)
	default:
		return nil, 0, fmt.Errorf("unknown shrinkage method %q", method)
	}

	return ShrinkTowardIdentity(s, shrink), shrink, nil
}

// ShrinkTowardIdentity returns (1−δ)·S + δ·(tr(S)/p)·I
func ShrinkTowardIdentity(s *mat.SymDense, intensity float64) *mat.SymDense {
	p := s.SymmetricDim()
	mu := mat.Trace(s) / float64(p)
	out := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			v := (1 - intensity) * s.At(i, j)
			if i == j {
				v += intensity * mu
			}
			out.SetSym(i, j, v)
		}
	}
	return out
}

func demean(returns *mat.Dense) *mat.Dense {
	t, p := returns.Dims()
	x := mat.NewDense(t, p, nil)
	for j := 0; j < p; j++ {
		col := mat.Col(nil, j, returns)
		m := stat.Mean(col, nil)
		for i := range col {
			x.Set(i, j, col[i]-m)
		}
	}
	return x
}

// biasedCovariance XᵀX/T for demeaned X
func biasedCovariance(x *mat.Dense) *mat.SymDense {
	t, p := x.Dims()
	s := mat.NewSymDense(p, nil)
	s.SymOuterK(1/float64(t), x.T())
	return s
}

// ledoitWolfIntensity Ledoit-Wolf (2004) 최적 축소 강도
func ledoitWolfIntensity(x *mat.Dense, s *mat.SymDense, mu float64) float64 {
	t, p := x.Dims()

	// d² = ‖S − μI‖² / p
	var d2 float64
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			v := s.At(i, j)
			if i == j {
				v -= mu
			}
			d2 += v * v
		}
	}
	d2 /= float64(p)
	if d2 == 0 {
		return 1
	}

	// b̄² = Σ_t ‖x_t x_tᵀ − S‖² / (p·T²)
	var b2 float64
	for k := 0; k < t; k++ {
		row := x.RawRowView(k)
		for i := 0; i < p; i++ {
			for j := 0; j < p; j++ {
				v := row[i]*row[j] - s.At(i, j)
				b2 += v * v
			}
		}
	}
	b2 /= float64(p) * float64(t) * float64(t)

	return math.Min(b2, d2) / d2
}

// oasIntensity Oracle Approximating Shrinkage (Chen et al. 2010)
func oasIntensity(s *mat.SymDense, mu float64, t int) float64 {
	p := s.SymmetricDim()
	var alpha float64
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			alpha += s.At(i, j) * s.At(i, j)
		}
	}
	alpha /= float64(p * p)

	num := alpha + mu*mu
	den := float64(t+1) * (alpha - mu*mu/float64(p))
	if den <= 0 {
		return 1
	}
	return math.Min(num/den, 1)
}

// =============================================================================
// Matrix repair
// =============================================================================

// Symmetrize returns (A + Aᵀ)/2
func Symmetrize(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, (a.At(i, j)+a.At(j, i))/2)
		}
	}
	return out
}

// NearestPSD clips negative eigenvalues to floor and rebuilds the matrix.
// 비PSD 행렬은 에러가 아니라 보정 대상
func NearestPSD(a *mat.SymDense, floor float64) (*mat.SymDense, error) {
	n := a.SymmetricDim()

	var es mat.EigenSym
	if ok := es.Factorize(a, true); !ok {
		return nil, fmt.Errorf("eigen decomposition failed")
	}
	vals := es.Values(nil)

	clipped := false
	for i, v := range vals {
		if v < floor {
			vals[i] = floor
			clipped = true
		}
	}
	if !clipped {
		out := mat.NewSymDense(n, nil)
		out.CopySym(a)
		return out, nil
	}

	var vecs mat.Dense
	es.VectorsTo(&vecs)

	var scaled mat.Dense
	scaled.Apply(func(_, j int, v float64) float64 { return v * vals[j] }, &vecs)

	var rebuilt mat.Dense
	rebuilt.Mul(&scaled, vecs.T())
	return Symmetrize(&rebuilt), nil
}

// IsPSD reports whether all eigenvalues are >= -tol
func IsPSD(a *mat.SymDense, tol float64) bool {
	var es mat.EigenSym
	if !es.Factorize(a, false) {
		return false
	}
	for _, v := range es.Values(nil) {
		if v < -tol {
			return false
		}
	}
	return true
}

// Annualize scales a periodic covariance by periods per year
func Annualize(cov *mat.SymDense, periods float64) *mat.SymDense {
	out := mat.NewSymDense(cov.SymmetricDim(), nil)
	out.ScaleSym(periods, cov)
	return out
}
