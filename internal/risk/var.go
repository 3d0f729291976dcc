package risk

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// =============================================================================
// Parametric VaR (정규분포 가정)
// =============================================================================

// VaRResult VaR 계산 결과
// ⭐ SSOT: VaR/CVaR는 손실을 양수로 표현 (VaR=0.05 → 5% 손실 가능)
type VaRResult struct {
	Confidence float64 `json:"confidence"`
	VaR        float64 `json:"var"`
	CVaR       float64 `json:"cvar"`
}

// ParametricVaR 정규분포 가정 VaR/CVaR
// mean, stdDev: 같은 기간 기준 (연율화된 값이면 연간 VaR)
func ParametricVaR(mean, stdDev, confidence float64) VaRResult {
	z := distuv.UnitNormal.Quantile(confidence)

	varValue := math.Max(z*stdDev-mean, 0)

	// CVaR = σ·φ(z)/(1−c) − μ
	cvar := math.Max(stdDev*distuv.UnitNormal.Prob(z)/(1-confidence)-mean, 0)

	return VaRResult{
		Confidence: confidence,
		VaR:        varValue,
		CVaR:       cvar,
	}
}

// PortfolioMoments returns wᵀμ and √(wᵀΣw)
func PortfolioMoments(w, mu []float64, sigma mat.Symmetric) (expected, stdDev float64) {
	wv := mat.NewVecDense(len(w), append([]float64(nil), w...))
	expected = mat.Dot(wv, mat.NewVecDense(len(mu), append([]float64(nil), mu...)))
	variance := mat.Inner(wv, sigma, wv)
	return expected, math.Sqrt(math.Max(variance, 0))
}
