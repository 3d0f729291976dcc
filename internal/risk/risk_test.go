package risk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func returnsMatrix() *mat.Dense {
	return mat.NewDense(5, 3, []float64{
		0.01, 0.02, -0.01,
		0.03, -0.01, 0.00,
		-0.02, 0.01, 0.02,
		0.00, 0.03, -0.02,
		0.02, -0.02, 0.01,
	})
}

func TestSimpleReturns(t *testing.T) {
	r := SimpleReturns([]float64{100, 110, 99})
	require.Len(t, r, 2)
	assert.InDelta(t, 0.10, r[0], 1e-12)
	assert.InDelta(t, -0.10, r[1], 1e-12)
	assert.Nil(t, SimpleReturns([]float64{1}))
}

func TestAnnualizedMean(t *testing.T) {
	assert.InDelta(t, math.Pow(1.01, 12)-1, AnnualizedMean([]float64{0.01, 0.01}, 12), 1e-12)
	assert.Equal(t, 0.0, AnnualizedMean(nil, 12))
	assert.InDelta(t, math.Pow(1.02, 12)-1,
		WeightedAnnualizedMean([]float64{0.01, 0.03}, []float64{1, 1}, 12), 1e-12)
}

func TestSampleCovariance(t *testing.T) {
	cov, err := SampleCovariance(returnsMatrix())
	require.NoError(t, err)
	assert.Equal(t, 3, cov.SymmetricDim())

	// 첫 번째 열 분산: mean=0.008
	col := []float64{0.01, 0.03, -0.02, 0.00, 0.02}
	var ss float64
	for _, v := range col {
		ss += (v - 0.008) * (v - 0.008)
	}
	assert.InDelta(t, ss/4, cov.At(0, 0), 1e-12)

	_, err = SampleCovariance(mat.NewDense(1, 2, []float64{1, 2}))
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestShrunkCovariance(t *testing.T) {
	for _, method := range []ShrinkageMethod{ShrinkLedoitWolf, ShrinkOAS} {
		t.Run(string(method), func(t *testing.T) {
			cov, shrink, err := ShrunkCovariance(returnsMatrix(), method)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, shrink, 0.0)
			assert.LessOrEqual(t, shrink, 1.0)
			assert.True(t, IsPSD(cov, 1e-12))

			// 축소는 대각 평균(trace)을 보존
			biased := biasedCovariance(demean(returnsMatrix()))
			assert.InDelta(t, mat.Trace(biased), mat.Trace(cov), 1e-12)
		})
	}

	cov, shrink, err := ShrunkCovariance(returnsMatrix(), ShrinkNone)
	require.NoError(t, err)
	assert.Equal(t, 0.0, shrink)
	sample, _ := SampleCovariance(returnsMatrix())
	assert.True(t, mat.EqualApprox(sample, cov, 1e-15))

	_, _, err = ShrunkCovariance(returnsMatrix(), "bogus")
	assert.Error(t, err)
}

func TestNearestPSD(t *testing.T) {
	// 고유값 3, -1
	a := mat.NewSymDense(2, []float64{1, 2, 2, 1})
	assert.False(t, IsPSD(a, 1e-12))

	fixed, err := NearestPSD(a, 0)
	require.NoError(t, err)
	assert.True(t, IsPSD(fixed, 1e-10))
	assert.InDelta(t, 1.5, fixed.At(0, 0), 1e-10)
	assert.InDelta(t, 1.5, fixed.At(0, 1), 1e-10)

	// PSD input comes back unchanged
	psd := mat.NewSymDense(2, []float64{2, 0.5, 0.5, 1})
	same, err := NearestPSD(psd, 0)
	require.NoError(t, err)
	assert.True(t, mat.Equal(psd, same))
}

func TestSymmetrizeAndAnnualize(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{1, 2, 4, 3})
	s := Symmetrize(a)
	assert.Equal(t, 3.0, s.At(0, 1))
	assert.Equal(t, 3.0, s.At(1, 0))

	ann := Annualize(mat.NewSymDense(1, []float64{0.001}), 12)
	assert.InDelta(t, 0.012, ann.At(0, 0), 1e-15)
}

func TestParametricVaR(t *testing.T) {
	r := ParametricVaR(0, 0.2, 0.95)
	assert.InDelta(t, 1.6449*0.2, r.VaR, 1e-3)
	assert.Greater(t, r.CVaR, r.VaR)

	// 기대수익이 충분히 크면 손실 없음
	assert.Equal(t, 0.0, ParametricVaR(1.0, 0.1, 0.95).VaR)
}

func TestPortfolioMoments(t *testing.T) {
	sigma := mat.NewSymDense(2, []float64{0.04, 0, 0, 0.09})
	exp, sd := PortfolioMoments([]float64{0.5, 0.5}, []float64{0.1, 0.2}, sigma)
	assert.InDelta(t, 0.15, exp, 1e-12)
	assert.InDelta(t, math.Sqrt(0.25*0.04+0.25*0.09), sd, 1e-12)
}

func TestShrinkTowardIdentity(t *testing.T) {
	s := mat.NewSymDense(2, []float64{0.04, 0.01, 0.01, 0.02})
	out := ShrinkTowardIdentity(s, 0.5)
	assert.InDelta(t, 0.5*0.04+0.5*0.03, out.At(0, 0), 1e-15)
	assert.InDelta(t, 0.5*0.02+0.5*0.03, out.At(1, 1), 1e-15)
	assert.InDelta(t, 0.005, out.At(0, 1), 1e-15)
	assert.InDelta(t, mat.Trace(s), mat.Trace(out), 1e-15)
}
