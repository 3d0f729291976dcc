package markowitz

import (
	"fmt"
	"math"
	"time"

	"github.com/wonny/allocator/internal/contracts"
)

// DefaultAnchor is λ at risk score 0.5
const DefaultAnchor = 1.2

// Fit solves λ = a·b^x + c through (−50, λmin), (0, anchor), (50, λmax).
//
// With u = b^50 the three points give a = anchor − c, a/u = λmin − c and
// a·u = λmax − c, so (λmax − c)(λmin − c) = (anchor − c)² which is linear in c.
func Fit(lambdaMin, lambdaMax, anchor float64, date time.Time) (contracts.MarkowitzScale, error) {
	if !(lambdaMin < anchor && anchor < lambdaMax) {
		return contracts.MarkowitzScale{}, fmt.Errorf("%w: need λmin < %.4f < λmax, got λmin=%.6f λmax=%.6f",
			contracts.ErrConfiguration, anchor, lambdaMin, lambdaMax)
	}

	den := lambdaMax + lambdaMin - 2*anchor
	if math.Abs(den) < 1e-12 {
		return contracts.MarkowitzScale{}, fmt.Errorf("%w: anchors are symmetric around %.4f, curve is linear",
			contracts.ErrConfiguration, anchor)
	}

	c := (lambdaMax*lambdaMin - anchor*anchor) / den
	a := anchor - c
	u := (lambdaMax - c) / a
	if u <= 0 || math.IsNaN(u) || math.IsInf(u, 0) {
		return contracts.MarkowitzScale{}, fmt.Errorf("%w: degenerate markowitz fit", contracts.ErrConfiguration)
	}

	return contracts.MarkowitzScale{
		Date: date,
		Min:  lambdaMin,
		Max:  lambdaMax,
		A:    a,
		B:    math.Pow(u, 1.0/50),
		C:    c,
	}, nil
}
