package contracts

import (
	"fmt"
	"math"
	"time"
)

// MarkowitzScale maps risk scores to risk-aversion λ:
//
//	λ(r) = A·B^(100r − 50) + C
//
// Min and Max are the λ values at r=0 and r=1.
type MarkowitzScale struct {
	Date time.Time `json:"date"`
	Min  float64   `json:"min"`
	Max  float64   `json:"max"`
	A    float64   `json:"a"`
	B    float64   `json:"b"`
	C    float64   `json:"c"`
}

// RiskScoreToLambda converts a risk score in [0,1] to λ
func (s MarkowitzScale) RiskScoreToLambda(r float64) float64 {
	return s.A*math.Pow(s.B, 100*r-50) + s.C
}

// LambdaToRiskScore is the inverse of RiskScoreToLambda
func (s MarkowitzScale) LambdaToRiskScore(lambda float64) (float64, error) {
	ratio := (lambda - s.C) / s.A
	if ratio <= 0 || s.B <= 0 || s.B == 1 {
		return 0, fmt.Errorf("%w: λ=%.6f outside markowitz scale", ErrConfiguration, lambda)
	}
	return (math.Log(ratio)/math.Log(s.B) + 50) / 100, nil
}

// Age returns how old the scale is at now
func (s MarkowitzScale) Age(now time.Time) time.Duration {
	return now.Sub(s.Date)
}
