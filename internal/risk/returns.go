package risk

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// SimpleReturns (P1 - P0) / P0 for consecutive prices
func SimpleReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		out[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
	}
	return out
}

// AnnualizedMean compounds the mean periodic return: (1 + mean)^periods − 1
func AnnualizedMean(returns []float64, periods float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	return math.Pow(1+stat.Mean(returns, nil), periods) - 1
}

// WeightedAnnualizedMean compounds a probability-weighted mean return
func WeightedAnnualizedMean(returns, weights []float64, periods float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	return math.Pow(1+stat.Mean(returns, weights), periods) - 1
}
