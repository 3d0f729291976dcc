package portfolio

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/wonny/allocator/internal/contracts"
)

// SweepSteps is the number of risk-score points of a sweep (0.00, 0.01, ..., 1.00)
const SweepSteps = 101

// SweepPoint is the outcome of one risk score: a result or the reason there is none
type SweepPoint struct {
	RiskScore float64                    `json:"risk_score"`
	Result    *contracts.PortfolioResult `json:"result,omitempty"`
	Err       error                      `json:"-"`
}

// Feasible reports whether the point has a portfolio
func (p SweepPoint) Feasible() bool { return p.Err == nil && p.Result != nil }

// Sweep calculates the portfolio at every risk score from 0 to 1 in steps of
// 0.01. Infeasible points carry their error; the sweep fails only when the
// settings cannot be compiled or no point is feasible.
func (c *Calculator) Sweep(ctx context.Context, settings *contracts.Settings, u *contracts.Universe, budget float64, dp contracts.DataProvider) ([]SweepPoint, error) {
	in, err := c.Prepare(ctx, settings, u, dp)
	if err != nil {
		return nil, err
	}

	points := make([]SweepPoint, SweepSteps)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i := range points {
		i := i
		r := float64(i) / float64(SweepSteps-1)
		points[i].RiskScore = r
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := c.Solve(gctx, in.AtRiskScore(r), budget)
			// 각 goroutine은 자기 인덱스에만 기록
			points[i].Result, points[i].Err = res, err
			c.metrics.SweepPoint(err == nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	feasible := 0
	var last error
	for _, p := range points {
		if p.Feasible() {
			feasible++
		} else {
			last = p.Err
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"settings": settings.ID,
		"feasible": feasible,
		"points":   len(points),
	}).Info("Risk sweep completed")

	if feasible == 0 {
		if u, ok := contracts.AsUnsatisfiable(last); ok {
			return nil, u
		}
		return nil, &contracts.UnsatisfiableError{Message: "no feasible point in risk sweep", Err: last}
	}
	return points, nil
}
