package rebalance

import (
	"math"
	"sort"
	"time"

	"github.com/wonny/allocator/internal/constraints"
	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/optimizer"
)

// Bucket orders lots by the tax cost of selling them, cheapest first
type Bucket int

const (
	ShortTermLoss Bucket = iota
	LongTermLoss
	LongTermGain
	ShortTermGain
)

func (b Bucket) String() string {
	switch b {
	case ShortTermLoss:
		return "short_term_loss"
	case LongTermLoss:
		return "long_term_loss"
	case LongTermGain:
		return "long_term_gain"
	case ShortTermGain:
		return "short_term_gain"
	}
	return "unknown"
}

// Removal is a number of units of one lot released from the held floors
type Removal struct {
	LotID        string
	InstrumentID contracts.InstrumentID
	Units        int64
	Bucket       Bucket
}

// Classify buckets a lot by holding period and unrealised gain at price.
// A lot without gain counts as a loss.
func Classify(lot contracts.Lot, price float64, asOf time.Time, holding time.Duration) Bucket {
	short := lot.ShortTerm(asOf, holding)
	loss := price-lot.Price <= 0
	switch {
	case short && loss:
		return ShortTermLoss
	case loss:
		return LongTermLoss
	case !short:
		return LongTermGain
	}
	return ShortTermGain
}

type candidate struct {
	lot    contracts.Lot
	bucket Bucket
	gain   float64 // 단위당 평가손익
}

// removalOrder sorts lots by bucket; inside a bucket the largest loss or the
// smallest gain per unit goes first, ties by lot id
func removalOrder(lots []contracts.Lot, prices map[contracts.InstrumentID]float64, asOf time.Time, holding time.Duration) []candidate {
	out := make([]candidate, 0, len(lots))
	for _, l := range lots {
		if l.Quantity <= 0 {
			continue
		}
		price := prices[l.InstrumentID]
		out = append(out, candidate{
			lot:    l,
			bucket: Classify(l, price, asOf, holding),
			gain:   price - l.Price,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.bucket != b.bucket {
			return a.bucket < b.bucket
		}
		if a.gain != b.gain {
			return a.gain < b.gain
		}
		return a.lot.ID < b.lot.ID
	})
	return out
}

// floorPressure measures how far the held floors alone push the linear
// constraints past their bounds. An upper bound is pressed by the floors on
// its own instruments; with a budget row a lower bound is pressed by the
// floors held outside its group.
func floorPressure(prob *optimizer.Problem, floors []float64) float64 {
	budget := false
	for _, c := range prob.Constraints {
		if budgetRow(c) {
			budget = true
			break
		}
	}

	var total float64
	for _, c := range prob.Constraints {
		var in, out float64
		for i, a := range c.Coeffs {
			switch {
			case a > 0:
				in += a * floors[i]
			case a == 0:
				out += floors[i]
			}
		}
		if c.Op != optimizer.GE {
			total += math.Max(0, in-c.RHS)
		}
		if c.Op != optimizer.LE && budget && !budgetRow(c) {
			total += math.Max(0, out-(1-c.RHS))
		}
	}
	return total
}

// budgetRow reports Σw == 1 or Σw <= 1
func budgetRow(c optimizer.Constraint) bool {
	if c.Op == optimizer.GE || math.Abs(c.RHS-1) > pressureTol {
		return false
	}
	for _, a := range c.Coeffs {
		if a != 1 {
			return false
		}
	}
	return true
}

const pressureTol = 1e-12

// perturb releases lots from the held floors in removal order until the
// floored problem becomes feasible. The last lot is trimmed by bisection to
// the fewest units that restore feasibility. A lot whose release neither
// restores feasibility nor eases the floor pressure is deferred and only
// released once every other lot has been tried. Greedy: the result is
// feasible and tax-aware, not the cheapest possible removal.
func (p *Policy) perturb(h *holdings, in *constraints.OptimizationInputs) ([]float64, []Removal, error) {
	pos := make(map[contracts.InstrumentID]int, in.N())
	units := make([]int64, in.N())
	for k, id := range in.IDs {
		pos[id] = k
		units[k] = h.units[id]
	}

	floors := func() []float64 {
		f := make([]float64, len(units))
		for k, q := range units {
			f[k] = h.weight(in.IDs[k], q)
		}
		return f
	}
	prob := in.Problem()
	feasible := func() bool {
		prob.Lower = floors()
		return p.solver.Feasible(prob)
	}

	var removed []Removal
	// release drops the whole lot; on feasibility it trims the lot to the
	// fewest units and reports true
	release := func(c candidate, k int) bool {
		base := units[k]
		units[k] = base - c.lot.Quantity
		if !feasible() {
			removed = append(removed, Removal{
				LotID:        c.lot.ID,
				InstrumentID: c.lot.InstrumentID,
				Units:        c.lot.Quantity,
				Bucket:       c.bucket,
			})
			return false
		}

		// 이 lot에서 빼야 하는 최소 수량
		lo, hi := int64(0), c.lot.Quantity
		for hi-lo > 1 {
			mid := lo + (hi-lo)/2
			units[k] = base - mid
			if feasible() {
				hi = mid
			} else {
				lo = mid
			}
		}
		units[k] = base - hi
		removed = append(removed, Removal{
			LotID:        c.lot.ID,
			InstrumentID: c.lot.InstrumentID,
			Units:        hi,
			Bucket:       c.bucket,
		})

		p.logger.WithFields(map[string]interface{}{
			"goal":    h.goal.ID,
			"lots":    len(removed),
			"last":    c.lot.ID,
			"bucket":  c.bucket.String(),
			"trimmed": hi,
		}).Debug("Perturbation restored feasibility")
		return true
	}

	var deferred []candidate
	for _, c := range removalOrder(h.lots, h.prices, h.asOf, p.cfg.ShortTermHolding) {
		k, ok := pos[c.lot.InstrumentID]
		if !ok {
			// 제한 집합 밖 종목은 하한이 없음
			continue
		}

		before := floorPressure(prob, floors())
		base := units[k]
		units[k] = base - c.lot.Quantity
		after := floorPressure(prob, floors())
		units[k] = base
		if before > pressureTol && after >= before-pressureTol {
			// 위반 제약과 무관한 lot은 뒤로 미룸
			deferred = append(deferred, c)
			continue
		}
		if release(c, k) {
			return floors(), removed, nil
		}
	}

	for _, c := range deferred {
		if release(c, pos[c.lot.InstrumentID]) {
			return floors(), removed, nil
		}
	}

	return nil, removed, contracts.NewUnsatisfiable("no feasible allocation for goal %s after releasing every held lot", h.goal.ID)
}
