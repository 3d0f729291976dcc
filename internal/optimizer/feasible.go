package optimizer

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/wonny/allocator/internal/contracts"
)

const eliminationTol = 1e-9

// row is a constraint normalised to a·w >= b (inequality) or a·w == b
type row struct {
	a     []float64
	b     float64
	eq    bool
	lower bool // w_i >= lb_i, implied by y >= 0 in the feasibility LP
	label string
}

// rows expands constraints and bounds into normalised rows. Dependent
// equalities are dropped; inconsistent ones are reported as infeasible.
func (p *Problem) rows() ([]row, error) {
	n := p.N()
	out := make([]row, 0, len(p.Constraints)+2*n)

	var basis echelon
	for _, c := range p.Constraints {
		switch c.Op {
		case EQ:
			keep, err := basis.addAugmented(c.Coeffs, c.RHS)
			if err != nil {
				return nil, &contracts.SolverError{Message: fmt.Sprintf("%s: %v", c.Label, err), Infeasible: true}
			}
			if keep {
				out = append(out, row{a: c.Coeffs, b: c.RHS, eq: true, label: c.Label})
			}
		case GE:
			out = append(out, row{a: c.Coeffs, b: c.RHS, label: c.Label})
		case LE:
			out = append(out, row{a: negate(c.Coeffs), b: -c.RHS, label: c.Label})
		}
	}

	for i := 0; i < n; i++ {
		lo, hi := p.lower(i), p.upper(i)
		if lo > hi+eliminationTol {
			return nil, &contracts.SolverError{
				Message:    fmt.Sprintf("bounds of w[%d]: lower %.6g > upper %.6g", i, lo, hi),
				Infeasible: true,
			}
		}
		out = append(out, row{a: unit(n, i, 1), b: lo, lower: true, label: fmt.Sprintf("lb[%d]", i)})
		if !math.IsInf(hi, 1) {
			out = append(out, row{a: unit(n, i, -1), b: -hi, label: fmt.Sprintf("ub[%d]", i)})
		}
	}
	return out, nil
}

// FeasiblePoint finds any w satisfying the problem using the simplex method
// on the standard-form feasibility LP (zero objective).
func (p *Problem) FeasiblePoint() ([]float64, error) {
	if err := p.validate(); err != nil {
		return nil, &contracts.SolverError{Message: err.Error()}
	}
	n := p.N()

	// y = w − lb >= 0; lower-bound rows become the sign constraint on y.
	lb := make([]float64, n)
	for i := range lb {
		lb[i] = p.lower(i)
	}

	type lpRow struct {
		a     []float64
		b     float64
		slack float64 // 0 for equality, −1 for a·y − s = b
	}

	rows, err := p.rows()
	if err != nil {
		return nil, err
	}

	var lpRows []lpRow
	for _, r := range rows {
		if r.lower {
			continue
		}
		shift := dot(r.a, lb)
		if allZero(r.a) {
			if (r.eq && math.Abs(r.b-shift) > eliminationTol) || (!r.eq && r.b-shift > eliminationTol) {
				return nil, &contracts.SolverError{Message: r.label + ": unsatisfiable empty constraint", Infeasible: true}
			}
			continue
		}
		slack := 0.0
		if !r.eq {
			slack = -1
		}
		lpRows = append(lpRows, lpRow{a: r.a, b: r.b - shift, slack: slack})
	}

	// columns of y that appear nowhere are fixed at 0
	used := make([]bool, n)
	for _, r := range lpRows {
		for j, v := range r.a {
			if v != 0 {
				used[j] = true
			}
		}
	}
	cols := make([]int, 0, n)
	for j, u := range used {
		if u {
			cols = append(cols, j)
		}
	}

	w := append([]float64(nil), lb...)
	if len(lpRows) == 0 {
		return w, nil
	}

	slacks := 0
	for _, r := range lpRows {
		if r.slack != 0 {
			slacks++
		}
	}

	m := len(lpRows)
	width := len(cols) + slacks
	if width < m {
		// only possible with redundant rows the elimination missed
		return nil, &contracts.SolverError{Message: "feasibility LP has more rows than columns"}
	}

	A := mat.NewDense(m, width, nil)
	b := make([]float64, m)
	s := len(cols)
	for i, r := range lpRows {
		sign := 1.0
		if r.b < 0 {
			sign = -1
		}
		for k, j := range cols {
			A.Set(i, k, sign*r.a[j])
		}
		if r.slack != 0 {
			A.Set(i, s, sign*r.slack)
			s++
		}
		b[i] = sign * r.b
	}

	c := make([]float64, width)
	_, x, err := lp.Simplex(c, A, b, 1e-10, nil)
	if err != nil {
		if errors.Is(err, lp.ErrInfeasible) {
			return nil, &contracts.SolverError{Message: "constraints are infeasible", Infeasible: true}
		}
		return nil, &contracts.SolverError{Message: fmt.Sprintf("feasibility LP: %v", err)}
	}

	for k, j := range cols {
		w[j] += math.Max(x[k], 0)
	}
	return w, nil
}

// echelon keeps rows in reduced form so dependence can be detected
type echelon struct {
	rows   [][]float64 // augmented rows normalised at their pivot
	pivots []int
}

// addAugmented adds [a | b]; false if dependent, error if inconsistent
func (e *echelon) addAugmented(a []float64, b float64) (bool, error) {
	r := append(append([]float64(nil), a...), b)
	n := len(a)
	e.reduce(r)

	p, scale := pivotOf(r[:n])
	if scale < eliminationTol {
		if math.Abs(r[n]) > eliminationTol {
			return false, fmt.Errorf("inconsistent equality (residual %.3g)", r[n])
		}
		return false, nil
	}
	e.push(r, p)
	return true, nil
}

// addRow adds a plain row; false if it is a combination of existing rows
func (e *echelon) addRow(a []float64) bool {
	r := append(append([]float64(nil), a...), 0)
	e.reduce(r)
	p, scale := pivotOf(r[:len(a)])
	if scale < eliminationTol {
		return false
	}
	e.push(r, p)
	return true
}

func (e *echelon) reduce(r []float64) {
	for k, br := range e.rows {
		f := r[e.pivots[k]]
		if f == 0 {
			continue
		}
		for j := range r {
			r[j] -= f * br[j]
		}
	}
}

func (e *echelon) push(r []float64, p int) {
	inv := 1 / r[p]
	for j := range r {
		r[j] *= inv
	}
	e.rows = append(e.rows, r)
	e.pivots = append(e.pivots, p)
}

func pivotOf(a []float64) (int, float64) {
	best, idx := 0.0, -1
	for j, v := range a {
		if math.Abs(v) > best {
			best, idx = math.Abs(v), j
		}
	}
	return idx, best
}

func negate(a []float64) []float64 {
	out := make([]float64, len(a))
	for i, v := range a {
		out[i] = -v
	}
	return out
}

func unit(n, i int, v float64) []float64 {
	out := make([]float64, n)
	out[i] = v
	return out
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func allZero(a []float64) bool {
	for _, v := range a {
		if v != 0 {
			return false
		}
	}
	return true
}
