package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Op is the comparison of a linear constraint
type Op int

const (
	GE Op = iota // Σ a·w >= rhs
	EQ           // Σ a·w == rhs
	LE           // Σ a·w <= rhs
)

func (o Op) String() string {
	switch o {
	case GE:
		return ">="
	case EQ:
		return "=="
	case LE:
		return "<="
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Constraint is a linear constraint on the weight vector
type Constraint struct {
	Coeffs []float64
	Op     Op
	RHS    float64
	Label  string
}

func (c Constraint) clone() Constraint {
	c.Coeffs = append([]float64(nil), c.Coeffs...)
	return c
}

// Eval returns Σ a·w
func (c Constraint) Eval(w []float64) float64 {
	var s float64
	for i, a := range c.Coeffs {
		s += a * w[i]
	}
	return s
}

// Satisfied reports whether w meets the constraint within tol
func (c Constraint) Satisfied(w []float64, tol float64) bool {
	v := c.Eval(w)
	switch c.Op {
	case GE:
		return v >= c.RHS-tol
	case LE:
		return v <= c.RHS+tol
	default:
		return math.Abs(v-c.RHS) <= tol
	}
}

func (c Constraint) String() string {
	return fmt.Sprintf("%s %s %.6g", c.Label, c.Op, c.RHS)
}

// SumEquals Σw == v
func SumEquals(n int, v float64) Constraint {
	return Group(n, allIndices(n), EQ, v, "sum")
}

// Group Σ_{i∈idx} w_i (op) v
func Group(n int, idx []int, op Op, v float64, label string) Constraint {
	coeffs := make([]float64, n)
	for _, i := range idx {
		coeffs[i] = 1
	}
	return Constraint{Coeffs: coeffs, Op: op, RHS: v, Label: label}
}

// FixZero w_i == 0
func FixZero(n, i int) Constraint {
	return Group(n, []int{i}, EQ, 0, fmt.Sprintf("zero[%d]", i))
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// Problem is a long-only mean-variance problem:
//
//	minimize wᵀΣw − λ·μᵀw  s.t. constraints, Lower <= w <= Upper
//
// Nil Lower/Upper mean 0 and 1.
type Problem struct {
	Sigma       *mat.SymDense
	Mu          []float64
	Lambda      float64
	Constraints []Constraint
	Lower       []float64
	Upper       []float64
}

// N is the number of instruments
func (p *Problem) N() int { return len(p.Mu) }

// Clone returns a deep copy that shares only the covariance matrix
// (which the solver never writes to).
func (p *Problem) Clone() *Problem {
	out := &Problem{
		Sigma:       p.Sigma,
		Mu:          append([]float64(nil), p.Mu...),
		Lambda:      p.Lambda,
		Constraints: make([]Constraint, len(p.Constraints)),
	}
	for i, c := range p.Constraints {
		out.Constraints[i] = c.clone()
	}
	if p.Lower != nil {
		out.Lower = append([]float64(nil), p.Lower...)
	}
	if p.Upper != nil {
		out.Upper = append([]float64(nil), p.Upper...)
	}
	return out
}

// Add appends constraints
func (p *Problem) Add(cs ...Constraint) {
	p.Constraints = append(p.Constraints, cs...)
}

func (p *Problem) lower(i int) float64 {
	if p.Lower == nil {
		return 0
	}
	return p.Lower[i]
}

func (p *Problem) upper(i int) float64 {
	if p.Upper == nil {
		return 1
	}
	return p.Upper[i]
}

func (p *Problem) validate() error {
	n := p.N()
	if n == 0 {
		return fmt.Errorf("empty problem")
	}
	if p.Sigma == nil || p.Sigma.SymmetricDim() != n {
		return fmt.Errorf("covariance dimension mismatch")
	}
	if p.Lower != nil && len(p.Lower) != n {
		return fmt.Errorf("lower bounds: got %d, want %d", len(p.Lower), n)
	}
	if p.Upper != nil && len(p.Upper) != n {
		return fmt.Errorf("upper bounds: got %d, want %d", len(p.Upper), n)
	}
	for _, c := range p.Constraints {
		if len(c.Coeffs) != n {
			return fmt.Errorf("constraint %q: got %d coefficients, want %d", c.Label, len(c.Coeffs), n)
		}
	}
	return nil
}

// Cost wᵀΣw − λ·μᵀw
func Cost(w []float64, sigma mat.Symmetric, mu []float64, lambda float64) float64 {
	wv := mat.NewVecDense(len(w), append([]float64(nil), w...))
	var ret float64
	for i := range w {
		ret += w[i] * mu[i]
	}
	return mat.Inner(wv, sigma, wv) - lambda*ret
}

// Satisfies reports whether w meets every constraint and bound of p
func (p *Problem) Satisfies(w []float64, tol float64) bool {
	for i := range w {
		if w[i] < p.lower(i)-tol || w[i] > p.upper(i)+tol {
			return false
		}
	}
	for _, c := range p.Constraints {
		if !c.Satisfied(w, tol) {
			return false
		}
	}
	return true
}
