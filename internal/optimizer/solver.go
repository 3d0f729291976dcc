package optimizer

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/wonny/allocator/internal/contracts"
)

// Options tune the active-set solver
type Options struct {
	Ridge         float64 // added to Σ's diagonal to make the Hessian strictly convex
	Tolerance     float64
	MaxIterations int
}

// DefaultOptions returns the solver defaults
func DefaultOptions() Options {
	return Options{
		Ridge:         1e-10,
		Tolerance:     1e-10,
		MaxIterations: 1000,
	}
}

// Solution is an optimal weight vector
type Solution struct {
	Weights    []float64
	Cost       float64
	Iterations int
}

// Solver is a primal active-set QP solver for Problem.
// ⭐ SSOT: 모든 포트폴리오 최적화는 이 솔버를 통해서만 수행
type Solver struct {
	opts Options
	log  zerolog.Logger
}

// New creates a solver
func New(opts Options, log zerolog.Logger) *Solver {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultOptions().MaxIterations
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultOptions().Tolerance
	}
	return &Solver{
		opts: opts,
		log:  log.With().Str("component", "optimizer").Logger(),
	}
}

// Feasible reports whether the problem has any feasible point
func (s *Solver) Feasible(p *Problem) bool {
	_, err := p.FeasiblePoint()
	return err == nil
}

// Solve minimises wᵀΣw − λμᵀw. Infeasible problems return a *contracts.SolverError
// with Infeasible set; numerical trouble returns a plain *contracts.SolverError.
// The result is deterministic for a given problem.
func (s *Solver) Solve(p *Problem) (*Solution, error) {
	w, err := p.FeasiblePoint()
	if err != nil {
		return nil, err
	}
	rows, err := p.rows()
	if err != nil {
		return nil, err
	}

	n := p.N()
	tol := s.opts.Tolerance

	// H = 2(Σ + ridge·I)
	H := mat.NewSymDense(n, nil)
	H.ScaleSym(2, p.Sigma)
	for i := 0; i < n; i++ {
		H.SetSym(i, i, H.At(i, i)+2*s.opts.Ridge)
	}

	// working set: all equalities plus independent inequalities active at w
	var basis echelon
	active := make([]bool, len(rows))
	for j, r := range rows {
		if r.eq {
			basis.addRow(r.a)
			active[j] = true
		}
	}
	for j, r := range rows {
		if !r.eq && math.Abs(dot(r.a, w)-r.b) <= 1e-9 && basis.addRow(r.a) {
			active[j] = true
		}
	}

	iter := 0
	for ; iter < s.opts.MaxIterations; iter++ {
		working := activeIndices(active)

		g := make([]float64, n)
		for i := 0; i < n; i++ {
			for k := 0; k < n; k++ {
				g[i] += H.At(i, k) * w[k]
			}
			g[i] -= p.Lambda * p.Mu[i]
		}

		step, nu, err := solveKKT(H, rows, working, g)
		if err != nil {
			return nil, &contracts.SolverError{Message: fmt.Sprintf("iteration %d: %v", iter, err)}
		}

		if maxAbs(step) <= tol {
			// optimal on the working face; check multiplier signs
			drop, most := -1, -tol
			for k, j := range working {
				if rows[j].eq {
					continue
				}
				if nu[k] < most {
					drop, most = j, nu[k]
				}
			}
			if drop < 0 {
				break
			}
			active[drop] = false
			continue
		}

		alpha, blocking := 1.0, -1
		for j, r := range rows {
			if active[j] || r.eq {
				continue
			}
			ap := dot(r.a, step)
			if ap >= -1e-14 {
				continue
			}
			a := math.Max((r.b-dot(r.a, w))/ap, 0)
			if a < alpha {
				alpha, blocking = a, j
			}
		}

		for i := range w {
			w[i] += alpha * step[i]
		}
		if blocking >= 0 {
			active[blocking] = true
		}
	}

	if iter >= s.opts.MaxIterations {
		s.log.Warn().Int("iterations", iter).Int("n", n).Msg("active-set solver hit iteration limit")
		return nil, &contracts.SolverError{Message: fmt.Sprintf("no convergence after %d iterations", iter)}
	}

	clean(w, p)
	if !p.Satisfies(w, 1e-7) {
		return nil, &contracts.SolverError{Message: "solution violates constraints after cleanup"}
	}

	s.log.Debug().Int("iterations", iter).Int("n", n).Float64("lambda", p.Lambda).Msg("solved")
	return &Solution{
		Weights:    w,
		Cost:       Cost(w, p.Sigma, p.Mu, p.Lambda),
		Iterations: iter,
	}, nil
}

// solveKKT solves
//
//	[ H   −Aᵀ ] [p]   [−g]
//	[ A    0  ] [ν] = [ 0]
//
// for the working-set rows A.
func solveKKT(H *mat.SymDense, rows []row, working []int, g []float64) ([]float64, []float64, error) {
	n := H.SymmetricDim()
	m := len(working)
	size := n + m

	K := mat.NewDense(size, size, nil)
	rhs := mat.NewVecDense(size, nil)
	for i := 0; i < n; i++ {
		for k := 0; k < n; k++ {
			K.Set(i, k, H.At(i, k))
		}
		rhs.SetVec(i, -g[i])
	}
	for c, j := range working {
		for i, v := range rows[j].a {
			K.Set(n+c, i, v)
			K.Set(i, n+c, -v)
		}
	}

	var x mat.VecDense
	if err := x.SolveVec(K, rhs); err != nil {
		// near-singular systems still produce a usable answer
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return nil, nil, fmt.Errorf("KKT system: %w", err)
		}
	}
	for i := 0; i < size; i++ {
		if math.IsNaN(x.AtVec(i)) {
			return nil, nil, fmt.Errorf("KKT system: NaN in solution")
		}
	}

	step := make([]float64, n)
	nu := make([]float64, m)
	for i := 0; i < n; i++ {
		step[i] = x.AtVec(i)
	}
	for c := 0; c < m; c++ {
		nu[c] = x.AtVec(n + c)
	}
	return step, nu, nil
}

// clean snaps tiny values to zero and clips to bounds
func clean(w []float64, p *Problem) {
	for i := range w {
		if math.Abs(w[i]) < 1e-12 {
			w[i] = 0
		}
		w[i] = math.Min(math.Max(w[i], p.lower(i)), p.upper(i))
	}
}

func activeIndices(active []bool) []int {
	out := make([]int, 0)
	for j, a := range active {
		if a {
			out = append(out, j)
		}
	}
	sort.Ints(out)
	return out
}

func maxAbs(v []float64) float64 {
	var m float64
	for _, x := range v {
		m = math.Max(m, math.Abs(x))
	}
	return m
}
