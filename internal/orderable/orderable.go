package orderable

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/optimizer"
)

// Config holds the rounding thresholds
type Config struct {
	MinPct         float64 `yaml:"min_pct"`         // 최소 편입 비중 (3%)
	LimitPct       float64 `yaml:"limit_pct"`       // 이 이상이 잘리면 예산 부족으로 판단 (5%)
	AlignTolerance float64 `yaml:"align_tolerance"` // 정수 수량에서 이 비율 이내면 정렬된 것으로 간주
	MaxAligned     int     `yaml:"max_aligned"`     // 2^k 전수 탐색 상한
	Epsilon        float64 `yaml:"weight_epsilon"`  // Σw <= 1 + ε
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		MinPct:         0.03,
		LimitPct:       0.05,
		AlignTolerance: 0.01,
		MaxAligned:     12,
		Epsilon:        1e-4,
	}
}

// Request is one solved problem to make orderable
type Request struct {
	Problem  *optimizer.Problem
	Solution *optimizer.Solution
	Budget   float64
	Prices   []float64
	Align    bool
}

// Result is an orderable allocation
type Result struct {
	*optimizer.Solution
	Zeroed   []int // 컷오프로 0 고정된 인덱스
	Greedy   bool  // 정렬이 탐욕 근사로 수행됨
	Resolves int
}

// Engine turns continuous weights into weights that buy whole units
// ⭐ SSOT: 주문 가능 비중 변환은 여기서만
type Engine struct {
	cfg    Config
	solver *optimizer.Solver
	log    zerolog.Logger
}

// NewEngine creates an orderability engine
func NewEngine(cfg Config, solver *optimizer.Solver, log zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MinPct <= 0 {
		cfg.MinPct = def.MinPct
	}
	if cfg.LimitPct <= 0 {
		cfg.LimitPct = def.LimitPct
	}
	if cfg.AlignTolerance <= 0 {
		cfg.AlignTolerance = def.AlignTolerance
	}
	if cfg.MaxAligned <= 0 {
		cfg.MaxAligned = def.MaxAligned
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = def.Epsilon
	}
	return &Engine{
		cfg:    cfg,
		solver: solver,
		log:    log.With().Str("component", "orderable").Logger(),
	}
}

// MakeOrderable zeroes weights too small to hold and, with Align, rounds the
// rest to whole units. Among the roundings that fit the budget it keeps the
// one closest to the mix constraints, then the cheapest; a mix sum can still
// miss its target by less than one unit of a misaligned instrument. Weights
// with a positive lower bound are never cut and never rounded below their bound.
func (e *Engine) MakeOrderable(ctx context.Context, req Request) (*Result, error) {
	p := req.Problem
	n := p.N()
	if len(req.Prices) != n {
		return nil, fmt.Errorf("%w: %d prices for %d instruments", contracts.ErrConfiguration, len(req.Prices), n)
	}
	for i, price := range req.Prices {
		if !(price > 0) {
			return nil, fmt.Errorf("%w: non-positive price at %d", contracts.ErrConfiguration, i)
		}
	}
	if !(req.Budget > 0) {
		return nil, contracts.NewUnsatisfiable("budget %.2f is not positive", req.Budget)
	}

	res, err := e.cutoff(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Align {
		if err := e.align(res, p, req.Budget, req.Prices); err != nil {
			return nil, err
		}
	}
	res.Cost = optimizer.Cost(res.Weights, p.Sigma, p.Mu, p.Lambda)
	return res, nil
}

// =============================================================================
// Cutoff
// =============================================================================

func (e *Engine) cutoff(ctx context.Context, req Request) (*Result, error) {
	p := req.Problem.Clone()
	n := p.N()
	sol := &optimizer.Solution{
		Weights:    append([]float64(nil), req.Solution.Weights...),
		Cost:       req.Solution.Cost,
		Iterations: req.Solution.Iterations,
	}
	res := &Result{Solution: sol}
	zeroed := make([]bool, n)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var small []int
		var required float64
		for i, w := range res.Weights {
			if zeroed[i] || w <= 1e-12 || floored(p, i) {
				continue
			}
			if w < e.cfg.MinPct || w*req.Budget < req.Prices[i] {
				small = append(small, i)
				if w > e.cfg.LimitPct {
					required = math.Max(required, req.Prices[i]/w)
				}
			}
		}
		if len(small) == 0 {
			break
		}

		// 큰 비중이 잘려야 한다면 예산 부족
		if required > req.Budget {
			return nil, contracts.WithRequiredFunds(required,
				"budget %.2f cannot buy one unit of every instrument weighted above %.0f%%",
				req.Budget, e.cfg.LimitPct*100)
		}

		for _, i := range small {
			p.Add(optimizer.FixZero(n, i))
			zeroed[i] = true
			res.Zeroed = append(res.Zeroed, i)
		}
		next, err := e.solver.Solve(p)
		if err != nil {
			return nil, &contracts.UnsatisfiableError{
				Message: fmt.Sprintf("no feasible portfolio after zeroing %d small weights", len(res.Zeroed)),
				Err:     err,
			}
		}
		res.Solution = next
		res.Resolves++
	}

	for i := range zeroed {
		if zeroed[i] || res.Weights[i] <= 1e-12 {
			res.Weights[i] = 0
		}
	}
	return res, nil
}

// =============================================================================
// Alignment
// =============================================================================

// choice is the floor/ceil pair of a misaligned instrument
type choice struct {
	i      int
	lo, hi float64
}

func (e *Engine) align(res *Result, p *optimizer.Problem, budget float64, prices []float64) error {
	w := append([]float64(nil), res.Weights...)

	var choices []choice
	for i, wi := range w {
		if wi <= 0 {
			continue
		}
		units := wi * budget / prices[i]
		frac := units - math.Floor(units)
		if frac <= e.cfg.AlignTolerance || frac >= 1-e.cfg.AlignTolerance {
			continue
		}
		c := choice{
			i:  i,
			lo: math.Floor(units) * prices[i] / budget,
			hi: math.Ceil(units) * prices[i] / budget,
		}
		switch {
		case floored(p, i):
			// 보유 하한 아래로 내려갈 수 없음
			if c.lo < p.Lower[i]-1e-12 {
				c.lo = c.hi
			}
		case c.lo < e.cfg.MinPct:
			c.lo = 0
		}
		choices = append(choices, c)
	}
	if len(choices) == 0 {
		return nil
	}

	limit := 1 + e.cfg.Epsilon
	var ok bool
	if len(choices) <= e.cfg.MaxAligned {
		w, ok = e.enumerate(w, choices, p, limit)
	} else {
		e.log.Warn().
			Int("misaligned", len(choices)).
			Int("max_aligned", e.cfg.MaxAligned).
			Msg("too many misaligned instruments, rounding greedily")
		w, ok = e.greedy(w, choices, p, limit)
		res.Greedy = true
	}
	if !ok {
		return contracts.NewUnsatisfiable("no orderable rounding keeps total weight within %.4f", limit)
	}

	res.Solution = &optimizer.Solution{Weights: w, Iterations: res.Iterations}
	return nil
}

// violationTol treats mix violations this close as equal
const violationTol = 1e-9

// score ranks roundings: closest to the mix constraints first, then cheapest
type score struct {
	violation float64
	cost      float64
}

func (a score) better(b score) bool {
	if math.Abs(a.violation-b.violation) > violationTol {
		return a.violation < b.violation
	}
	return a.cost < b.cost
}

func scoreOf(p *optimizer.Problem, w []float64) score {
	return score{violation: mixViolation(p, w), cost: optimizer.Cost(w, p.Sigma, p.Mu, p.Lambda)}
}

// mixViolation is how far w lies outside the constraints of p. The Σw == 1
// row is left out: rounding replaces it with Σw <= 1 + ε.
func mixViolation(p *optimizer.Problem, w []float64) float64 {
	var v float64
	for _, c := range p.Constraints {
		if budgetRow(c) {
			continue
		}
		x := c.Eval(w)
		switch c.Op {
		case optimizer.GE:
			v += math.Max(0, c.RHS-x)
		case optimizer.LE:
			v += math.Max(0, x-c.RHS)
		default:
			v += math.Abs(x - c.RHS)
		}
	}
	return v
}

func budgetRow(c optimizer.Constraint) bool {
	if c.Op != optimizer.EQ || math.Abs(c.RHS-1) > violationTol {
		return false
	}
	for _, a := range c.Coeffs {
		if a != 1 {
			return false
		}
	}
	return true
}

// enumerate tries all 2^k floor/ceil combinations
func (e *Engine) enumerate(w []float64, choices []choice, p *optimizer.Problem, limit float64) ([]float64, bool) {
	k := len(choices)
	cand := append([]float64(nil), w...)
	var (
		best      []float64
		bestScore = score{violation: math.Inf(1), cost: math.Inf(1)}
	)
	for mask := 0; mask < 1<<k; mask++ {
		for b, c := range choices {
			if mask&(1<<b) != 0 {
				cand[c.i] = c.hi
			} else {
				cand[c.i] = c.lo
			}
		}
		if sum(cand) > limit {
			continue
		}
		if sc := scoreOf(p, cand); sc.better(bestScore) {
			bestScore = sc
			best = append(best[:0], cand...)
		}
	}
	return best, best != nil
}

// greedy starts from all floors and takes the best improving ceil move until none is left
func (e *Engine) greedy(w []float64, choices []choice, p *optimizer.Problem, limit float64) ([]float64, bool) {
	cand := append([]float64(nil), w...)
	for _, c := range choices {
		cand[c.i] = c.lo
	}
	if sum(cand) > limit {
		return nil, false
	}

	raised := make([]bool, len(choices))
	current := scoreOf(p, cand)
	for {
		move, moveScore := -1, current
		total := sum(cand)
		for b, c := range choices {
			if raised[b] || total-c.lo+c.hi > limit {
				continue
			}
			cand[c.i] = c.hi
			if sc := scoreOf(p, cand); sc.better(moveScore) {
				move, moveScore = b, sc
			}
			cand[c.i] = c.lo
		}
		if move < 0 {
			return cand, true
		}
		raised[move] = true
		cand[choices[move].i] = choices[move].hi
		current = moveScore
	}
}

func floored(p *optimizer.Problem, i int) bool {
	return p.Lower != nil && p.Lower[i] > 0
}

func sum(w []float64) float64 {
	var s float64
	for _, v := range w {
		s += v
	}
	return s
}
