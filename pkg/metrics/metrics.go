package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Solver outcomes
const (
	OutcomeOK            = "ok"
	OutcomeUnsatisfiable = "unsatisfiable"
	OutcomeFailed        = "failed"
)

// Recorder is what the engine reports to. Nop discards everything.
// ⭐ SSOT: 엔진 메트릭 이름은 여기서만 정의
type Recorder interface {
	ObserveSolve(d time.Duration, outcome string)
	SweepPoint(feasible bool)
	UniverseBuilt(instruments int)
	UniverseCache(hit bool)
	Rebalance(reason string)
}

// Nop is a Recorder that records nothing
type Nop struct{}

func (Nop) ObserveSolve(time.Duration, string) {}
func (Nop) SweepPoint(bool)                    {}
func (Nop) UniverseBuilt(int)                  {}
func (Nop) UniverseCache(bool)                 {}
func (Nop) Rebalance(string)                   {}

// Prometheus records engine metrics into a registry
type Prometheus struct {
	solveDuration *prometheus.HistogramVec
	sweepPoints   *prometheus.CounterVec
	universeSize  prometheus.Gauge
	cacheLookups  *prometheus.CounterVec
	rebalances    *prometheus.CounterVec
}

// NewPrometheus registers the engine collectors on reg
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		solveDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "allocator_solve_duration_seconds",
			Help:    "Duration of a single constrained optimisation including orderability passes",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"outcome"}),
		sweepPoints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "allocator_sweep_points_total",
			Help: "Risk sweep points by feasibility",
		}, []string{"feasible"}),
		universeSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "allocator_universe_instruments",
			Help: "Instruments in the most recently built universe",
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "allocator_universe_cache_lookups_total",
			Help: "Universe cache lookups by result",
		}, []string{"result"}),
		rebalances: f.NewCounterVec(prometheus.CounterOpts{
			Name: "allocator_rebalances_total",
			Help: "Rebalance plans produced by reason",
		}, []string{"reason"}),
	}
}

func (p *Prometheus) ObserveSolve(d time.Duration, outcome string) {
	p.solveDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (p *Prometheus) SweepPoint(feasible bool) {
	label := "false"
	if feasible {
		label = "true"
	}
	p.sweepPoints.WithLabelValues(label).Inc()
}

func (p *Prometheus) UniverseBuilt(instruments int) {
	p.universeSize.Set(float64(instruments))
}

func (p *Prometheus) UniverseCache(hit bool) {
	label := "miss"
	if hit {
		label = "hit"
	}
	p.cacheLookups.WithLabelValues(label).Inc()
}

func (p *Prometheus) Rebalance(reason string) {
	p.rebalances.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
