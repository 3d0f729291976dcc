package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/wonny/allocator/internal/blacklitterman"
	"github.com/wonny/allocator/internal/constraints"
	"github.com/wonny/allocator/internal/markowitz"
	"github.com/wonny/allocator/internal/optconfig"
	"github.com/wonny/allocator/internal/optimizer"
	"github.com/wonny/allocator/internal/orderable"
	"github.com/wonny/allocator/internal/portfolio"
	"github.com/wonny/allocator/internal/prediction"
	"github.com/wonny/allocator/internal/rebalance"
	"github.com/wonny/allocator/internal/store"
	"github.com/wonny/allocator/internal/universe"
	"github.com/wonny/allocator/pkg/config"
	"github.com/wonny/allocator/pkg/database"
	"github.com/wonny/allocator/pkg/logger"
	"github.com/wonny/allocator/pkg/metrics"
	"github.com/wonny/allocator/pkg/redis"
)

// engine bundles every component a command needs
// ⭐ SSOT: CLI 의존성 조립은 initEngine에서만 수행
type engine struct {
	cfg *config.Config
	opt *optconfig.Config
	log *logger.Logger

	db    *database.DB
	redis *redis.Client
	rec   metrics.Recorder
	reg   *prometheus.Registry
	srv   *http.Server

	data *store.DataStore
	exec *store.ExecutionStore
	repo *portfolio.Repository

	solver     *optimizer.Solver
	universe   *universe.Service
	calc       *portfolio.Calculator
	calibrator *markowitz.Calibrator
	policy     *rebalance.Policy
}

// initEngine loads configuration and connects Postgres, Redis and metrics
func initEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	log := logger.New(cfg)

	opt, err := loadOptimizerConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load optimizer config: %w", err)
	}
	for _, w := range optconfig.Warn(opt) {
		log.WithField("code", w.Code).Warn(w.Message)
	}

	db, err := database.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	rdb, err := redis.New(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	e := &engine{cfg: cfg, opt: opt, log: log, db: db, redis: rdb, rec: metrics.Nop{}}
	if cfg.MetricsEnabled {
		e.startMetrics()
	}
	e.wire()

	log.WithFields(map[string]interface{}{
		"config_id": opt.Meta.ConfigID,
		"model":     opt.Prediction.Model,
		"redis":     rdb.Enabled(),
	}).Debug("Engine initialized")
	return e, nil
}

// loadOptimizerConfig reads --config, then $OPTIMIZER_CONFIG.
// Without a file the environment engine knobs override the defaults.
func loadOptimizerConfig(cfg *config.Config) (*optconfig.Config, error) {
	path := configFile
	if path == "" {
		path = cfg.Engine.OptimizerConfigPath
	}
	if path != "" {
		opt, _, err := optconfig.Load(path)
		return opt, err
	}

	opt := optconfig.Default()
	opt.Universe.CacheTTL = cfg.Engine.UniverseCacheTTL
	opt.Portfolio.Workers = cfg.Engine.SweepWorkers
	return opt, optconfig.Validate(opt)
}

func (e *engine) wire() {
	zl := e.log.Zerolog()
	opt := e.opt

	e.data = store.NewDataStore(e.db.Pool, nil)
	e.exec = store.NewExecutionStore(e.db.Pool, opt.Rebalance.ShortTermHolding)
	e.repo = portfolio.NewRepository(e.db.Pool)

	e.solver = optimizer.New(opt.OptimizerOptions(), zl)

	var cache universe.Cache = universe.NewMemoryCache()
	if e.redis.Enabled() {
		cache = universe.NewRedisCache(redis.NewCache(e.redis, "allocator"))
	}
	builder := universe.NewBuilder(opt.UniverseConfig(), newPredictor(opt, zl), e.rec, zl)
	e.universe = universe.NewService(builder, cache, opt.Universe.CacheTTL, e.rec, zl)

	e.calc = portfolio.NewCalculator(
		opt.PortfolioConfig(),
		constraints.NewCompiler(opt.Markowitz.MaxScaleAge, zl),
		blacklitterman.NewBlender(opt.BlackLitterman.RiskAversion, opt.BlackLitterman.Confidence, zl),
		e.solver,
		orderable.NewEngine(opt.OrderableConfig(), e.solver, zl),
		e.rec,
		e.log,
	)
	e.calibrator = markowitz.NewCalibrator(opt.CalibrationConfig(), e.solver, zl)
	e.policy = rebalance.NewPolicy(opt.RebalanceConfig(), e.calc, e.solver, e.data, e.exec, e.rec, e.log)
}

// newPredictor picks the configured prediction model
func newPredictor(opt *optconfig.Config, log zerolog.Logger) prediction.Predictor {
	if opt.Prediction.Model == prediction.KindInvestmentClock {
		return prediction.NewInvestmentClockPredictor(opt.ClockConfig(), log)
	}
	return prediction.NewHistoricalPredictor(opt.Prediction.Shrinkage, log)
}

// startMetrics serves the Prometheus registry on MetricsPort
func (e *engine) startMetrics() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	e.reg = reg
	e.rec = metrics.NewPrometheus(reg)

	e.srv = &http.Server{
		Addr:              ":" + e.cfg.MetricsPort,
		Handler:           metrics.Handler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := e.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.WithError(err).Error("Metrics server stopped")
		}
	}()
	e.log.WithField("port", e.cfg.MetricsPort).Info("Metrics server started")
}

// Close releases connections in reverse order
func (e *engine) Close() {
	if e.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.srv.Shutdown(ctx)
	}
	if err := e.redis.Close(); err != nil {
		e.log.WithError(err).Warn("Failed to close redis")
	}
	e.db.Close()
}
