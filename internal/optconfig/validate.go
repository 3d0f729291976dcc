package optconfig

import (
	"errors"
	"fmt"
	"time"

	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/prediction"
	"github.com/wonny/allocator/internal/risk"
)

// ValidationError 검증 실패 (프로그램 중단)
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is lets errors.Is(err, contracts.ErrConfiguration) match
func (e ValidationError) Is(target error) bool {
	return target == contracts.ErrConfiguration
}

// Warning 권장 위반 (경고만)
type Warning struct {
	Code    string
	Message string
}

// Validate checks all required constraints
// 실패 시 error 반환 (프로그램 중단)
func Validate(cfg *Config) error {
	// === Universe ===
	if cfg.Universe.MinSamples < 2 {
		return ValidationError{"universe.min_samples", "must be >= 2"}
	}
	switch cfg.Universe.Frequency {
	case contracts.Monthly, contracts.Daily:
	default:
		return ValidationError{"universe.frequency", "must be MONTHLY or DAILY"}
	}
	if cfg.Universe.CacheTTL < 0 {
		return ValidationError{"universe.cache_ttl", "must be >= 0"}
	}

	// === Prediction ===
	switch cfg.Prediction.Model {
	case prediction.KindHistorical, prediction.KindInvestmentClock:
	default:
		return ValidationError{"prediction.model", fmt.Sprintf("must be %s or %s", prediction.KindHistorical, prediction.KindInvestmentClock)}
	}
	if !cfg.Prediction.Shrinkage.Valid() {
		return ValidationError{"prediction.shrinkage", fmt.Sprintf("must be %s, %s or %s", risk.ShrinkNone, risk.ShrinkLedoitWolf, risk.ShrinkOAS)}
	}
	if cfg.Prediction.ForecastMaxAge < cfg.Prediction.ForecastWarnAge {
		return ValidationError{"prediction.forecast_max_age", "must be >= forecast_warn_age"}
	}

	// === Optimizer ===
	if cfg.Optimizer.Ridge < 0 {
		return ValidationError{"optimizer.ridge", "must be >= 0"}
	}
	if cfg.Optimizer.MaxIterations <= 0 {
		return ValidationError{"optimizer.max_iterations", "must be > 0"}
	}

	// === Orderable ===
	if err := validatePctRange(cfg.Orderable.MinPct, "orderable.min_pct"); err != nil {
		return err
	}
	if err := validatePctRange(cfg.Orderable.LimitPct, "orderable.limit_pct"); err != nil {
		return err
	}
	if cfg.Orderable.MaxAligned < 1 || cfg.Orderable.MaxAligned > 20 {
		// 2^k 조합 탐색
		return ValidationError{"orderable.max_aligned", "must be in [1, 20]"}
	}

	// === Black-Litterman ===
	if cfg.BlackLitterman.RiskAversion <= 0 {
		return ValidationError{"black_litterman.risk_aversion", "must be > 0"}
	}
	if cfg.BlackLitterman.Confidence <= 0 {
		return ValidationError{"black_litterman.confidence", "must be > 0"}
	}

	// === Markowitz ===
	if cfg.Markowitz.MaxScaleAge <= 0 {
		return ValidationError{"markowitz.max_scale_age", "must be > 0"}
	}
	if cfg.Markowitz.Concentration <= 0 || cfg.Markowitz.Concentration > 1 {
		return ValidationError{"markowitz.concentration", "must be in (0, 1]"}
	}
	if cfg.Markowitz.MaxLambda <= cfg.Markowitz.Anchor {
		return ValidationError{"markowitz.max_lambda", "must be > anchor"}
	}

	// === Portfolio ===
	if cfg.Portfolio.Workers <= 0 {
		return ValidationError{"portfolio.workers", "must be > 0"}
	}
	if cfg.Portfolio.VaRConfidence <= 0 || cfg.Portfolio.VaRConfidence >= 1 {
		return ValidationError{"portfolio.var_confidence", "must be in (0, 1)"}
	}

	// === Rebalance ===
	if cfg.Rebalance.ShortTermHolding <= 0 {
		return ValidationError{"rebalance.short_term_holding", "must be > 0"}
	}
	if cfg.Rebalance.CashEpsilon < 0 {
		return ValidationError{"rebalance.cash_epsilon", "must be >= 0"}
	}

	return nil
}

// Warn checks recommended constraints (non-fatal)
func Warn(cfg *Config) []Warning {
	var warnings []Warning

	if cfg.Universe.Frequency == contracts.Monthly && cfg.Universe.MinSamples < 24 {
		warnings = append(warnings, Warning{
			Code:    "FEW_SAMPLES",
			Message: "월별 관측 24개 미만: 공분산 추정 불안정",
		})
	}

	if !cfg.Portfolio.Align && cfg.Orderable.MinPct < 0.01 {
		warnings = append(warnings, Warning{
			Code:    "TINY_POSITIONS",
			Message: "min_pct < 1%: 소액 포지션 다수 발생 가능",
		})
	}

	if cfg.Markowitz.MaxScaleAge > 31*24*time.Hour {
		warnings = append(warnings, Warning{
			Code:    "STALE_SCALE",
			Message: "max_scale_age > 31일: 오래된 λ 스케일 사용 가능",
		})
	}

	return warnings
}

// ValidateSettings checks a settings object before compilation
func ValidateSettings(s *contracts.Settings) error {
	if s.ID == "" {
		return ValidationError{"id", "required"}
	}
	if s.PortfolioSetID == "" {
		return ValidationError{"portfolio_set_id", "required"}
	}
	if _, err := s.RiskScore(); err != nil {
		return err
	}

	var errs []error
	for i, m := range s.MetricGroup.Metrics {
		field := fmt.Sprintf("metric_group.metrics[%d]", i)
		if err := validatePctRange(m.ConfiguredVal, field+".configured_val"); err != nil {
			errs = append(errs, err)
		}
		switch m.Type {
		case contracts.MetricRiskScore:
		case contracts.MetricPortfolioMix:
			if m.FeatureID == "" {
				errs = append(errs, ValidationError{field + ".feature_id", "required for PORTFOLIO_MIX"})
			}
			switch m.Comparison {
			case contracts.Minimum, contracts.Exactly, contracts.Maximum:
			default:
				errs = append(errs, ValidationError{field + ".comparison", "must be MINIMUM, EXACTLY or MAXIMUM"})
			}
			if m.RebalanceThreshold < 0 {
				errs = append(errs, ValidationError{field + ".rebalance_threshold", "must be >= 0"})
			}
		default:
			errs = append(errs, ValidationError{field + ".type", fmt.Sprintf("unknown metric type %q", m.Type)})
		}
	}
	return errors.Join(errs...)
}

// validatePctRange는 비율 값이 0~1 범위인지 검증
func validatePctRange(pct float64, field string) error {
	if pct < 0 || pct > 1 {
		return ValidationError{field, "must be in range [0, 1]"}
	}
	return nil
}
