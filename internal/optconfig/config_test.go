package optconfig

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/prediction"
)

func TestLoad(t *testing.T) {
	path := "../../config/allocator.yaml"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Skip("config file not found")
	}

	cfg, yamlData, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Meta.ConfigID != "allocator_default" {
		t.Errorf("expected config_id=allocator_default, got %s", cfg.Meta.ConfigID)
	}
	if cfg.Rebalance.ShortTermHolding != 365*24*time.Hour {
		t.Errorf("expected short_term_holding=8760h, got %s", cfg.Rebalance.ShortTermHolding)
	}

	// 파일 값 = 기본값 → 동일 해시
	def := Default()
	def.Meta = cfg.Meta
	h1, err := Hash(cfg)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	h2, _ := Hash(def)
	if h1 != h2 {
		t.Error("file values drifted from defaults")
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 char hash, got %d", len(h1))
	}

	t.Logf("yaml size: %d bytes", len(yamlData))
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
prediction:
  model: investment_clock
portfolio:
  workers: 8
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Prediction.Model != prediction.KindInvestmentClock {
		t.Errorf("expected model=investment_clock, got %s", cfg.Prediction.Model)
	}
	if cfg.Portfolio.Workers != 8 {
		t.Errorf("expected workers=8, got %d", cfg.Portfolio.Workers)
	}
	// 지정하지 않은 값은 기본값 유지
	if cfg.Orderable.MinPct != 0.03 {
		t.Errorf("expected min_pct=0.03, got %f", cfg.Orderable.MinPct)
	}
	if got := cfg.ClockConfig().MaxAge; got != 45*24*time.Hour {
		t.Errorf("expected forecast max age 45d, got %s", got)
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Meta.ConfigID != "default" {
		t.Errorf("expected defaults, got %s", cfg.Meta.ConfigID)
	}
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("optimizer:\n  max_iter: 10\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{"min samples", func(c *Config) { c.Universe.MinSamples = 1 }, "universe.min_samples"},
		{"frequency", func(c *Config) { c.Universe.Frequency = "WEEKLY" }, "universe.frequency"},
		{"model", func(c *Config) { c.Prediction.Model = "arima" }, "prediction.model"},
		{"shrinkage", func(c *Config) { c.Prediction.Shrinkage = "" }, "prediction.shrinkage"},
		{"forecast ages", func(c *Config) { c.Prediction.ForecastMaxAge = time.Hour }, "prediction.forecast_max_age"},
		{"min pct", func(c *Config) { c.Orderable.MinPct = 3 }, "orderable.min_pct"},
		{"max aligned", func(c *Config) { c.Orderable.MaxAligned = 30 }, "orderable.max_aligned"},
		{"risk aversion", func(c *Config) { c.BlackLitterman.RiskAversion = 0 }, "black_litterman.risk_aversion"},
		{"max lambda", func(c *Config) { c.Markowitz.MaxLambda = 1 }, "markowitz.max_lambda"},
		{"var confidence", func(c *Config) { c.Portfolio.VaRConfidence = 1 }, "portfolio.var_confidence"},
		{"holding", func(c *Config) { c.Rebalance.ShortTermHolding = 0 }, "rebalance.short_term_holding"},
	}

	if err := Validate(Default()); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.edit(cfg)
			err := Validate(cfg)

			var ve ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tc.field {
				t.Errorf("expected field %s, got %s", tc.field, ve.Field)
			}
			if !errors.Is(err, contracts.ErrConfiguration) {
				t.Error("validation errors must match ErrConfiguration")
			}
		})
	}
}

func TestWarn(t *testing.T) {
	cfg := Default()
	cfg.Universe.MinSamples = 12
	cfg.Markowitz.MaxScaleAge = 60 * 24 * time.Hour

	warnings := Warn(cfg)
	if len(warnings) != 2 {
		t.Errorf("expected 2 warnings, got %d", len(warnings))
	}
	if len(Warn(Default())) != 0 {
		t.Error("defaults must not warn")
	}
}

func TestParseSettings(t *testing.T) {
	path := "../../config/settings/balanced.yaml"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Skip("settings file not found")
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	r, _ := s.RiskScore()
	if r != 0.5 {
		t.Errorf("expected risk score 0.5, got %f", r)
	}
	if len(s.MetricGroup.Metrics) != 3 {
		t.Errorf("expected 3 metrics, got %d", len(s.MetricGroup.Metrics))
	}
}

func TestParseSettings_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no risk score", "id: s\nportfolio_set_id: ps\nmetric_group:\n  metrics: []\n", "RISK_SCORE"},
		{"missing set", "id: s\n", "portfolio_set_id"},
		{"bad comparison", `
id: s
portfolio_set_id: ps
metric_group:
  metrics:
    - {type: RISK_SCORE, configured_val: 0.5}
    - {type: PORTFOLIO_MIX, feature_id: AU, comparison: AROUND, configured_val: 0.2}
`, "comparison"},
		{"out of range", `
id: s
portfolio_set_id: ps
metric_group:
  metrics:
    - {type: RISK_SCORE, configured_val: 1.5}
`, "configured_val"},
		{"unknown field", "id: s\nportfolio: ps\n", "portfolio"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSettings([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, contracts.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected %q in %v", tc.want, err)
			}
		})
	}
}
