package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "quant",
	Short: "Allocator - 제약 기반 포트폴리오 최적화 엔진",
	Long: `Allocator Unified CLI

유니버스 구성 → 기대수익률/공분산 추정 → 제약 컴파일 →
Black-Litterman → Markowitz QP → 정수 수량 변환까지.

Usage:
  go run ./cmd/quant [command]

Examples:
  go run ./cmd/quant db migrate
  go run ./cmd/quant universe
  go run ./cmd/quant calibrate
  go run ./cmd/quant calculate --settings config/settings/balanced.yaml --budget 10000
  go run ./cmd/quant sweep --settings config/settings/balanced.yaml --save
  go run ./cmd/quant rebalance --goal goal-1 --dry-run`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optimizer YAML (default: $OPTIMIZER_CONFIG or built-in defaults)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug log level)")
}
