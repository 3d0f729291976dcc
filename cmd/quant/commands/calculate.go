package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/allocator/internal/optconfig"
)

var calculateCmd = &cobra.Command{
	Use:   "calculate",
	Short: "설정 파일 기준 포트폴리오 계산",
	Long: `설정(위험점수, 자산군 비중 제약)에 맞는 주문 가능한 포트폴리오를 계산합니다.

단계:
- 유니버스 조회 (캐시 → 재빌드)
- 제약 컴파일 + Markowitz 스케일
- Black-Litterman 사후분포
- QP 최적화 → 정수 수량 변환

Example:
  go run ./cmd/quant calculate --settings config/settings/balanced.yaml --budget 10000
  go run ./cmd/quant calculate --settings config/settings/balanced.yaml --save`,
	RunE: runCalculate,
}

var (
	settingsPath string
	budget       float64
	saveResult   bool
)

func init() {
	rootCmd.AddCommand(calculateCmd)

	calculateCmd.Flags().StringVar(&settingsPath, "settings", "", "설정 YAML 경로")
	calculateCmd.Flags().Float64Var(&budget, "budget", 10000, "투자 금액")
	calculateCmd.Flags().BoolVar(&saveResult, "save", false, "결과를 DB에 저장")
	_ = calculateCmd.MarkFlagRequired("settings")
}

func runCalculate(cmd *cobra.Command, args []string) error {
	started := time.Now()
	ctx := cmd.Context()

	settings, err := optconfig.LoadSettings(settingsPath)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	e, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	u, err := e.universe.Instruments(ctx, e.data)
	if err != nil {
		return fmt.Errorf("failed to build universe: %w", err)
	}

	PrintRunHeader(RunMetadata{
		Title:    "Portfolio Calculation",
		ConfigID: e.opt.Meta.ConfigID,
		AsOf:     u.AsOf(),
		Settings: settings.ID,
	})

	result, err := e.calc.Calculate(ctx, settings, u, budget, e.data)
	if err != nil {
		return fmt.Errorf("calculation failed: %w", err)
	}
	PrintResult(result)

	if saveResult {
		id, err := e.repo.SaveResult(ctx, settings.ID, result)
		if err != nil {
			return fmt.Errorf("failed to save result: %w", err)
		}
		fmt.Println()
		PrintSuccess(fmt.Sprintf("Saved result %s", id))
	}

	PrintCompletion("Calculation", started)
	return nil
}
