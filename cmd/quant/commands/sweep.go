package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/allocator/internal/optconfig"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "위험점수 0~1 (101개 지점) 포트폴리오 스윕",
	Long: `위험점수 0.00, 0.01, ..., 1.00 각각에 대해 포트폴리오를 계산합니다.
불가능한 지점은 결과 없이 표시됩니다.

Example:
  go run ./cmd/quant sweep --settings config/settings/balanced.yaml
  go run ./cmd/quant sweep --settings config/settings/balanced.yaml --budget 50000 --save`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().StringVar(&settingsPath, "settings", "", "설정 YAML 경로")
	sweepCmd.Flags().Float64Var(&budget, "budget", 10000, "투자 금액")
	sweepCmd.Flags().BoolVar(&saveResult, "save", false, "스윕 결과를 DB에 저장")
	_ = sweepCmd.MarkFlagRequired("settings")
}

func runSweep(cmd *cobra.Command, args []string) error {
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
		Title:    "Risk Sweep",
		ConfigID: e.opt.Meta.ConfigID,
		AsOf:     u.AsOf(),
		Settings: settings.ID,
	})

	points, err := e.calc.Sweep(ctx, settings, u, budget, e.data)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	widths := []int{6, 10, 10, 10, 10}
	PrintTableHeader([]string{"Risk", "Lambda", "Return", "StdDev", "Positions"}, widths)
	feasible := 0
	for _, p := range points {
		if !p.Feasible() {
			PrintTableRow([]string{fmt.Sprintf("%.2f", p.RiskScore), "-", "-", "-", "infeasible"}, widths)
			continue
		}
		feasible++
		r := p.Result
		PrintTableRow([]string{
			fmt.Sprintf("%.2f", p.RiskScore),
			fmt.Sprintf("%.4f", r.Lambda),
			pct(r.ExpectedReturn),
			pct(r.StdDev),
			fmt.Sprintf("%d", len(r.Weights)),
		}, widths)
	}
	PrintSeparator()
	PrintKeyValue("Feasible", fmt.Sprintf("%d / %d", feasible, len(points)), 10)

	if feasible == 0 {
		PrintWarning("No feasible portfolio for any risk score")
	}

	if saveResult {
		id, err := e.repo.SaveSweep(ctx, settings.ID, points)
		if err != nil {
			return fmt.Errorf("failed to save sweep: %w", err)
		}
		PrintSuccess(fmt.Sprintf("Saved sweep %s", id))
	}

	PrintCompletion("Sweep", started)
	return nil
}
