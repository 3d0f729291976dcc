package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Markowitz λ 스케일 보정",
	Long: `현재 유니버스로 위험점수 → λ 스케일(min, max, a, b, c)을 다시 계산하고 저장합니다.
스케일이 없으면 계산이 ConfigurationError로 실패하고,
max_scale_age보다 오래되면 경고가 기록됩니다.

Example:
  go run ./cmd/quant calibrate`,
	RunE: runCalibrate,
}

func init() {
	rootCmd.AddCommand(calibrateCmd)
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	started := time.Now()
	ctx := cmd.Context()

	e, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	u, err := e.universe.Instruments(ctx, e.data)
	if err != nil {
		return fmt.Errorf("failed to build universe: %w", err)
	}

	PrintRunHeader(RunMetadata{Title: "Markowitz Calibration", ConfigID: e.opt.Meta.ConfigID, AsOf: u.AsOf()})

	scale, err := e.calibrator.Run(ctx, u, e.data)
	if err != nil {
		return fmt.Errorf("calibration failed: %w", err)
	}

	PrintKeyValue("Date", scale.Date.Format("2006-01-02"), 6)
	PrintKeyValue("Min λ", fmt.Sprintf("%.6f", scale.Min), 6)
	PrintKeyValue("Max λ", fmt.Sprintf("%.6f", scale.Max), 6)
	PrintKeyValue("a", fmt.Sprintf("%.6f", scale.A), 6)
	PrintKeyValue("b", fmt.Sprintf("%.6f", scale.B), 6)
	PrintKeyValue("c", fmt.Sprintf("%.6f", scale.C), 6)

	PrintCompletion("Calibration", started)
	return nil
}
