package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/allocator/internal/rebalance"
)

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "기존 목표(goal) 리밸런스",
	Long: `보유 lot과 현금을 기준으로 목표 비중을 다시 계산하고 주문을 생성합니다.

사유:
- METRIC_CHANGE: 승인된 설정 변경
- DEPOSIT: 입금 현금 투자
- WITHDRAWAL: 보유 비중 하한 불가 → lot 매도
- DRIFT: 자산군 비중 이탈

Example:
  go run ./cmd/quant rebalance --goal goal-1 --dry-run
  go run ./cmd/quant rebalance --goal goal-1`,
	RunE: runRebalance,
}

var (
	goalID string
	dryRun bool
)

func init() {
	rootCmd.AddCommand(rebalanceCmd)

	rebalanceCmd.Flags().StringVar(&goalID, "goal", "", "목표 ID")
	rebalanceCmd.Flags().BoolVar(&dryRun, "dry-run", false, "주문 생성 없이 계획만 출력")
	_ = rebalanceCmd.MarkFlagRequired("goal")
}

func runRebalance(cmd *cobra.Command, args []string) error {
	started := time.Now()
	ctx := cmd.Context()

	e, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	goal, err := e.exec.GetGoal(ctx, goalID)
	if err != nil {
		return fmt.Errorf("failed to get goal %s: %w", goalID, err)
	}

	u, err := e.universe.Instruments(ctx, e.data)
	if err != nil {
		return fmt.Errorf("failed to build universe: %w", err)
	}

	meta := RunMetadata{Title: "Rebalance", ConfigID: e.opt.Meta.ConfigID, AsOf: u.AsOf()}
	if goal.ApprovedSettings != nil {
		meta.Settings = goal.ApprovedSettings.ID
	}
	if dryRun {
		meta.Title = "Rebalance (dry run)"
	}
	PrintRunHeader(meta)

	var plan *rebalance.Plan
	if dryRun {
		plan, err = e.policy.Plan(ctx, goal, u)
	} else {
		plan, err = e.policy.Rebalance(ctx, goal, u)
	}
	if err != nil {
		return fmt.Errorf("rebalance failed: %w", err)
	}
	printPlan(plan)

	PrintCompletion("Rebalance", started)
	return nil
}

func printPlan(plan *rebalance.Plan) {
	PrintKeyValue("Goal", plan.GoalID, 8)
	PrintKeyValue("Reason", string(plan.Reason), 8)
	PrintKeyValue("Value", fmt.Sprintf("%.2f", plan.Value), 8)
	fmt.Println()

	if plan.Result != nil {
		PrintResult(plan.Result)
		fmt.Println()
	}

	if len(plan.Removed) > 0 {
		widths := []int{36, 12, 8, 16}
		PrintTableHeader([]string{"Released lot", "Instrument", "Units", "Bucket"}, widths)
		for _, r := range plan.Removed {
			PrintTableRow([]string{r.LotID, string(r.InstrumentID), fmt.Sprintf("%d", r.Units), r.Bucket.String()}, widths)
		}
		fmt.Println()
	}

	if len(plan.Requests) == 0 {
		PrintInfo("No trades required")
		return
	}

	widths := []int{12, 6, 8, 12, 14}
	PrintTableHeader([]string{"Instrument", "Side", "Units", "Limit", "Amount"}, widths)
	for _, r := range plan.Requests {
		PrintTableRow([]string{
			string(r.InstrumentID),
			string(r.Side),
			fmt.Sprintf("%d", r.Units),
			r.LimitPrice.StringFixed(2),
			r.Amount().StringFixed(2),
		}, widths)
	}
	if plan.Order != nil {
		fmt.Println()
		PrintSuccess(fmt.Sprintf("Market order %s recorded (%s)", plan.Order.ID, plan.Order.Reason))
	}
}
