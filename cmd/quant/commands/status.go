package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/portfolio"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "저장된 최신 포트폴리오 조회",
	Long: `설정 ID로 마지막으로 저장된 포트폴리오 결과를 표시합니다.
--refresh를 지정하면 주기적으로 갱신합니다 (Ctrl+C로 종료).

Example:
  go run ./cmd/quant status --settings-id balanced
  go run ./cmd/quant status --settings-id balanced --refresh 5s`,
	RunE: runStatus,
}

var (
	// Status flags
	statusSettingsID string
	statusRefresh    time.Duration
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusSettingsID, "settings-id", "", "설정 ID")
	statusCmd.Flags().DurationVar(&statusRefresh, "refresh", 0, "갱신 간격 (0이면 한 번만)")
	_ = statusCmd.MarkFlagRequired("settings-id")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := connect(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	repo := portfolio.NewRepository(db.Pool)

	if statusRefresh <= 0 {
		return displayStatus(ctx, repo)
	}

	ticker := time.NewTicker(statusRefresh)
	defer ticker.Stop()

	// Initial display
	if err := displayStatus(ctx, repo); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n✅ Status monitor stopped")
			return nil

		case <-ticker.C:
			// Clear screen (ANSI escape code)
			fmt.Print("\033[H\033[2J")
			fmt.Printf("Refresh: %v | Last update: %s\n", statusRefresh, time.Now().Format("15:04:05"))

			if err := displayStatus(ctx, repo); err != nil {
				return err
			}
		}
	}
}

func displayStatus(ctx context.Context, repo *portfolio.Repository) error {
	result, err := repo.GetLatestResult(ctx, statusSettingsID)
	if errors.Is(err, contracts.ErrNotFound) {
		PrintWarning(fmt.Sprintf("No saved result for settings %s", statusSettingsID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get latest result: %w", err)
	}

	fmt.Println()
	PrintDoubleSeparator()
	fmt.Printf("  Latest portfolio: %s\n", statusSettingsID)
	fmt.Printf("  Calculated at   : %s\n", result.CalculatedAt.Format(time.RFC3339))
	PrintSeparator()
	PrintResult(result)
	return nil
}
