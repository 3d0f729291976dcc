package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/allocator/internal/api"
	"github.com/wonny/allocator/internal/api/handlers"
	"github.com/wonny/allocator/pkg/metrics"
)

// apiCmd represents the api command
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "API 서버 시작",
	Long: `REST API 서버를 시작합니다.

Endpoints:
  GET  /health                              - Health check
  GET  /api/universe                        - 유니버스 스냅샷
  POST /api/portfolios/calculate            - 포트폴리오 계산
  POST /api/portfolios/sweep                - 위험점수 스윕
  GET  /api/portfolios/{settingsID}/latest  - 저장된 최신 결과
  GET  /api/markowitz/scale                 - 현재 λ 스케일
  POST /api/markowitz/calibrate             - λ 스케일 보정
  POST /api/goals/{goalID}/rebalance        - 리밸런스 (?dry_run=true)

Example:
  go run ./cmd/quant api
  go run ./cmd/quant api --port 8080`,
	RunE: runAPIServer,
}

var (
	apiPort string
)

func init() {
	rootCmd.AddCommand(apiCmd)

	// Flags
	apiCmd.Flags().StringVar(&apiPort, "port", "", "API 서버 포트 (기본: $PORT)")
}

func runAPIServer(cmd *cobra.Command, args []string) error {
	fmt.Println("=== Allocator API Server ===")

	e, err := initEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	// Override port if flag is set
	if apiPort != "" {
		e.cfg.Port = apiPort
	}

	h := api.Handlers{
		Portfolio: handlers.NewPortfolioHandler(e.universe, e.data, e.calc, e.repo, e.log),
		Goal:      handlers.NewGoalHandler(e.universe, e.data, e.exec, e.policy, e.log),
		Markowitz: handlers.NewMarkowitzHandler(e.universe, e.data, e.calibrator, e.log),
	}
	if e.reg != nil {
		h.Metrics = metrics.Handler(e.reg)
	}

	server := api.New(e.cfg, e.log, api.NewRouter(h, e.log))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	e.log.Info("API server started successfully")
	fmt.Printf("\n✅ Server running on http://localhost:%s\n", e.cfg.Port)
	fmt.Println("\nPress Ctrl+C to stop")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	e.log.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	e.log.Info("Server stopped")
	return nil
}
