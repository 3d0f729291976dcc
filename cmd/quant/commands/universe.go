package commands

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/allocator/internal/contracts"
)

var universeCmd = &cobra.Command{
	Use:   "universe",
	Short: "오늘의 유니버스 스냅샷 조회",
	Long: `투자 가능 종목, 기대수익률, 시가총액 비중과 제외 사유를 표시합니다.
스냅샷은 Redis(활성화 시) 또는 메모리에 캐시됩니다.

Example:
  go run ./cmd/quant universe
  go run ./cmd/quant universe --excluded`,
	RunE: runUniverse,
}

var showExcluded bool

func init() {
	rootCmd.AddCommand(universeCmd)

	universeCmd.Flags().BoolVar(&showExcluded, "excluded", false, "제외된 종목과 사유 표시")
}

func runUniverse(cmd *cobra.Command, args []string) error {
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

	PrintRunHeader(RunMetadata{Title: "Universe Snapshot", ConfigID: e.opt.Meta.ConfigID, AsOf: u.AsOf()})
	PrintKeyValue("Instruments", fmt.Sprintf("%d", u.Len()), 12)
	PrintKeyValue("Samples", fmt.Sprintf("%d", u.SampleCount()), 12)
	PrintKeyValue("Excluded", fmt.Sprintf("%d", len(u.Excluded())), 12)
	fmt.Println()

	widths := []int{12, 10, 12, 10, 10, 8}
	PrintTableHeader([]string{"Instrument", "Symbol", "Asset class", "Price", "E[r]", "Mcap"}, widths)
	for _, row := range u.Rows() {
		PrintTableRow([]string{
			string(row.ID),
			row.Symbol,
			string(row.AssetClassID),
			fmt.Sprintf("%.2f", row.Price),
			pct(row.ExpectedReturn),
			pct(row.MarketWeight),
		}, widths)
	}

	if showExcluded && len(u.Excluded()) > 0 {
		fmt.Println()
		excluded := u.Excluded()
		ids := make([]string, 0, len(excluded))
		for id := range excluded {
			ids = append(ids, string(id))
		}
		sort.Strings(ids)

		widths := []int{12, 40}
		PrintTableHeader([]string{"Excluded", "Reason"}, widths)
		for _, id := range ids {
			PrintTableRow([]string{id, excluded[contracts.InstrumentID(id)]}, widths)
		}
	}

	PrintCompletion("Universe", started)
	return nil
}
