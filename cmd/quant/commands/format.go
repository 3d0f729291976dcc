package commands

import (
	"fmt"
	"time"

	"github.com/wonny/allocator/internal/contracts"
)

// ═══════════════════════════════════════════════════════════
// Common Formatting Utilities
// 모든 커맨드가 동일한 출력 포맷을 사용하도록 통일
// ═══════════════════════════════════════════════════════════

// RunMetadata holds command execution metadata
type RunMetadata struct {
	Title    string
	ConfigID string
	AsOf     time.Time
	Settings string // Optional
}

// PrintRunHeader prints a formatted command header
func PrintRunHeader(meta RunMetadata) {
	fmt.Println()
	PrintDoubleSeparator()
	fmt.Printf("  %s\n", meta.Title)
	PrintSeparator()
	fmt.Printf("  Config    : %s\n", meta.ConfigID)
	fmt.Printf("  As of     : %s\n", meta.AsOf.Format("2006-01-02"))

	// Optional settings
	if meta.Settings != "" {
		fmt.Printf("  Settings  : %s\n", meta.Settings)
	}
	PrintSeparator()
}

// PrintCompletion prints the elapsed time of a command
func PrintCompletion(title string, started time.Time) {
	fmt.Println()
	fmt.Printf("✅ %s completed in %.2fs\n", title, time.Since(started).Seconds())
}

// PrintSeparator prints a visual separator
func PrintSeparator() {
	fmt.Println("───────────────────────────────────────────────────────────")
}

// PrintDoubleSeparator prints a double-line separator
func PrintDoubleSeparator() {
	fmt.Println("═══════════════════════════════════════════════════════════")
}

// PrintWarning prints a warning message
func PrintWarning(message string) {
	fmt.Println()
	fmt.Printf("⚠️  %s\n", message)
	fmt.Println()
}

// PrintSuccess prints a success message
func PrintSuccess(message string) {
	fmt.Printf("✅ %s\n", message)
}

// PrintInfo prints an info message
func PrintInfo(message string) {
	fmt.Printf("ℹ️  %s\n", message)
}

// PrintTableHeader prints a table header
func PrintTableHeader(columns []string, widths []int) {
	for i, col := range columns {
		fmt.Printf("%-*s", widths[i], col)
		if i < len(columns)-1 {
			fmt.Print("  ")
		}
	}
	fmt.Println()

	// Separator line
	totalWidth := 0
	for i, width := range widths {
		totalWidth += width
		if i < len(widths)-1 {
			totalWidth += 2 // spacing
		}
	}
	for i := 0; i < totalWidth; i++ {
		fmt.Print("─")
	}
	fmt.Println()
}

// PrintTableRow prints a table row
func PrintTableRow(values []string, widths []int) {
	for i, val := range values {
		fmt.Printf("%-*s", widths[i], val)
		if i < len(values)-1 {
			fmt.Print("  ")
		}
	}
	fmt.Println()
}

// PrintKeyValue prints key-value pairs
func PrintKeyValue(key string, value string, keyWidth int) {
	fmt.Printf("   %-*s : %s\n", keyWidth, key, value)
}

// PrintResult prints the risk figures and the weight table of a portfolio
func PrintResult(r *contracts.PortfolioResult) {
	PrintKeyValue("Risk score", fmt.Sprintf("%.2f", r.RiskScore), 16)
	PrintKeyValue("Lambda", fmt.Sprintf("%.4f", r.Lambda), 16)
	PrintKeyValue("Expected return", pct(r.ExpectedReturn), 16)
	PrintKeyValue("Std dev", pct(r.StdDev), 16)
	PrintKeyValue("VaR 95", pct(r.VaR95), 16)
	PrintKeyValue("Invested", pct(r.TotalWeight()), 16)
	fmt.Println()

	widths := []int{16, 10}
	PrintTableHeader([]string{"Instrument", "Weight"}, widths)
	for _, id := range r.SortedIDs() {
		PrintTableRow([]string{string(id), pct(r.Weights[id])}, widths)
	}
}

func pct(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}
