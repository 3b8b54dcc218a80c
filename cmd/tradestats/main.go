// tradestats summarizes the trade ledger: per-symbol and per-exit-reason
// performance with win rates, fees and the worst offenders.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"spot-trading-agent/internal/exchange"
	"spot-trading-agent/internal/ledger"
)

type SymbolStats struct {
	Symbol        string
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalPnL      float64
	TotalLosses   float64
	WinRate       float64
	AvgPnL        float64
	Fees          float64
}

func main() {
	godotenv.Load()
	godotenv.Load(".env")

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	path := filepath.Join(dataDir, "trades.jsonl")
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	led, err := ledger.Open(path, zerolog.Nop())
	if err != nil {
		fmt.Printf("❌ Cannot open ledger %s: %v\n", path, err)
		os.Exit(1)
	}
	defer led.Close()

	records, err := led.Load()
	if err != nil {
		fmt.Printf("❌ Cannot read ledger: %v\n", err)
		os.Exit(1)
	}

	line := "================================================================================"
	fmt.Println(line)
	fmt.Println("📊 TRADE LEDGER ANALYSIS —", path)
	fmt.Println(line)

	symbolStats := make(map[string]*SymbolStats)
	reasonStats := make(map[string]*SymbolStats)
	var buys, sells int

	for _, r := range records {
		if r.Side == exchange.SideBuy {
			buys++
			continue
		}
		sells++

		s := symbolStats[r.Symbol]
		if s == nil {
			s = &SymbolStats{Symbol: r.Symbol}
			symbolStats[r.Symbol] = s
		}
		fold(s, r)

		reason := string(r.Reason)
		if reason == "" {
			reason = "UNKNOWN"
		}
		rs := reasonStats[reason]
		if rs == nil {
			rs = &SymbolStats{Symbol: reason}
			reasonStats[reason] = rs
		}
		fold(rs, r)
	}

	fmt.Printf("\n🔄 Ledger entries: %d (%d buys, %d sells)\n", len(records), buys, sells)

	if sells == 0 {
		fmt.Println("\n❌ No closed trades found")
		return
	}

	printTable("📈 TRADE PERFORMANCE BY SYMBOL", finalize(symbolStats))
	printTable("🎯 TRADE PERFORMANCE BY EXIT REASON", finalize(reasonStats))

	// Worst offenders stand out when the loss is concentrated.
	sorted := finalize(symbolStats)
	fmt.Println("\n" + line)
	fmt.Println("🔴 WORST PERFORMING SYMBOLS")
	fmt.Println(line)
	worstCount := 0
	for i := len(sorted) - 1; i >= 0 && worstCount < 5; i-- {
		s := sorted[i]
		if s.TotalPnL < 0 {
			avgLoss := 0.0
			if s.LosingTrades > 0 {
				avgLoss = s.TotalLosses / float64(s.LosingTrades)
			}
			fmt.Printf("   🔴 %s: $%.2f total | %d losses | Avg loss: $%.2f | Win rate: %.1f%%\n",
				s.Symbol, s.TotalPnL, s.LosingTrades, avgLoss, s.WinRate)
			worstCount++
		}
	}
	if worstCount == 0 {
		fmt.Println("   🟢 No losing symbols")
	}
}

func fold(s *SymbolStats, r ledger.Record) {
	s.TotalTrades++
	s.TotalPnL += r.RealizedPnL
	s.Fees += r.Fees
	if r.RealizedPnL > 0 {
		s.WinningTrades++
	} else {
		s.LosingTrades++
		s.TotalLosses += r.RealizedPnL
	}
}

func finalize(stats map[string]*SymbolStats) []*SymbolStats {
	var sorted []*SymbolStats
	for _, s := range stats {
		if s.TotalTrades > 0 {
			s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades) * 100
			s.AvgPnL = s.TotalPnL / float64(s.TotalTrades)
			sorted = append(sorted, s)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TotalPnL > sorted[j].TotalPnL
	})
	return sorted
}

func printTable(title string, sorted []*SymbolStats) {
	line := "================================================================================"
	fmt.Println("\n" + line)
	fmt.Println(title)
	fmt.Println(line)

	fmt.Println("┌──────────────────┬────────┬─────────┬─────────┬──────────────┬──────────┐")
	fmt.Println("│ Key              │ Trades │ Winners │ Losers  │ Total PnL    │ Win Rate │")
	fmt.Println("├──────────────────┼────────┼─────────┼─────────┼──────────────┼──────────┤")

	var grandTotal, grandFees float64
	var grandTrades, grandWins, grandLosses int

	for _, s := range sorted {
		emoji := "🟢"
		if s.TotalPnL < 0 {
			emoji = "🔴"
		}
		fmt.Printf("│ %s %-14s │ %6d │ %7d │ %7d │ %+12.2f │ %7.1f%% │\n",
			emoji, truncate(s.Symbol, 14),
			s.TotalTrades, s.WinningTrades, s.LosingTrades, s.TotalPnL, s.WinRate)

		grandTotal += s.TotalPnL
		grandTrades += s.TotalTrades
		grandWins += s.WinningTrades
		grandLosses += s.LosingTrades
		grandFees += s.Fees
	}

	fmt.Println("├──────────────────┼────────┼─────────┼─────────┼──────────────┼──────────┤")
	grandWinRate := 0.0
	if grandTrades > 0 {
		grandWinRate = float64(grandWins) / float64(grandTrades) * 100
	}
	fmt.Printf("│ 📊 TOTAL         │ %6d │ %7d │ %7d │ %+12.2f │ %7.1f%% │\n",
		grandTrades, grandWins, grandLosses, grandTotal, grandWinRate)
	fmt.Println("└──────────────────┴────────┴─────────┴─────────┴──────────────┴──────────┘")

	fmt.Printf("\n💸 Fees paid: $%.2f\n", grandFees)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
