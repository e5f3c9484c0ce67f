package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"roma/config"
	"roma/ledger"
)

// report prints a performance summary for every agent in the ledger,
// ranked by total realized pnl
func main() {
	configFile := flag.String("config", "config.json", "configuration file")
	trades := flag.Int("trades", 10, "recent trades to show per agent")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}

	store, err := ledger.Open(cfg.Database.SQLitePath, cfg.Database.PostgresURL)
	if err != nil {
		log.Fatalf("❌ Failed to open ledger: %v", err)
	}
	defer store.Close()

	type ranked struct {
		id   string
		name string
		perf *ledger.Performance
	}
	var entries []ranked
	for _, agentCfg := range cfg.Agents {
		perf, err := store.ComputePerformance(agentCfg.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  %s: %v\n", agentCfg.ID, err)
			continue
		}
		entries = append(entries, ranked{id: agentCfg.ID, name: agentCfg.Name, perf: perf})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].perf.TotalPnL > entries[j].perf.TotalPnL
	})

	fmt.Println(strings.Repeat("=", 100))
	fmt.Println("📊 AGENT PERFORMANCE REPORT")
	fmt.Println(strings.Repeat("=", 100))
	fmt.Println()

	fmt.Printf("%-4s %-20s %8s %8s %12s %8s %8s %10s\n",
		"#", "Agent", "Trades", "Win%", "Total P&L", "PF", "Sharpe", "MaxDD%")
	fmt.Println(strings.Repeat("-", 100))
	for i, e := range entries {
		p := e.perf
		fmt.Printf("%-4d %-20s %8d %7.1f%% %12.2f %8.2f %8.2f %9.1f%%\n",
			i+1, e.name, p.TotalTrades, p.WinRate, p.TotalPnL,
			p.ProfitFactor, p.SharpeRatio, p.MaxDrawdown)
	}
	fmt.Println()

	for _, e := range entries {
		fmt.Println(strings.Repeat("-", 100))
		fmt.Printf("📈 %s (%s)\n\n", e.name, e.id)

		if e.perf.TotalTrades == 0 {
			fmt.Println("   No closed trades yet")
			continue
		}

		fmt.Printf("   Avg win: %.2f | Avg loss: %.2f | Streak: %+d\n",
			e.perf.AvgWin, e.perf.AvgLoss, e.perf.Streak)
		if e.perf.BestSymbol != "" {
			fmt.Printf("   Best: %s (%.2f)", e.perf.BestSymbol, e.perf.SymbolStats[e.perf.BestSymbol].TotalPnL)
			if e.perf.WorstSymbol != "" && e.perf.WorstSymbol != e.perf.BestSymbol {
				fmt.Printf(" | Worst: %s (%.2f)", e.perf.WorstSymbol, e.perf.SymbolStats[e.perf.WorstSymbol].TotalPnL)
			}
			fmt.Println()
		}
		fmt.Println()

		recent, err := store.Trades(e.id, *trades)
		if err != nil || len(recent) == 0 {
			continue
		}
		fmt.Printf("   %-19s %-10s %-6s %10s %10s %10s\n",
			"Closed", "Symbol", "Side", "Entry", "Exit", "P&L")
		for _, t := range recent {
			fmt.Printf("   %-19s %-10s %-6s %10.4f %10.4f %+10.2f\n",
				t.ClosedAt.Format("2006-01-02 15:04"), t.Symbol, t.Side,
				t.EntryPrice, t.ExitPrice, t.RealizedPnL)
		}
	}
	fmt.Println(strings.Repeat("=", 100))
}
