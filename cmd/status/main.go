// Command status prints the operator view of the trading state straight from
// the database: open positions, recent closed trades and realized P&L. It
// reads the same store the bot writes, so it works while the bot runs and
// after it has stopped.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"bracketbot/config"
	"bracketbot/internal/adapters/logger"
	"bracketbot/internal/adapters/sqlite"
)

func main() {
	recentN := flag.Int("recent", 10, "number of recent closed trades to show")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		// The status command only needs DB_PATH; fall back to the default
		// when full configuration (API keys etc.) is absent.
		cfg = &config.Config{DBPath: envOr("DB_PATH", "./data/bracketbot.db")}
	}

	store, err := sqlite.NewStore(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: logger.NewStdLogger(logger.LevelError),
	})
	if err != nil {
		log.Fatalf("failed to open store at %s: %v", cfg.DBPath, err)
	}
	defer store.Close()

	ctx := context.Background()

	open, err := store.FindOpen(ctx)
	if err != nil {
		log.Fatalf("failed to load open positions: %v", err)
	}

	fmt.Println("Open positions")
	ot := table.NewWriter()
	ot.SetOutputMirror(os.Stdout)
	ot.AppendHeader(table.Row{"ID", "Symbol", "Side", "Status", "Qty", "Entry", "Stop", "Take Profit", "Trailing", "Opened"})
	for _, p := range open {
		trailing := "-"
		if p.TrailingActive {
			trailing = fmt.Sprintf("dist %.2f hwm %.2f", p.TrailDistance, p.HighWaterMark)
		}
		ot.AppendRow(table.Row{
			p.ID, p.Symbol, p.Side, p.Status,
			fmt.Sprintf("%.6f", p.Quantity),
			fmt.Sprintf("%.2f", p.EntryPrice),
			fmt.Sprintf("%.2f", p.StopPrice),
			fmt.Sprintf("%.2f", p.TakeProfit),
			trailing,
			p.OpenedAt.Local().Format(time.DateTime),
		})
	}
	if len(open) == 0 {
		ot.AppendRow(table.Row{"-", "none", "", "", "", "", "", "", "", ""})
	}
	ot.Render()

	trades, err := store.Recent(ctx, *recentN)
	if err != nil {
		log.Fatalf("failed to load recent trades: %v", err)
	}

	fmt.Printf("\nRecent closed trades (last %d)\n", *recentN)
	tt := table.NewWriter()
	tt.SetOutputMirror(os.Stdout)
	tt.AppendHeader(table.Row{"ID", "Symbol", "Side", "Entry", "Exit", "Qty", "Fees", "P&L", "Reason", "Closed"})
	for _, e := range trades {
		tt.AppendRow(table.Row{
			e.ID, e.Symbol, e.Side,
			fmt.Sprintf("%.2f", e.EntryPrice),
			fmt.Sprintf("%.2f", e.ExitPrice),
			fmt.Sprintf("%.6f", e.Quantity),
			fmt.Sprintf("%.4f", e.Fees),
			fmt.Sprintf("%+.4f", e.RealizedPNL),
			e.CloseReason,
			e.ClosedAt.Local().Format(time.DateTime),
		})
	}
	tt.Render()

	for _, window := range []struct {
		label string
		since time.Duration
	}{
		{"24h", 24 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"30d", 30 * 24 * time.Hour},
	} {
		pnl, err := store.RealizedPNLSince(ctx, time.Now().Add(-window.since))
		if err != nil {
			log.Fatalf("failed to sum realized P&L: %v", err)
		}
		fmt.Printf("Realized P&L %-4s %+.4f\n", window.label, pnl)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
