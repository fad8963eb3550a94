// cmd/refbootstrap fetches and records settled previous closes for a ticker
// universe, one row per ticker per trading date. Safe to re-run: tickers
// already bootstrapped for the date are skipped.
//
// Usage:
//
//	go run ./cmd/refbootstrap --symbols=AAPL,MSFT,TSLA --date=2026-08-28
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dusan02/vercel-pmp-sub005/internal/provider"
	"github.com/dusan02/vercel-pmp-sub005/internal/refstore"
	"github.com/dusan02/vercel-pmp-sub005/internal/session"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	symbolsStr := flag.String("symbols", "", "Comma-separated tickers to bootstrap")
	date := flag.String("date", "", "Trading date YYYY-MM-DD (default: current ET trading date)")
	dbPath := flag.String("db", "data/reference.db", "Path to SQLite reference database")
	delay := flag.Duration("delay", 200*time.Millisecond, "Pause between upstream requests")
	flag.Parse()

	godotenv.Load()

	symbols := parseSymbols(*symbolsStr)
	if len(symbols) == 0 {
		log.Fatal("[refbootstrap] no symbols specified")
	}
	if *date == "" {
		*date = session.TradingDate(time.Now())
	}

	apiKey := os.Getenv("POLYGON_API_KEY")
	if apiKey == "" {
		log.Fatal("[refbootstrap] POLYGON_API_KEY not set")
	}

	client, err := provider.NewClient(provider.ClientConfig{
		APIKey:  apiKey,
		BaseURL: os.Getenv("POLYGON_BASE_URL"),
	})
	if err != nil {
		log.Fatalf("[refbootstrap] provider init failed: %v", err)
	}

	refs, err := refstore.Open(*dbPath)
	if err != nil {
		log.Fatalf("[refbootstrap] reference store open failed: %v", err)
	}
	defer refs.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[refbootstrap] interrupted, finishing current ticker")
		cancel()
	}()

	log.Printf("[refbootstrap] bootstrapping %d symbols for %s", len(symbols), *date)
	start := time.Now()
	results := refs.Bootstrap(ctx, symbols, *date, client, provider.NewPacer(*delay))

	fetched, skipped, failed := 0, 0, 0
	for _, r := range results {
		switch {
		case r.Skipped:
			skipped++
		case r.Success:
			fetched++
		default:
			failed++
			log.Printf("[refbootstrap] %s: %s", r.Symbol, r.Error)
		}
	}
	log.Printf("[refbootstrap] done in %s: fetched=%d skipped=%d failed=%d",
		time.Since(start).Round(time.Millisecond), fetched, skipped, failed)

	if failed > 0 {
		os.Exit(1)
	}
}

func parseSymbols(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
