package refstore

import (
	"context"
	"log"

	"github.com/shopspring/decimal"
)

// PrevCloseFetcher fetches the settled previous close for one ticker from
// the upstream provider.
type PrevCloseFetcher interface {
	FetchPreviousClose(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Pacer spaces successive upstream requests. Wait blocks until the next
// request may be issued or ctx is cancelled.
type Pacer interface {
	Wait(ctx context.Context) error
}

// BootstrapResult is the per-ticker outcome of a bootstrap run.
type BootstrapResult struct {
	Symbol  string `json:"symbol"`
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"` // already bootstrapped for this date
	Error   string `json:"error,omitempty"`
}

// Bootstrap fetches and records the settled previous close for every ticker,
// once per trading day. Idempotent: tickers already holding a row for date
// are skipped, so re-running never corrupts an already-correct value.
// Individual upstream failures are reported per ticker and never abort the
// run; partial success is the expected outcome. Returns early only on ctx
// cancellation, still with one result per processed ticker.
func (s *Store) Bootstrap(ctx context.Context, symbols []string, date string, fetch PrevCloseFetcher, pacer Pacer) []BootstrapResult {
	results := make([]BootstrapResult, 0, len(symbols))

	for _, sym := range symbols {
		if _, ok, err := s.Get(sym, date); err == nil && ok {
			results = append(results, BootstrapResult{Symbol: sym, Success: true, Skipped: true})
			continue
		}

		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				results = append(results, BootstrapResult{Symbol: sym, Error: err.Error()})
				return results
			}
		}

		pc, err := fetch.FetchPreviousClose(ctx, sym)
		if err != nil {
			results = append(results, BootstrapResult{Symbol: sym, Error: err.Error()})
			continue
		}
		if err := s.SetPreviousClose(sym, date, pc, "bootstrap"); err != nil {
			results = append(results, BootstrapResult{Symbol: sym, Error: err.Error()})
			continue
		}
		results = append(results, BootstrapResult{Symbol: sym, Success: true})
	}

	ok, failed := 0, 0
	for _, r := range results {
		if r.Success {
			ok++
		} else {
			failed++
		}
	}
	log.Printf("[refstore] bootstrap %s: %d ok, %d failed (of %d)", date, ok, failed, len(symbols))
	return results
}
