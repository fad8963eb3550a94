// Package engine implements the concurrency- and rate-limited batch
// ingestion pipeline: fetch, normalize, cache, reference write-through, with
// per-ticker failure isolation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dusan02/vercel-pmp-sub005/internal/cache"
	"github.com/dusan02/vercel-pmp-sub005/internal/model"
	"github.com/dusan02/vercel-pmp-sub005/internal/normalize"
	"github.com/dusan02/vercel-pmp-sub005/internal/session"
)

var (
	// ErrEmptyUniverse is a configuration error: a batch over zero tickers
	// is rejected before any fetch is attempted.
	ErrEmptyUniverse = errors.New("empty ticker universe")

	// ErrNoFetcher is a configuration error: the engine was built without
	// an upstream client.
	ErrNoFetcher = errors.New("no snapshot fetcher configured")
)

// SnapshotFetcher is the upstream per-ticker snapshot request.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbol string) (*model.RawSnapshot, error)
}

// ReferenceWriter is the write-through surface of the reference store.
type ReferenceWriter interface {
	SetPreviousClose(symbol, date string, px decimal.Decimal, source string) error
	SetRegularClose(symbol, date string, px decimal.Decimal, source string) error
	RecordSessionPrice(symbol, date string, price decimal.Decimal, quality model.Quality) error
}

// Pacer spaces successive batches (or sequential requests).
type Pacer interface {
	Wait(ctx context.Context) error
}

// Config tunes batching and concurrency. Zero values take the defaults.
type Config struct {
	ChunkSize    int           // tickers per batch, default 75
	Concurrency  int           // in-flight upstream calls per batch, default 10
	FetchTimeout time.Duration // per-request bound, default 10s
	SnapshotTTL  time.Duration // cache TTL for normalized records, default 5m
}

func (c *Config) defaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 75
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = 5 * time.Minute
	}
}

// Engine is the batch ingestion engine. The engine is the unified cache's
// sole writer.
type Engine struct {
	cfg     Config
	fetcher SnapshotFetcher
	norm    *normalize.Normalizer
	cache   *cache.Cache
	refs    ReferenceWriter // optional
	pacer   Pacer           // optional

	now func() time.Time

	// Metrics hooks. Optional.
	OnResult    func(success bool)
	OnFetchDone func(d time.Duration)
}

// New creates an Engine.
func New(cfg Config, fetcher SnapshotFetcher, norm *normalize.Normalizer, c *cache.Cache, refs ReferenceWriter, pacer Pacer) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:     cfg,
		fetcher: fetcher,
		norm:    norm,
		cache:   c,
		refs:    refs,
		pacer:   pacer,
		now:     time.Now,
	}
}

// IngestBatch pulls, normalizes, and caches snapshots for the whole ticker
// list. Tickers are partitioned into fixed-size batches; within a batch the
// fan-out is bounded by the concurrency limit, and the pacer delay runs
// between successive batches. Returns exactly one IngestResult per requested
// ticker — per-ticker failures never abort the batch, and ordering follows
// completion, not input. Only configuration errors fail the call itself.
func (e *Engine) IngestBatch(ctx context.Context, symbols []string) ([]model.IngestResult, error) {
	if e.fetcher == nil {
		return nil, ErrNoFetcher
	}
	if len(symbols) == 0 {
		return nil, ErrEmptyUniverse
	}

	start := e.now()
	results := make([]model.IngestResult, 0, len(symbols))

	for i := 0; i < len(symbols); i += e.cfg.ChunkSize {
		end := i + e.cfg.ChunkSize
		if end > len(symbols) {
			end = len(symbols)
		}
		chunk := symbols[i:end]

		if i > 0 && e.pacer != nil {
			if err := e.pacer.Wait(ctx); err != nil {
				// Cancelled between batches: the contract still owes one
				// result per symbol.
				for _, sym := range symbols[i:] {
					results = append(results, failResult(sym, err))
				}
				return results, nil
			}
		}

		results = append(results, e.runChunk(ctx, chunk)...)
	}

	ok := 0
	for i := range results {
		if results[i].Success {
			ok++
		}
		if e.OnResult != nil {
			e.OnResult(results[i].Success)
		}
	}
	log.Printf("[engine] ingested %d tickers in %v (%d ok, %d failed)",
		len(symbols), time.Since(start).Truncate(time.Millisecond), ok, len(results)-ok)
	return results, nil
}

// runChunk fans out one batch bounded by the concurrency limit and collects
// results as they complete.
func (e *Engine) runChunk(ctx context.Context, chunk []string) []model.IngestResult {
	sem := make(chan struct{}, e.cfg.Concurrency)
	resCh := make(chan model.IngestResult, len(chunk))

	var wg sync.WaitGroup
	for _, sym := range chunk {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			resCh <- e.ingestOne(ctx, symbol)
		}(sym)
	}
	wg.Wait()
	close(resCh)

	out := make([]model.IngestResult, 0, len(chunk))
	for r := range resCh {
		out = append(out, r)
	}
	return out
}

// IngestSequential is the rate-limited companion for upstreams with a hard
// requests-per-second cap: items are processed strictly in input order with
// the pacer delay between requests, and the returned tuples preserve that
// order.
func (e *Engine) IngestSequential(ctx context.Context, items []string) ([]model.SequentialResult, error) {
	if e.fetcher == nil {
		return nil, ErrNoFetcher
	}
	if len(items) == 0 {
		return nil, ErrEmptyUniverse
	}

	results := make([]model.SequentialResult, 0, len(items))
	for i, item := range items {
		if i > 0 && e.pacer != nil {
			if err := e.pacer.Wait(ctx); err != nil {
				for _, rest := range items[i:] {
					results = append(results, model.SequentialResult{Item: rest, Error: err.Error()})
				}
				return results, nil
			}
		}

		snap, err := e.fetchNormalizeStore(ctx, item)
		sr := model.SequentialResult{Item: item, Result: snap}
		if err != nil {
			sr.Error = err.Error()
		}
		if e.OnResult != nil {
			e.OnResult(err == nil)
		}
		results = append(results, sr)
	}
	return results, nil
}

// ingestOne processes a single ticker and always produces a result; any
// failure is that ticker's alone.
func (e *Engine) ingestOne(ctx context.Context, symbol string) model.IngestResult {
	snap, err := e.fetchNormalizeStore(ctx, symbol)
	if err != nil {
		r := failResult(symbol, err)
		if snap != nil {
			// A missing reference still yields a servable price.
			r.Price = &snap.Price
			r.ChangePct = snap.ChangePct
			ts := snap.Timestamp
			r.Timestamp = &ts
			r.Quality = snap.Quality
		}
		return r
	}

	r := model.IngestResult{Symbol: symbol, Success: true, Quality: snap.Quality}
	r.Price = &snap.Price
	r.ChangePct = snap.ChangePct
	ts := snap.Timestamp
	r.Timestamp = &ts
	return r
}

// fetchNormalizeStore is the shared per-ticker unit: bounded fetch,
// reference seeding, normalization, cache write, and close capture. The
// normalized record is returned even on ErrNoReferencePrice so callers can
// surface price-without-change.
func (e *Engine) fetchNormalizeStore(ctx context.Context, symbol string) (*model.NormalizedSnapshot, error) {
	now := e.now()

	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	fetchStart := time.Now()
	raw, err := e.fetcher.FetchSnapshot(fctx, symbol)
	if e.OnFetchDone != nil {
		e.OnFetchDone(time.Since(fetchStart))
	}
	if err != nil {
		return nil, err
	}

	e.seedReference(raw, symbol, now)

	snap, nerr := e.norm.Normalize(raw, now)
	if snap == nil {
		return nil, nerr
	}

	e.cache.SetSnapshot(ctx, snap, e.cfg.SnapshotTTL)
	e.captureRegularClose(raw, snap, now)
	return snap, nerr
}

// seedReference opportunistically bootstraps the previous close from the
// snapshot's own prevDay bar when the store has no row yet for today. The
// store insert is idempotent, so a daily bootstrap run remains authoritative.
func (e *Engine) seedReference(raw *model.RawSnapshot, symbol string, now time.Time) {
	if e.refs == nil || e.norm.Refs == nil {
		return
	}
	date := session.TradingDate(now)
	if _, ok := e.norm.Refs.Lookup(symbol, date); ok {
		return
	}
	pd, ok := raw.PreviousDayClose()
	if !ok {
		return
	}
	if err := e.refs.SetPreviousClose(symbol, date, decimal.NewFromFloat(pd), "snapshot.prevDay"); err != nil {
		log.Printf("[engine] seed reference %s: %v", symbol, err)
	}
}

// captureRegularClose records the settled regular close the first time an
// after-hours fetch observes it, plus a session price history row.
func (e *Engine) captureRegularClose(raw *model.RawSnapshot, snap *model.NormalizedSnapshot, now time.Time) {
	if e.refs == nil || session.Detect(now) != session.AfterHours {
		return
	}
	if raw.Day == nil || raw.Day.Close <= 0 {
		return
	}

	date := session.TradingDate(now)
	rc := decimal.NewFromFloat(raw.Day.Close)
	if err := e.refs.SetRegularClose(snap.Symbol, date, rc, "snapshot.day"); err != nil {
		log.Printf("[engine] regular close %s: %v", snap.Symbol, err)
		return
	}
	if err := e.refs.RecordSessionPrice(snap.Symbol, date, rc, snap.Quality); err != nil {
		log.Printf("[engine] session price %s: %v", snap.Symbol, err)
	}
}

// ApplyTrade folds a live trade print from the stream into the cache by
// normalizing a synthetic trade-only snapshot. Keeps the fast tier current
// between ingest cycles.
func (e *Engine) ApplyTrade(ctx context.Context, symbol string, price float64, ts time.Time) {
	raw := &model.RawSnapshot{
		Ticker:    symbol,
		LastTrade: &model.Trade{Price: price, Timestamp: ts.UnixNano()},
	}
	snap, err := e.norm.Normalize(raw, e.now())
	if snap == nil {
		log.Printf("[engine] apply trade %s: %v", symbol, err)
		return
	}
	e.cache.SetSnapshot(ctx, snap, e.cfg.SnapshotTTL)
}

func failResult(symbol string, err error) model.IngestResult {
	return model.IngestResult{Symbol: symbol, Error: fmt.Sprintf("%v", err)}
}
