package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dusan02/vercel-pmp-sub005/internal/cache"
	"github.com/dusan02/vercel-pmp-sub005/internal/model"
	"github.com/dusan02/vercel-pmp-sub005/internal/normalize"
	"github.com/dusan02/vercel-pmp-sub005/internal/session"
)

// testNow is 2026-08-26 14:00 ET, mid regular session.
var testNow = time.Date(2026, 8, 26, 14, 0, 0, 0, session.Eastern)

// fakeFetcher serves canned snapshots and records call order.
type fakeFetcher struct {
	mu    sync.Mutex
	snaps map[string]*model.RawSnapshot
	fails map[string]error
	calls []string
}

func (f *fakeFetcher) FetchSnapshot(ctx context.Context, symbol string) (*model.RawSnapshot, error) {
	f.mu.Lock()
	f.calls = append(f.calls, symbol)
	f.mu.Unlock()

	if err, ok := f.fails[symbol]; ok {
		return nil, err
	}
	if raw, ok := f.snaps[symbol]; ok {
		return raw, nil
	}
	return nil, fmt.Errorf("%s: not found", symbol)
}

func (f *fakeFetcher) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// memRefs is an in-memory ReferenceSource + ReferenceWriter.
type memRefs struct {
	mu   sync.Mutex
	rows map[string]*model.ReferencePrice
}

func newMemRefs() *memRefs {
	return &memRefs{rows: make(map[string]*model.ReferencePrice)}
}

func (m *memRefs) key(symbol, date string) string { return symbol + "|" + date }

func (m *memRefs) Lookup(symbol, date string) (*model.ReferencePrice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rp, ok := m.rows[m.key(symbol, date)]
	return rp, ok
}

func (m *memRefs) SetPreviousClose(symbol, date string, px decimal.Decimal, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(symbol, date)
	if _, exists := m.rows[k]; exists {
		return nil
	}
	m.rows[k] = &model.ReferencePrice{Symbol: symbol, Date: date, PreviousClose: px, Source: source}
	return nil
}

func (m *memRefs) SetRegularClose(symbol, date string, px decimal.Decimal, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rp, ok := m.rows[m.key(symbol, date)]; ok && rp.RegularClose == nil {
		rp.RegularClose = &px
	}
	return nil
}

func (m *memRefs) RecordSessionPrice(symbol, date string, price decimal.Decimal, quality model.Quality) error {
	return nil
}

func (m *memRefs) seed(symbol string, prevClose float64) {
	m.SetPreviousClose(symbol, session.TradingDate(testNow), decimal.NewFromFloat(prevClose), "test")
}

func tradeSnap(symbol string, price float64) *model.RawSnapshot {
	return &model.RawSnapshot{
		Ticker:    symbol,
		LastTrade: &model.Trade{Price: price, Timestamp: testNow.Add(-time.Minute).UnixNano()},
	}
}

func newTestEngine(cfg Config, f *fakeFetcher, refs *memRefs, pacer Pacer) (*Engine, *cache.Cache) {
	c := cache.New(cache.Config{Project: "test"}, nil)
	norm := normalize.New(refs)
	e := New(cfg, f, norm, c, refs, pacer)
	e.now = func() time.Time { return testNow }
	return e, c
}

func TestIngestBatch_FailureIsolation(t *testing.T) {
	refs := newMemRefs()
	refs.seed("A", 100)
	refs.seed("B", 100)
	refs.seed("C", 100)

	f := &fakeFetcher{
		snaps: map[string]*model.RawSnapshot{
			"A": tradeSnap("A", 103),
			"C": tradeSnap("C", 97),
		},
		fails: map[string]error{"B": errors.New("upstream 500")},
	}

	e, c := newTestEngine(Config{}, f, refs, nil)
	results, err := e.IngestBatch(context.Background(), []string{"A", "B", "C"})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	bySym := make(map[string]model.IngestResult, 3)
	for _, r := range results {
		bySym[r.Symbol] = r
	}
	if !bySym["A"].Success || !bySym["C"].Success {
		t.Errorf("expected A and C to succeed: %+v", bySym)
	}
	if bySym["B"].Success {
		t.Error("expected B to fail")
	}
	if bySym["B"].Error == "" {
		t.Error("expected error message on B")
	}

	// Successes land in the cache, the failure does not.
	if _, ok := c.GetSnapshot(context.Background(), "A"); !ok {
		t.Error("expected A cached")
	}
	if _, ok := c.GetSnapshot(context.Background(), "B"); ok {
		t.Error("did not expect B cached")
	}
}

func TestIngestBatch_EmptyUniverse(t *testing.T) {
	e, _ := newTestEngine(Config{}, &fakeFetcher{}, newMemRefs(), nil)
	if _, err := e.IngestBatch(context.Background(), nil); !errors.Is(err, ErrEmptyUniverse) {
		t.Fatalf("expected ErrEmptyUniverse, got %v", err)
	}
}

func TestIngestBatch_NoFetcher(t *testing.T) {
	c := cache.New(cache.Config{Project: "test"}, nil)
	e := New(Config{}, nil, normalize.New(newMemRefs()), c, nil, nil)
	if _, err := e.IngestBatch(context.Background(), []string{"A"}); !errors.Is(err, ErrNoFetcher) {
		t.Fatalf("expected ErrNoFetcher, got %v", err)
	}
}

func TestIngestBatch_OneResultPerSymbol(t *testing.T) {
	refs := newMemRefs()
	f := &fakeFetcher{snaps: map[string]*model.RawSnapshot{}, fails: map[string]error{}}
	symbols := make([]string, 10)
	for i := range symbols {
		sym := fmt.Sprintf("S%02d", i)
		symbols[i] = sym
		refs.seed(sym, 100)
		if i%3 == 0 {
			f.fails[sym] = errors.New("boom")
		} else {
			f.snaps[sym] = tradeSnap(sym, 100+float64(i))
		}
	}

	// Small chunks so the batch spans several of them.
	e, _ := newTestEngine(Config{ChunkSize: 3, Concurrency: 2}, f, refs, nil)
	results, err := e.IngestBatch(context.Background(), symbols)
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if len(results) != len(symbols) {
		t.Fatalf("expected %d results, got %d", len(symbols), len(results))
	}
	seen := make(map[string]bool)
	for _, r := range results {
		if seen[r.Symbol] {
			t.Errorf("duplicate result for %s", r.Symbol)
		}
		seen[r.Symbol] = true
	}
}

// slowPacer cancels the context on its first Wait to simulate shutdown
// between chunks.
type cancelPacer struct {
	cancel context.CancelFunc
}

func (p *cancelPacer) Wait(ctx context.Context) error {
	p.cancel()
	return ctx.Err()
}

func TestIngestBatch_CancelBetweenChunks(t *testing.T) {
	refs := newMemRefs()
	f := &fakeFetcher{snaps: map[string]*model.RawSnapshot{}}
	symbols := []string{"A", "B", "C", "D"}
	for _, sym := range symbols {
		refs.seed(sym, 100)
		f.snaps[sym] = tradeSnap(sym, 101)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e, _ := newTestEngine(Config{ChunkSize: 2}, f, refs, &cancelPacer{cancel: cancel})

	results, err := e.IngestBatch(ctx, symbols)
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	// Still one result per symbol: the first chunk real, the rest failed.
	if len(results) != len(symbols) {
		t.Fatalf("expected %d results, got %d", len(symbols), len(results))
	}
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if failed != 2 {
		t.Errorf("expected 2 cancelled results, got %d", failed)
	}
}

func TestIngestBatch_MissingReferenceStillCaches(t *testing.T) {
	// No reference row and no prevDay bar to seed from: the price is
	// servable, the change is not, and the ticker counts as failed.
	refs := newMemRefs()
	f := &fakeFetcher{snaps: map[string]*model.RawSnapshot{"NEWCO": tradeSnap("NEWCO", 50)}}

	e, c := newTestEngine(Config{}, f, refs, nil)
	results, err := e.IngestBatch(context.Background(), []string{"NEWCO"})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	r := results[0]
	if r.Success {
		t.Error("expected failure without reference")
	}
	if r.Price == nil || !r.Price.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected price 50 on failed result, got %v", r.Price)
	}
	if r.ChangePct != nil {
		t.Errorf("expected nil ChangePct, got %s", r.ChangePct)
	}

	snap, ok := c.GetSnapshot(context.Background(), "NEWCO")
	if !ok {
		t.Fatal("expected snapshot cached despite missing reference")
	}
	if snap.Reference.Used != model.RefNone {
		t.Errorf("reference used: got %s, want none", snap.Reference.Used)
	}
}

func TestIngestBatch_SeedsReferenceFromPrevDay(t *testing.T) {
	refs := newMemRefs()
	raw := tradeSnap("AAPL", 103)
	raw.PrevDay = &model.DayBar{Close: 100}
	f := &fakeFetcher{snaps: map[string]*model.RawSnapshot{"AAPL": raw}}

	e, _ := newTestEngine(Config{}, f, refs, nil)
	results, err := e.IngestBatch(context.Background(), []string{"AAPL"})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	r := results[0]
	if !r.Success {
		t.Fatalf("expected success via seeded reference, got %+v", r)
	}
	if r.ChangePct == nil || !r.ChangePct.Equal(decimal.NewFromInt(3)) {
		t.Errorf("expected changePct 3, got %v", r.ChangePct)
	}

	rp, ok := refs.Lookup("AAPL", session.TradingDate(testNow))
	if !ok {
		t.Fatal("expected reference row seeded")
	}
	if rp.Source != "snapshot.prevDay" {
		t.Errorf("seed source: got %q, want snapshot.prevDay", rp.Source)
	}
}

func TestIngestSequential_PreservesOrder(t *testing.T) {
	refs := newMemRefs()
	f := &fakeFetcher{snaps: map[string]*model.RawSnapshot{}, fails: map[string]error{"B": errors.New("boom")}}
	items := []string{"A", "B", "C"}
	for _, sym := range items {
		refs.seed(sym, 100)
	}
	f.snaps["A"] = tradeSnap("A", 101)
	f.snaps["C"] = tradeSnap("C", 99)

	e, _ := newTestEngine(Config{}, f, refs, nil)
	results, err := e.IngestSequential(context.Background(), items)
	if err != nil {
		t.Fatalf("IngestSequential: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, want := range items {
		if results[i].Item != want {
			t.Errorf("result %d: got %s, want %s", i, results[i].Item, want)
		}
	}
	if results[1].Error == "" || results[1].Result != nil {
		t.Errorf("expected B to carry an error and no record: %+v", results[1])
	}
	if got := f.callOrder(); len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Errorf("fetch order: got %v", got)
	}
}

func TestCaptureRegularClose_AfterHoursOnly(t *testing.T) {
	afterNow := time.Date(2026, 8, 26, 17, 0, 0, 0, session.Eastern)
	date := session.TradingDate(afterNow)

	refs := newMemRefs()
	refs.SetPreviousClose("AAPL", date, decimal.NewFromInt(100), "test")

	raw := &model.RawSnapshot{
		Ticker:    "AAPL",
		Day:       &model.DayBar{Close: 104.5},
		LastTrade: &model.Trade{Price: 104.6, Timestamp: afterNow.Add(-time.Minute).UnixNano()},
	}
	f := &fakeFetcher{snaps: map[string]*model.RawSnapshot{"AAPL": raw}}

	e, _ := newTestEngine(Config{}, f, refs, nil)
	e.now = func() time.Time { return afterNow }

	if _, err := e.IngestBatch(context.Background(), []string{"AAPL"}); err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}

	rp, ok := refs.Lookup("AAPL", date)
	if !ok || rp.RegularClose == nil {
		t.Fatal("expected regular close captured after hours")
	}
	if !rp.RegularClose.Equal(decimal.NewFromFloat(104.5)) {
		t.Errorf("regular close: got %s, want 104.5", rp.RegularClose)
	}
}

func TestApplyTrade_UpdatesCache(t *testing.T) {
	refs := newMemRefs()
	refs.seed("AAPL", 100)

	e, c := newTestEngine(Config{}, &fakeFetcher{}, refs, nil)
	e.ApplyTrade(context.Background(), "AAPL", 102, testNow.Add(-time.Second))

	snap, ok := c.GetSnapshot(context.Background(), "AAPL")
	if !ok {
		t.Fatal("expected trade folded into cache")
	}
	if !snap.Price.Equal(decimal.NewFromInt(102)) {
		t.Errorf("price: got %s, want 102", snap.Price)
	}
	if snap.Quality != model.QualityRealtime {
		t.Errorf("quality: got %s, want realtime", snap.Quality)
	}
}
