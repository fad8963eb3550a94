package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// memBackend is an in-memory Backend for tests, optionally failing every call.
type memBackend struct {
	mu      sync.Mutex
	store   map[string][]byte
	ttls    map[string]time.Duration
	failing bool
	gets    int
	sets    int
}

func newMemBackend() *memBackend {
	return &memBackend{store: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

var errBackendDown = errors.New("backend down")

func (b *memBackend) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	if b.failing {
		return nil, 0, errBackendDown
	}
	data, ok := b.store[key]
	if !ok {
		return nil, 0, ErrBackendMiss
	}
	return data, b.ttls[key], nil
}

func (b *memBackend) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sets++
	if b.failing {
		return errBackendDown
	}
	b.store[key] = data
	b.ttls[key] = ttl
	return nil
}

func (b *memBackend) Del(ctx context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errBackendDown
	}
	for _, k := range keys {
		delete(b.store, k)
		delete(b.ttls, k)
	}
	return nil
}

func (b *memBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return nil, errBackendDown
	}
	var out []string
	for k := range b.store {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (b *memBackend) Ping(ctx context.Context) error {
	if b.failing {
		return errBackendDown
	}
	return nil
}

func TestKeyFormat(t *testing.T) {
	c := New(Config{Project: "sp500"}, nil)
	if got := c.Key(KindSnapshot, "AAPL"); got != "sp500:snapshot:AAPL" {
		t.Errorf("key: got %q, want sp500:snapshot:AAPL", got)
	}
}

func TestGet_FastTierHit(t *testing.T) {
	b := newMemBackend()
	c := New(Config{Project: "test"}, b)
	ctx := context.Background()

	c.Set(ctx, KindSnapshot, "AAPL", []byte(`{"symbol":"AAPL"}`), time.Minute)

	data, ok := c.Get(ctx, KindSnapshot, "AAPL")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(data) != `{"symbol":"AAPL"}` {
		t.Errorf("data: got %s", data)
	}
	// Fast tier answered; only the Set touched the backend.
	if b.gets != 0 {
		t.Errorf("expected 0 backend gets, got %d", b.gets)
	}
	if b.sets != 1 {
		t.Errorf("expected 1 backend set, got %d", b.sets)
	}
}

func TestGet_ExpiredIsMiss(t *testing.T) {
	c := New(Config{Project: "test"}, nil)
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Set(ctx, KindSnapshot, "AAPL", []byte("x"), time.Minute)

	// Still fresh just inside the TTL.
	c.now = func() time.Time { return base.Add(59 * time.Second) }
	if _, ok := c.Get(ctx, KindSnapshot, "AAPL"); !ok {
		t.Fatal("expected hit inside TTL")
	}

	// Past the TTL the entry is a miss, never a silently served stale value.
	c.now = func() time.Time { return base.Add(61 * time.Second) }
	if _, ok := c.Get(ctx, KindSnapshot, "AAPL"); ok {
		t.Fatal("expected miss past TTL")
	}
}

func TestGet_RemoteFallbackRepopulatesFast(t *testing.T) {
	b := newMemBackend()
	c := New(Config{Project: "test"}, b)
	ctx := context.Background()

	// Entry exists only remotely, as if written by another process.
	b.store["test:snapshot:MSFT"] = []byte("remote")
	b.ttls["test:snapshot:MSFT"] = 30 * time.Second

	data, ok := c.Get(ctx, KindSnapshot, "MSFT")
	if !ok || string(data) != "remote" {
		t.Fatalf("expected remote fallback hit, got ok=%v data=%s", ok, data)
	}
	if b.gets != 1 {
		t.Errorf("expected 1 backend get, got %d", b.gets)
	}

	// Second read is served from the fast tier.
	if _, ok := c.Get(ctx, KindSnapshot, "MSFT"); !ok {
		t.Fatal("expected fast tier hit after repopulation")
	}
	if b.gets != 1 {
		t.Errorf("expected no further backend gets, got %d", b.gets)
	}

	st := c.Status()
	if st.RemoteHits != 1 {
		t.Errorf("remote hits: got %d, want 1", st.RemoteHits)
	}
}

func TestSet_BackendFailureNeverSurfaces(t *testing.T) {
	b := newMemBackend()
	b.failing = true
	c := New(Config{Project: "test"}, b)
	ctx := context.Background()

	// Writes keep landing in the fast tier while the backend is down.
	c.Set(ctx, KindSnapshot, "AAPL", []byte("x"), time.Minute)
	if _, ok := c.Get(ctx, KindSnapshot, "AAPL"); !ok {
		t.Fatal("expected fast tier to serve while backend down")
	}
}

func TestBreaker_DegradationAndStatus(t *testing.T) {
	b := newMemBackend()
	b.failing = true
	c := New(Config{Project: "test", BreakerMaxFailures: 3}, b)
	ctx := context.Background()

	var transitions []BreakerState
	c.OnBreakerChange = func(from, to BreakerState) {
		transitions = append(transitions, to)
	}

	// Each miss on an absent fast entry probes the failing backend.
	for i := 0; i < 4; i++ {
		c.Get(ctx, KindSnapshot, "GONE")
	}

	st := c.Status()
	if st.BackendHealth != "degraded" {
		t.Errorf("backend health: got %q, want degraded", st.BackendHealth)
	}
	if st.BreakerState != "open" {
		t.Errorf("breaker state: got %q, want open", st.BreakerState)
	}
	if len(transitions) == 0 || transitions[len(transitions)-1] != BreakerOpen {
		t.Errorf("expected transition to open, got %v", transitions)
	}

	// The cache still serves fast-tier content while degraded.
	c.Set(ctx, KindSnapshot, "AAPL", []byte("x"), time.Minute)
	if _, ok := c.Get(ctx, KindSnapshot, "AAPL"); !ok {
		t.Fatal("expected fast tier hit while degraded")
	}
}

func TestBreaker_RecoversAfterTimeout(t *testing.T) {
	b := newMemBackend()
	b.failing = true
	c := New(Config{Project: "test", BreakerMaxFailures: 2, BreakerResetTimeout: 10 * time.Millisecond}, b)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Get(ctx, KindSnapshot, "GONE")
	}
	if c.Status().BreakerState != "open" {
		t.Fatalf("expected open breaker, got %s", c.Status().BreakerState)
	}

	b.mu.Lock()
	b.failing = false
	b.mu.Unlock()
	time.Sleep(20 * time.Millisecond)

	// The half-open probe succeeds (a remote miss is a valid answer) and
	// closes the breaker.
	c.Get(ctx, KindSnapshot, "GONE")
	if got := c.Status().BreakerState; got != "closed" {
		t.Errorf("breaker state after recovery: got %q, want closed", got)
	}
	if got := c.Status().BackendHealth; got != "ok" {
		t.Errorf("backend health after recovery: got %q, want ok", got)
	}
}

func TestStatus_DisabledWithoutBackend(t *testing.T) {
	c := New(Config{Project: "test"}, nil)
	st := c.Status()
	if st.BackendHealth != "disabled" {
		t.Errorf("backend health: got %q, want disabled", st.BackendHealth)
	}
}

func TestClear_BothTiers(t *testing.T) {
	b := newMemBackend()
	c := New(Config{Project: "test"}, b)
	ctx := context.Background()

	c.Set(ctx, KindSnapshot, "AAPL", []byte("x"), time.Minute)
	c.Set(ctx, KindSnapshot, "MSFT", []byte("y"), time.Minute)
	c.Clear(ctx)

	if _, ok := c.Get(ctx, KindSnapshot, "AAPL"); ok {
		t.Error("expected AAPL gone after clear")
	}
	b.mu.Lock()
	remaining := len(b.store)
	b.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected empty backend after clear, got %d keys", remaining)
	}
}

func TestHitRate(t *testing.T) {
	c := New(Config{Project: "test"}, nil)
	ctx := context.Background()

	c.Set(ctx, KindSnapshot, "AAPL", []byte("x"), time.Minute)
	c.Get(ctx, KindSnapshot, "AAPL") // hit
	c.Get(ctx, KindSnapshot, "AAPL") // hit
	c.Get(ctx, KindSnapshot, "NOPE") // miss

	st := c.Status()
	if st.Hits != 2 || st.Misses != 1 {
		t.Errorf("hits/misses: got %d/%d, want 2/1", st.Hits, st.Misses)
	}
	want := 2.0 / 3.0
	if diff := st.HitRate - want; diff > 0.001 || diff < -0.001 {
		t.Errorf("hit rate: got %f, want %f", st.HitRate, want)
	}
}

func TestWarm_LoadsRemoteIntoFastTier(t *testing.T) {
	b := newMemBackend()
	b.store["sp500:snapshot:AAPL"] = []byte(`{"symbol":"AAPL"}`)
	b.store["sp500:snapshot:MSFT"] = []byte(`{"symbol":"MSFT"}`)
	b.ttls["sp500:snapshot:AAPL"] = time.Minute
	b.store["other:snapshot:TSLA"] = []byte(`{"symbol":"TSLA"}`)

	c := New(Config{Project: "sp500"}, b)
	ctx := context.Background()

	// A local entry written before the warm pass is never clobbered.
	c.mu.Lock()
	c.fast["sp500:snapshot:MSFT"] = entry{data: []byte(`{"symbol":"MSFT","source":"local"}`), writtenAt: c.now(), ttl: time.Minute}
	c.mu.Unlock()

	if n := c.Warm(ctx); n != 1 {
		t.Fatalf("warm: loaded %d entries, want 1", n)
	}

	all := c.GetAllSnapshots()
	if len(all) != 2 {
		t.Fatalf("after warm: %d snapshots, want 2", len(all))
	}
	if _, ok := all["AAPL"]; !ok {
		t.Error("AAPL not warmed from remote tier")
	}
	if snap := all["MSFT"]; snap == nil || snap.Source != "local" {
		t.Error("local MSFT entry was clobbered by the warm pass")
	}
	if _, ok := all["TSLA"]; ok {
		t.Error("warm crossed the project namespace")
	}
}

func TestWarm_BackendDownWarmsNothing(t *testing.T) {
	b := newMemBackend()
	b.failing = true
	c := New(Config{Project: "sp500"}, b)

	if n := c.Warm(context.Background()); n != 0 {
		t.Errorf("warm with backend down: loaded %d, want 0", n)
	}
}

func TestWarm_WithoutBackend(t *testing.T) {
	c := New(Config{Project: "sp500"}, nil)
	if n := c.Warm(context.Background()); n != 0 {
		t.Errorf("warm without backend: loaded %d, want 0", n)
	}
}
