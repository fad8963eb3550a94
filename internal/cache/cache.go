// Package cache implements the unified two-tier cache for normalized
// snapshots: a fast in-process tier answering most reads, backed by a shared
// remote tier for cross-process consistency. The ingestion engine is the
// sole writer; readers never mutate entries.
package cache

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dusan02/vercel-pmp-sub005/internal/model"
)

// Entry kinds partition the keyspace per project.
const (
	KindSnapshot = "snapshot"
)

const (
	defaultTTL            = 5 * time.Minute
	defaultBreakerTrips   = 5
	defaultBreakerTimeout = 10 * time.Second
)

// Config tunes the unified cache.
type Config struct {
	Project             string        // key namespace, e.g. "sp500"
	DefaultTTL          time.Duration // applied when Set receives ttl <= 0
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

type entry struct {
	data      []byte
	writtenAt time.Time
	ttl       time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.Sub(e.writtenAt) > e.ttl
}

// Cache is the unified two-tier cache. Safe for concurrent use; each entry
// is written whole, never torn.
type Cache struct {
	project    string
	defaultTTL time.Duration

	mu   sync.RWMutex
	fast map[string]entry

	backend Backend // nil disables the remote tier
	cb      *breaker

	hits       atomic.Uint64
	misses     atomic.Uint64
	remoteHits atomic.Uint64

	now func() time.Time

	// OnBreakerChange is called on remote-tier breaker transitions. Optional.
	OnBreakerChange func(from, to BreakerState)
}

// New creates a unified cache over the given remote backend. A nil backend
// runs the cache in fast-tier-only mode, reported as "disabled" by Status.
func New(cfg Config, backend Backend) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = defaultBreakerTrips
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = defaultBreakerTimeout
	}

	c := &Cache{
		project:    cfg.Project,
		defaultTTL: cfg.DefaultTTL,
		fast:       make(map[string]entry),
		backend:    backend,
		cb:         newBreaker(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout),
		now:        time.Now,
	}
	c.cb.onStateChange = func(from, to BreakerState) {
		log.Printf("[cache] remote tier breaker %s → %s", from, to)
		if c.OnBreakerChange != nil {
			c.OnBreakerChange(from, to)
		}
	}
	return c
}

// Key builds the namespaced cache key (project, kind, symbol).
func (c *Cache) Key(kind, symbol string) string {
	return c.project + ":" + kind + ":" + symbol
}

// Set writes the value to both tiers. The fast tier is always updated; a
// remote-tier failure degrades via the breaker and is logged, never
// surfaced — the write itself does not fail.
func (c *Cache) Set(ctx context.Context, kind, symbol string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	key := c.Key(kind, symbol)

	c.mu.Lock()
	c.fast[key] = entry{data: data, writtenAt: c.now(), ttl: ttl}
	c.mu.Unlock()

	if c.backend == nil {
		return
	}
	err := c.cb.execute(func() error {
		return c.backend.Set(ctx, key, data, ttl)
	})
	if err != nil && err != ErrBreakerOpen {
		log.Printf("[cache] remote set %s: %v", key, err)
	}
}

// Get reads a value, fast tier first with remote fallback. A fallback hit
// repopulates the fast tier with the backend's remaining TTL. Expired
// entries are misses — a stale value is never returned silently.
func (c *Cache) Get(ctx context.Context, kind, symbol string) ([]byte, bool) {
	key := c.Key(kind, symbol)
	now := c.now()

	c.mu.RLock()
	e, ok := c.fast[key]
	c.mu.RUnlock()

	if ok {
		if !e.expired(now) {
			c.hits.Add(1)
			return e.data, true
		}
		c.mu.Lock()
		delete(c.fast, key)
		c.mu.Unlock()
	}

	if c.backend == nil {
		c.misses.Add(1)
		return nil, false
	}

	var (
		data []byte
		ttl  time.Duration
	)
	err := c.cb.execute(func() error {
		var gerr error
		data, ttl, gerr = c.backend.Get(ctx, key)
		if gerr == ErrBackendMiss {
			// Absence is a valid answer, not a backend failure.
			data = nil
			return nil
		}
		return gerr
	})
	if err != nil || data == nil {
		if err != nil && err != ErrBreakerOpen {
			log.Printf("[cache] remote get %s: %v", key, err)
		}
		c.misses.Add(1)
		return nil, false
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.fast[key] = entry{data: data, writtenAt: now, ttl: ttl}
	c.mu.Unlock()

	c.remoteHits.Add(1)
	c.hits.Add(1)
	return data, true
}

// Delete removes the entry from both tiers.
func (c *Cache) Delete(ctx context.Context, kind, symbol string) {
	key := c.Key(kind, symbol)

	c.mu.Lock()
	delete(c.fast, key)
	c.mu.Unlock()

	if c.backend == nil {
		return
	}
	err := c.cb.execute(func() error {
		return c.backend.Del(ctx, key)
	})
	if err != nil && err != ErrBreakerOpen {
		log.Printf("[cache] remote del %s: %v", key, err)
	}
}

// Clear drops every entry in this project's namespace from both tiers.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.fast = make(map[string]entry)
	c.mu.Unlock()

	if c.backend == nil {
		return
	}
	err := c.cb.execute(func() error {
		keys, kerr := c.backend.Keys(ctx, c.project+":")
		if kerr != nil {
			return kerr
		}
		return c.backend.Del(ctx, keys...)
	})
	if err != nil && err != ErrBreakerOpen {
		log.Printf("[cache] remote clear: %v", err)
	}
}

// SetSnapshot writes a normalized snapshot under its symbol.
func (c *Cache) SetSnapshot(ctx context.Context, snap *model.NormalizedSnapshot, ttl time.Duration) {
	c.Set(ctx, KindSnapshot, snap.Symbol, snap.JSON(), ttl)
}

// GetSnapshot reads the normalized snapshot for symbol, if fresh.
func (c *Cache) GetSnapshot(ctx context.Context, symbol string) (*model.NormalizedSnapshot, bool) {
	data, ok := c.Get(ctx, KindSnapshot, symbol)
	if !ok {
		return nil, false
	}
	var snap model.NormalizedSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Printf("[cache] corrupt snapshot for %s: %v", symbol, err)
		return nil, false
	}
	return &snap, true
}

// Warm loads every entry in this project's namespace from the remote tier
// into the fast tier, so bulk reads after a restart see what the remote
// tier already holds. Entries already present locally are kept. Returns the
// number of entries loaded; a remote failure degrades via the breaker and
// warms nothing.
func (c *Cache) Warm(ctx context.Context) int {
	if c.backend == nil {
		return 0
	}

	loaded := 0
	err := c.cb.execute(func() error {
		keys, kerr := c.backend.Keys(ctx, c.project+":")
		if kerr != nil {
			return kerr
		}
		now := c.now()
		for _, key := range keys {
			data, ttl, gerr := c.backend.Get(ctx, key)
			if gerr != nil {
				continue
			}
			if ttl <= 0 {
				ttl = c.defaultTTL
			}
			c.mu.Lock()
			if _, ok := c.fast[key]; !ok {
				c.fast[key] = entry{data: data, writtenAt: now, ttl: ttl}
				loaded++
			}
			c.mu.Unlock()
		}
		return nil
	})
	if err != nil && err != ErrBreakerOpen {
		log.Printf("[cache] warm: %v", err)
	}
	return loaded
}

// GetAllSnapshots returns every non-expired snapshot in the project
// namespace, keyed by symbol. Fast tier only: the remote tier is a
// consistency backstop, not the read path for bulk scans — a restart warms
// the fast tier once via Warm instead.
func (c *Cache) GetAllSnapshots() map[string]*model.NormalizedSnapshot {
	now := c.now()
	prefix := c.project + ":" + KindSnapshot + ":"

	c.mu.RLock()
	raw := make(map[string][]byte, len(c.fast))
	for k, e := range c.fast {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix && !e.expired(now) {
			raw[k[len(prefix):]] = e.data
		}
	}
	c.mu.RUnlock()

	out := make(map[string]*model.NormalizedSnapshot, len(raw))
	for sym, data := range raw {
		var snap model.NormalizedSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		out[sym] = &snap
	}
	return out
}

// Status reports cache health and effectiveness for the status endpoint.
type Status struct {
	Project       string  `json:"project"`
	FastEntries   int     `json:"fast_entries"`
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	RemoteHits    uint64  `json:"remote_hits"`
	HitRate       float64 `json:"hit_rate"`
	BackendHealth string  `json:"backend_health"` // ok | degraded | disabled
	BreakerState  string  `json:"breaker_state"`
}

// Status returns current hit-rate, size, and backend health. A tripped
// breaker reports "degraded" rather than failing the call.
func (c *Cache) Status() Status {
	c.mu.RLock()
	size := len(c.fast)
	c.mu.RUnlock()

	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}

	health := "ok"
	state := c.cb.currentState()
	switch {
	case c.backend == nil:
		health = "disabled"
	case state != BreakerClosed:
		health = "degraded"
	}

	return Status{
		Project:       c.project,
		FastEntries:   size,
		Hits:          hits,
		Misses:        misses,
		RemoteHits:    c.remoteHits.Load(),
		HitRate:       rate,
		BackendHealth: health,
		BreakerState:  state.String(),
	}
}
