package cache

import (
	"sort"
	"time"
)

// FreshnessThresholds bucket cached snapshot ages. Configurable defaults,
// not contractual values.
type FreshnessThresholds struct {
	Fresh  time.Duration // age below this is fresh
	Recent time.Duration // fresh..recent
	Stale  time.Duration // recent..stale; older is veryStale
}

// DefaultFreshnessThresholds returns the default buckets: <2m fresh,
// 2–5m recent, 5–15m stale, >15m veryStale.
func DefaultFreshnessThresholds() FreshnessThresholds {
	return FreshnessThresholds{
		Fresh:  2 * time.Minute,
		Recent: 5 * time.Minute,
		Stale:  15 * time.Minute,
	}
}

// FreshnessReport is the bucketed age statistics over a ticker universe.
// Missing counts tickers with no cache entry at all; they are reported
// separately, never folded into VeryStale.
type FreshnessReport struct {
	Fresh     int     `json:"fresh"`
	Recent    int     `json:"recent"`
	Stale     int     `json:"stale"`
	VeryStale int     `json:"very_stale"`
	Missing   int     `json:"missing"`
	Total     int     `json:"total"`
	FreshPct  float64 `json:"fresh_pct"` // share of cached entries that are fresh

	AgeP50 time.Duration `json:"age_p50_ns"`
	AgeP90 time.Duration `json:"age_p90_ns"`
	AgeP99 time.Duration `json:"age_p99_ns"`
}

// Freshness derives bucketed age statistics for the given universe from
// current cache contents. Read-only; ages are measured against each entry's
// price timestamp, not its cache write time.
func (c *Cache) Freshness(symbols []string, th FreshnessThresholds, now time.Time) FreshnessReport {
	snaps := c.GetAllSnapshots()

	rep := FreshnessReport{Total: len(symbols)}
	ages := make([]time.Duration, 0, len(symbols))

	for _, sym := range symbols {
		snap, ok := snaps[sym]
		if !ok {
			rep.Missing++
			continue
		}
		age := snap.Age(now)
		ages = append(ages, age)

		switch {
		case age < th.Fresh:
			rep.Fresh++
		case age < th.Recent:
			rep.Recent++
		case age < th.Stale:
			rep.Stale++
		default:
			rep.VeryStale++
		}
	}

	cached := rep.Total - rep.Missing
	if cached > 0 {
		rep.FreshPct = float64(rep.Fresh) / float64(cached) * 100
	}

	if len(ages) > 0 {
		sort.Slice(ages, func(i, j int) bool { return ages[i] < ages[j] })
		rep.AgeP50 = percentile(ages, 50)
		rep.AgeP90 = percentile(ages, 90)
		rep.AgeP99 = percentile(ages, 99)
	}
	return rep
}

// percentile expects ages sorted ascending.
func percentile(ages []time.Duration, p int) time.Duration {
	idx := (len(ages)*p + 99) / 100
	if idx > 0 {
		idx--
	}
	return ages[idx]
}
