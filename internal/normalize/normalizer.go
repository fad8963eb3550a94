// Package normalize converts raw provider snapshots into canonical,
// quality-tagged records. Normalization is synchronous and side-effect free:
// the session, thresholds, and reference lookup fully determine the output
// for a given input and instant.
package normalize

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dusan02/vercel-pmp-sub005/internal/model"
	"github.com/dusan02/vercel-pmp-sub005/internal/session"
)

var (
	// ErrNoPriceAvailable means no usable price field was present in the
	// raw snapshot. A zero or absent price is never treated as valid.
	ErrNoPriceAvailable = errors.New("no price available in snapshot")

	// ErrNoReferencePrice means a price was resolved but no valid
	// denominator exists for the percent change. The normalized record is
	// still returned with reference.used = none and an undefined ChangePct.
	ErrNoReferencePrice = errors.New("no reference price for change computation")
)

// ReferenceSource looks up the settled reference prices for a ticker on a
// trading date. ok is false when no row exists.
type ReferenceSource interface {
	Lookup(symbol, date string) (*model.ReferencePrice, bool)
}

// Thresholds are the policy constants for quality and staleness
// classification. The defaults track the upstream's delayed-feed license
// tier and are tunables, not contractual values.
type Thresholds struct {
	RealtimeWindow time.Duration // trade/quote age below this is realtime
	DelayedWindow  time.Duration // trade/quote age below this is delayed
	RegularStale   time.Duration // staleness cutoff during the regular session
	OffHoursStale  time.Duration // staleness cutoff pre/after-hours and closed
}

// DefaultThresholds returns the policy defaults: 15m realtime window
// (delayed feed tier), 60m delayed window, 3m regular-session staleness,
// 30m off-hours staleness.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RealtimeWindow: 15 * time.Minute,
		DelayedWindow:  60 * time.Minute,
		RegularStale:   3 * time.Minute,
		OffHoursStale:  30 * time.Minute,
	}
}

// StaleAfter returns the session-appropriate staleness cutoff. Trading is
// thin or absent outside the regular session, so the cutoff loosens there.
func (t Thresholds) StaleAfter(s session.Session) time.Duration {
	if s == session.Regular {
		return t.RegularStale
	}
	return t.OffHoursStale
}

// Normalizer converts raw snapshots into NormalizedSnapshots.
type Normalizer struct {
	Thresholds Thresholds
	Refs       ReferenceSource
}

// New creates a Normalizer with default thresholds.
func New(refs ReferenceSource) *Normalizer {
	return &Normalizer{Thresholds: DefaultThresholds(), Refs: refs}
}

// Normalize produces the canonical record for raw at instant now.
//
// Price selection is strict priority, first non-null wins: lastTrade.p,
// min.c, day.c; none present fails with ErrNoPriceAvailable.
//
// When a price resolves but no valid reference exists, the record IS
// returned (reference.used = none, ChangePct nil) together with
// ErrNoReferencePrice so the caller can surface the condition instead of
// silently substituting zero.
func (n *Normalizer) Normalize(raw *model.RawSnapshot, now time.Time) (*model.NormalizedSnapshot, error) {
	rawPrice, ts, src, ok := raw.BestPrice()
	if !ok {
		return nil, fmt.Errorf("%s: %w", raw.Ticker, ErrNoPriceAvailable)
	}

	sess := session.Detect(now)
	price := decimal.NewFromFloat(rawPrice)

	snap := &model.NormalizedSnapshot{
		Symbol:    raw.Ticker,
		Price:     price,
		Timestamp: ts,
		Source:    string(src),
		Reference: model.Reference{Used: model.RefNone},
	}

	if ts.IsZero() {
		// No timestamp derivable from the price source: the record is a
		// coarse snapshot and must be flagged stale.
		snap.Quality = model.QualitySnapshot
		snap.IsStale = true
	} else {
		age := now.Sub(ts)
		snap.Quality = classify(src, age, n.Thresholds)
		snap.IsStale = age > n.Thresholds.StaleAfter(sess)
	}

	ref := n.selectReference(raw.Ticker, sess, now)
	if ref == nil {
		return snap, fmt.Errorf("%s: %w", raw.Ticker, ErrNoReferencePrice)
	}

	snap.Reference = *ref
	pct := price.Sub(*ref.Price).Div(*ref.Price).Mul(decimal.NewFromInt(100)).Round(2)
	snap.ChangePct = &pct
	return snap, nil
}

// selectReference picks the valid denominator for the percent change. The
// current date's regularClose applies only once the session has settled and
// a late fetch occurs; until then, and throughout pre/after-hours, the
// previous regular close is authoritative. A zero reference price is never
// used as a divisor.
func (n *Normalizer) selectReference(symbol string, sess session.Session, now time.Time) *model.Reference {
	if n.Refs == nil {
		return nil
	}
	rp, ok := n.Refs.Lookup(symbol, session.TradingDate(now))
	if !ok {
		return nil
	}

	if sess == session.Regular && rp.RegularClose != nil && rp.RegularClose.IsPositive() {
		rc := *rp.RegularClose
		return &model.Reference{Used: model.RefRegularClose, Price: &rc}
	}
	if rp.PreviousClose.IsPositive() {
		pc := rp.PreviousClose
		return &model.Reference{Used: model.RefPreviousClose, Price: &pc}
	}
	return nil
}

// classify maps a price source and age onto a quality tag. Aggregate-derived
// prices are always coarse snapshots; trade prints degrade from realtime to
// delayed to snapshot as they age past the feed windows.
func classify(src model.PriceSource, age time.Duration, t Thresholds) model.Quality {
	if src != model.SourceLastTrade {
		return model.QualitySnapshot
	}
	switch {
	case age < t.RealtimeWindow:
		return model.QualityRealtime
	case age < t.DelayedWindow:
		return model.QualityDelayed
	default:
		return model.QualitySnapshot
	}
}
