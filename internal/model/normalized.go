package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Quality classifies how directly a price reflects a live trade.
type Quality string

const (
	QualityRealtime Quality = "realtime" // direct trade/quote within the feed's realtime window
	QualityDelayed  Quality = "delayed"  // trade/quote within the known feed delay
	QualitySnapshot Quality = "snapshot" // derived from aggregate/day bars, inherently coarse
)

// ReferenceKind names which reference price the percent change was computed
// against.
type ReferenceKind string

const (
	RefPreviousClose ReferenceKind = "previousClose"
	RefRegularClose  ReferenceKind = "regularClose"
	RefNone          ReferenceKind = "none"
)

// Reference records the denominator actually used for the percent change.
// Price is nil when Used is RefNone.
type Reference struct {
	Used  ReferenceKind    `json:"used"`
	Price *decimal.Decimal `json:"price,omitempty"`
}

// NormalizedSnapshot is the canonical, quality-tagged record served to
// downstream consumers. ChangePct is nil (undefined, not zero) when no valid
// reference price exists.
type NormalizedSnapshot struct {
	Symbol    string           `json:"symbol"`
	Price     decimal.Decimal  `json:"price"`
	ChangePct *decimal.Decimal `json:"change_pct,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Quality   Quality          `json:"quality"`
	IsStale   bool             `json:"is_stale"`
	Source    string           `json:"source"`
	Reference Reference        `json:"reference"`
}

// JSON returns the JSON-encoded snapshot (ignoring errors for hot-path usage).
func (n *NormalizedSnapshot) JSON() []byte {
	b, _ := json.Marshal(n)
	return b
}

// Age returns how old the snapshot's price timestamp is relative to now.
func (n *NormalizedSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(n.Timestamp)
}
