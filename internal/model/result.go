package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// IngestResult is the atomic unit of batch outcome. A batch produces exactly
// one result per requested ticker, success or failure, never both omitted.
// Price/ChangePct/Timestamp are populated when a price was resolved, even on
// failures such as a missing reference price.
type IngestResult struct {
	Symbol    string           `json:"symbol"`
	Success   bool             `json:"success"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	ChangePct *decimal.Decimal `json:"change_pct,omitempty"`
	Timestamp *time.Time       `json:"timestamp,omitempty"`
	Quality   Quality          `json:"quality,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// SequentialResult is the order-preserving tuple returned by the rate-limited
// sequential ingest variant. Result is nil when the item failed.
type SequentialResult struct {
	Item   string              `json:"item"`
	Result *NormalizedSnapshot `json:"result"`
	Error  string              `json:"error,omitempty"`
}
