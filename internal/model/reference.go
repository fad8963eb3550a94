package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReferencePrice holds the settled closes for one ticker on one trading date.
// Exactly one PreviousClose is authoritative per (symbol, date); once set it
// is never silently overwritten — corrections go through an audited
// verification pass. RegularClose is nil until the current session settles.
type ReferencePrice struct {
	Symbol        string           `json:"symbol"`
	Date          string           `json:"date"` // trading date, YYYY-MM-DD in Eastern time
	PreviousClose decimal.Decimal  `json:"previous_close"`
	RegularClose  *decimal.Decimal `json:"regular_close,omitempty"`
	Source        string           `json:"source"`
	UpdatedAt     time.Time        `json:"updated_at"`
}
