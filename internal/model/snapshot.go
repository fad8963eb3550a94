package model

import "time"

// PriceSource identifies which snapshot field supplied the price.
type PriceSource string

const (
	SourceLastTrade PriceSource = "lastTrade"
	SourceMinClose  PriceSource = "min"
	SourceDayClose  PriceSource = "day"
)

// RawSnapshot is the provider-shaped per-ticker payload. Any subset of the
// nested aggregates may be absent; absence is routine, not an error, so every
// nested block is a pointer and must be presence-checked before use.
type RawSnapshot struct {
	Ticker    string     `json:"ticker"`
	Day       *DayBar    `json:"day,omitempty"`
	PrevDay   *DayBar    `json:"prevDay,omitempty"`
	Min       *MinuteBar `json:"min,omitempty"`
	LastQuote *Quote     `json:"lastQuote,omitempty"`
	LastTrade *Trade     `json:"lastTrade,omitempty"`
	UpdatedNs int64      `json:"updated,omitempty"` // provider update time, unix nanos
}

// DayBar is a daily aggregate. The provider sends all-zero bars for tickers
// that have not traded yet, so a zero Close means "no bar".
type DayBar struct {
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
}

// MinuteBar is the most recent intraday minute aggregate.
type MinuteBar struct {
	AvgPrice  float64 `json:"av"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
	Timestamp int64   `json:"t"` // unix millis
}

// Quote is the last NBBO quote.
type Quote struct {
	BidPrice  float64 `json:"p"`
	AskPrice  float64 `json:"P"`
	Timestamp int64   `json:"t"` // unix nanos
}

// Trade is the last trade print.
type Trade struct {
	Price     float64 `json:"p"`
	Size      float64 `json:"s"`
	Timestamp int64   `json:"t"` // unix nanos
}

// Time converts the trade's nanosecond timestamp. Zero value means unknown.
func (t *Trade) Time() time.Time {
	if t == nil || t.Timestamp <= 0 {
		return time.Time{}
	}
	return time.Unix(0, t.Timestamp).UTC()
}

// Time converts the quote's nanosecond timestamp. Zero value means unknown.
func (q *Quote) Time() time.Time {
	if q == nil || q.Timestamp <= 0 {
		return time.Time{}
	}
	return time.Unix(0, q.Timestamp).UTC()
}

// Time converts the minute bar's millisecond timestamp. Zero value means unknown.
func (m *MinuteBar) Time() time.Time {
	if m == nil || m.Timestamp <= 0 {
		return time.Time{}
	}
	return time.Unix(0, m.Timestamp*int64(time.Millisecond)).UTC()
}

// BestPrice extracts the best available price in strict priority order:
// lastTrade.p, then min.c, then day.c. The returned timestamp comes from the
// same field that supplied the price and may be zero when the source carries
// no usable time. ok is false when no field holds a positive price.
func (s *RawSnapshot) BestPrice() (price float64, ts time.Time, src PriceSource, ok bool) {
	if s == nil {
		return 0, time.Time{}, "", false
	}
	if s.LastTrade != nil && s.LastTrade.Price > 0 {
		return s.LastTrade.Price, s.LastTrade.Time(), SourceLastTrade, true
	}
	if s.Min != nil && s.Min.Close > 0 {
		return s.Min.Close, s.Min.Time(), SourceMinClose, true
	}
	if s.Day != nil && s.Day.Close > 0 {
		// Daily bars carry no intraday time; fall back to the provider's
		// update time when present.
		var dayTS time.Time
		if s.UpdatedNs > 0 {
			dayTS = time.Unix(0, s.UpdatedNs).UTC()
		}
		return s.Day.Close, dayTS, SourceDayClose, true
	}
	return 0, time.Time{}, "", false
}

// PreviousDayClose returns the prior session's close from the prevDay block.
// ok is false when the block is absent or zero.
func (s *RawSnapshot) PreviousDayClose() (float64, bool) {
	if s == nil || s.PrevDay == nil || s.PrevDay.Close <= 0 {
		return 0, false
	}
	return s.PrevDay.Close, true
}
