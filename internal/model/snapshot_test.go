package model

import (
	"testing"
	"time"
)

func TestBestPrice_Priority(t *testing.T) {
	tradeTS := time.Date(2026, 8, 26, 18, 0, 0, 0, time.UTC)
	minTS := tradeTS.Add(-time.Minute)

	cases := []struct {
		name      string
		snap      *RawSnapshot
		wantPrice float64
		wantSrc   PriceSource
		wantOK    bool
	}{
		{
			name: "trade beats minute and day",
			snap: &RawSnapshot{
				LastTrade: &Trade{Price: 101.5, Timestamp: tradeTS.UnixNano()},
				Min:       &MinuteBar{Close: 101.2, Timestamp: minTS.UnixMilli()},
				Day:       &DayBar{Close: 100.8},
			},
			wantPrice: 101.5,
			wantSrc:   SourceLastTrade,
			wantOK:    true,
		},
		{
			name: "minute beats day",
			snap: &RawSnapshot{
				Min: &MinuteBar{Close: 101.2, Timestamp: minTS.UnixMilli()},
				Day: &DayBar{Close: 100.8},
			},
			wantPrice: 101.2,
			wantSrc:   SourceMinClose,
			wantOK:    true,
		},
		{
			name:      "day alone",
			snap:      &RawSnapshot{Day: &DayBar{Close: 100.8}},
			wantPrice: 100.8,
			wantSrc:   SourceDayClose,
			wantOK:    true,
		},
		{
			name: "zero prices are not prices",
			snap: &RawSnapshot{
				LastTrade: &Trade{Price: 0},
				Min:       &MinuteBar{Close: 0},
				Day:       &DayBar{Close: 0},
			},
			wantOK: false,
		},
		{
			name:   "empty snapshot",
			snap:   &RawSnapshot{},
			wantOK: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			price, _, src, ok := tc.snap.BestPrice()
			if ok != tc.wantOK {
				t.Fatalf("ok: got %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if price != tc.wantPrice {
				t.Errorf("price: got %v, want %v", price, tc.wantPrice)
			}
			if src != tc.wantSrc {
				t.Errorf("source: got %v, want %v", src, tc.wantSrc)
			}
		})
	}
}

func TestBestPrice_Timestamps(t *testing.T) {
	tradeTS := time.Date(2026, 8, 26, 18, 0, 0, 0, time.UTC)

	// Trade timestamp carries through in nanoseconds.
	snap := &RawSnapshot{LastTrade: &Trade{Price: 100, Timestamp: tradeTS.UnixNano()}}
	_, ts, _, _ := snap.BestPrice()
	if !ts.Equal(tradeTS) {
		t.Errorf("trade ts: got %v, want %v", ts, tradeTS)
	}

	// Minute bars are millisecond-stamped.
	snap = &RawSnapshot{Min: &MinuteBar{Close: 100, Timestamp: tradeTS.UnixMilli()}}
	_, ts, _, _ = snap.BestPrice()
	if !ts.Equal(tradeTS) {
		t.Errorf("minute ts: got %v, want %v", ts, tradeTS)
	}

	// A day close without an update time has no timestamp at all.
	snap = &RawSnapshot{Day: &DayBar{Close: 100}}
	_, ts, _, _ = snap.BestPrice()
	if !ts.IsZero() {
		t.Errorf("day ts: got %v, want zero", ts)
	}

	// With the provider's update time present, the day close uses it.
	snap = &RawSnapshot{Day: &DayBar{Close: 100}, UpdatedNs: tradeTS.UnixNano()}
	_, ts, _, _ = snap.BestPrice()
	if !ts.Equal(tradeTS) {
		t.Errorf("day ts with update time: got %v, want %v", ts, tradeTS)
	}
}

func TestPreviousDayClose(t *testing.T) {
	snap := &RawSnapshot{PrevDay: &DayBar{Close: 230.1}}
	if pd, ok := snap.PreviousDayClose(); !ok || pd != 230.1 {
		t.Errorf("got %v ok=%v, want 230.1 true", pd, ok)
	}

	snap = &RawSnapshot{PrevDay: &DayBar{}}
	if _, ok := snap.PreviousDayClose(); ok {
		t.Error("zero prevDay close: expected ok=false")
	}

	snap = &RawSnapshot{}
	if _, ok := snap.PreviousDayClose(); ok {
		t.Error("absent prevDay: expected ok=false")
	}
}

func TestNilReceivers(t *testing.T) {
	var snap *RawSnapshot
	if _, _, _, ok := snap.BestPrice(); ok {
		t.Error("nil snapshot: expected ok=false")
	}
	var tr *Trade
	if !tr.Time().IsZero() {
		t.Error("nil trade: expected zero time")
	}
	var mb *MinuteBar
	if !mb.Time().IsZero() {
		t.Error("nil minute bar: expected zero time")
	}
}
