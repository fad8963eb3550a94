package session

import (
	"fmt"
	"time"
)

// Eastern is the US equities exchange timezone. Falls back to a fixed EST
// offset when the tz database is unavailable.
var Eastern = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}()

// Session boundaries in Eastern time.
const (
	PreMarketOpenHour = 4 // 4:00 AM — pre-market begins
	RegularOpenHour   = 9
	RegularOpenMinute = 30 // 9:30 AM — regular session begins
	RegularCloseHour  = 16 // 4:00 PM — regular session ends
	AfterHoursEndHour = 20 // 8:00 PM — after-hours ends
)

// Session is the market session for a given wall-clock instant.
type Session int

const (
	Closed Session = iota
	PreMarket
	Regular
	AfterHours
)

func (s Session) String() string {
	switch s {
	case PreMarket:
		return "preMarket"
	case Regular:
		return "regular"
	case AfterHours:
		return "afterHours"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Detect returns the market session at t. Weekends and exchange holidays are
// always Closed; extended sessions do not run on holidays either.
func Detect(t time.Time) Session {
	et := t.In(Eastern)
	wd := et.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return Closed
	}
	if IsHoliday(et) {
		return Closed
	}

	hm := et.Hour()*60 + et.Minute()
	switch {
	case hm >= PreMarketOpenHour*60 && hm < RegularOpenHour*60+RegularOpenMinute:
		return PreMarket
	case hm >= RegularOpenHour*60+RegularOpenMinute && hm < RegularCloseHour*60:
		return Regular
	case hm >= RegularCloseHour*60 && hm < AfterHoursEndHour*60:
		return AfterHours
	default:
		return Closed
	}
}

// IsMarketOpen returns true if t falls within the regular session
// (9:30 AM – 4:00 PM ET, Mon–Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	return Detect(t) == Regular
}

// IsWeekday returns true if t is Mon–Fri in Eastern time.
func IsWeekday(t time.Time) bool {
	wd := t.In(Eastern).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not an exchange holiday.
func IsTradingDay(t time.Time) bool {
	et := t.In(Eastern)
	return IsWeekday(et) && !IsHoliday(et)
}

// TradingDate returns the trading date for t as YYYY-MM-DD in Eastern time.
// Pre-market, regular, and after-hours all belong to the same calendar date.
func TradingDate(t time.Time) string {
	return t.In(Eastern).Format("2006-01-02")
}

// PreviousTradingDate returns the most recent trading date strictly before t.
func PreviousTradingDate(t time.Time) string {
	d := t.In(Eastern).AddDate(0, 0, -1)
	for i := 0; i < 10; i++ {
		if IsTradingDay(d) {
			return d.Format("2006-01-02")
		}
		d = d.AddDate(0, 0, -1)
	}
	return d.Format("2006-01-02")
}

// NextOpen returns the next regular-session open (9:30 AM ET on the next
// trading day). If t is before today's open on a trading day, returns today's
// open.
func NextOpen(t time.Time) time.Time {
	et := t.In(Eastern)

	todayOpen := time.Date(et.Year(), et.Month(), et.Day(), RegularOpenHour, RegularOpenMinute, 0, 0, Eastern)
	if et.Before(todayOpen) && IsTradingDay(et) {
		return todayOpen
	}

	d := et.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ { // max 10 days ahead (holidays + weekends)
		if IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), RegularOpenHour, RegularOpenMinute, 0, 0, Eastern)
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(et.Year(), et.Month(), et.Day()+1, RegularOpenHour, RegularOpenMinute, 0, 0, Eastern)
}

// TodayClose returns today's regular-session close (4:00 PM ET).
func TodayClose(t time.Time) time.Time {
	et := t.In(Eastern)
	return time.Date(et.Year(), et.Month(), et.Day(), RegularCloseHour, 0, 0, 0, Eastern)
}

// StatusString returns a human-readable market status for logs.
func StatusString(t time.Time) string {
	s := Detect(t)
	if s == Regular {
		d := TodayClose(t).Sub(t.In(Eastern))
		return fmt.Sprintf("Market Open — closes in %s", fmtDur(d))
	}
	next := NextOpen(t)
	et := next.In(Eastern)
	return fmt.Sprintf("Session %s — next open %s %s (%s)",
		s, et.Weekday().String()[:3], et.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
