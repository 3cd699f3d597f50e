package broker

import (
	"time"

	"github.com/navid-fn/tickhouse/internal/failure"
)

const (
	// DefaultDaySpan is the fetch window used when From is unset.
	DefaultDaySpan = 10

	// DefaultInterval is the candle interval requested by default.
	DefaultInterval = "1min"

	// maxChunk is the widest window the API accepts in one call.
	maxChunk = 24 * time.Hour

	// timeLayout renders request boundaries with their offset.
	timeLayout = "2006-01-02T15:04:05-07:00"
)

// requestZone is the fixed offset baked into request timestamps.
var requestZone = time.FixedZone("UTC+7", 7*60*60)

// Intervals lists the candle intervals the API serves.
var Intervals = []string{"1min", "2min", "3min", "5min", "10min", "15min", "30min", "hour", "day", "week", "month"}

// Window is the time range of a candle fetch.
type Window struct {
	From time.Time
	To   time.Time

	// DaySpan sets From to To minus DaySpan days when From is zero.
	DaySpan int

	Interval string
}

type span struct {
	from time.Time
	to   time.Time
}

// resolve applies the defaults and validates w against now.
func (w Window) resolve(now time.Time) (Window, error) {
	if w.Interval == "" {
		w.Interval = DefaultInterval
	}
	if !validInterval(w.Interval) {
		return w, failure.Invalid("interval", w.Interval, Intervals...)
	}
	if w.To.IsZero() {
		w.To = now
	}
	if w.From.IsZero() {
		days := w.DaySpan
		if days <= 0 {
			days = DefaultDaySpan
		}
		w.From = w.To.AddDate(0, 0, -days)
	}
	if w.From.After(w.To) {
		return w, failure.Invalid("window", w.From.Format(timeLayout)+".."+w.To.Format(timeLayout))
	}
	return w, nil
}

// chunks splits w into spans of at most one day, most recent first.
// The oldest span is clipped at From.
func (w Window) chunks() []span {
	if w.To.Sub(w.From) <= maxChunk {
		return []span{{from: w.From, to: w.To}}
	}
	var out []span
	for to := w.To; to.After(w.From); to = to.Add(-maxChunk) {
		from := to.Add(-maxChunk)
		if from.Before(w.From) {
			from = w.From
		}
		out = append(out, span{from: from, to: to})
	}
	return out
}

func formatTime(t time.Time) string {
	return t.In(requestZone).Format(timeLayout)
}

func validInterval(s string) bool {
	for _, i := range Intervals {
		if i == s {
			return true
		}
	}
	return false
}
