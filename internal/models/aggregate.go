package models

import (
	"sort"
	"time"
)

type barKey struct {
	period   int64
	ticker   string
	typ      string
	currency string
	name     string
}

type barAcc struct {
	bar       Bar
	openTime  time.Time
	closeTime time.Time
	times     map[int64]struct{}
}

// Aggregate groups minute rows into day or week bars, keyed by
// (period, ticker, type, currency, name).
//
// Open is the open of the earliest row in the group and Close the close of
// the latest; High and Low are extrema and Volume is the sum. Bars are
// ordered by period descending, then by ticker. FrequencyMinute yields nil.
func Aggregate(rows []StoredRow, freq Frequency) []Bar {
	var periodOf func(time.Time) time.Time
	switch freq {
	case FrequencyDay:
		periodOf = DayOf
	case FrequencyWeek:
		periodOf = MondayOf
	default:
		return nil
	}

	groups := make(map[barKey]*barAcc)
	order := make([]barKey, 0)
	for _, r := range rows {
		period := periodOf(r.Time)
		k := barKey{
			period:   period.Unix(),
			ticker:   r.Ticker,
			typ:      string(r.Type),
			currency: r.Currency,
			name:     r.Name,
		}
		acc, ok := groups[k]
		if !ok {
			acc = &barAcc{
				bar: Bar{
					Period:   period,
					Ticker:   r.Ticker,
					Type:     string(r.Type),
					Currency: r.Currency,
					Name:     r.Name,
					Open:     r.Open,
					High:     r.High,
					Low:      r.Low,
					Close:    r.Close,
				},
				openTime:  r.Time,
				closeTime: r.Time,
				times:     make(map[int64]struct{}),
			}
			groups[k] = acc
			order = append(order, k)
		}

		b := &acc.bar
		b.Rows++
		b.Volume += r.Volume
		acc.times[r.Time.UnixNano()] = struct{}{}
		if r.High > b.High {
			b.High = r.High
		}
		if r.Low < b.Low {
			b.Low = r.Low
		}
		if r.Time.Before(acc.openTime) {
			acc.openTime = r.Time
			b.Open = r.Open
		}
		if r.Time.After(acc.closeTime) {
			acc.closeTime = r.Time
			b.Close = r.Close
		}
	}

	bars := make([]Bar, 0, len(order))
	for _, k := range order {
		acc := groups[k]
		acc.bar.DistinctTimes = uint64(len(acc.times))
		bars = append(bars, acc.bar)
	}
	sort.SliceStable(bars, func(i, j int) bool {
		if !bars[i].Period.Equal(bars[j].Period) {
			return bars[i].Period.After(bars[j].Period)
		}
		return bars[i].Ticker < bars[j].Ticker
	})
	return bars
}
