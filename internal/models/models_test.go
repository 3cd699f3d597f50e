package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minuteRows(ticker string, start time.Time, n int, open float64) []StoredRow {
	rows := make([]StoredRow, 0, n)
	for i := 0; i < n; i++ {
		price := open + float64(i)
		rec := EnrichedRecord{
			Candle: Candle{
				FIGI:     "FIGI-" + ticker,
				Interval: "1min",
				Open:     price,
				Close:    price + 0.5,
				High:     price + 1,
				Low:      price - 1,
				Volume:   int64(10 + i),
				Time:     start.Add(time.Duration(i) * time.Minute),
			},
			Ticker:   ticker,
			Currency: "USD",
			Name:     ticker + " Inc",
			Type:     AssetStock,
		}
		rows = append(rows, ToStoredRow(rec))
	}
	return rows
}

func TestAggregateDay(t *testing.T) {
	day1 := time.Date(2020, 4, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2020, 4, 2, 10, 0, 0, 0, time.UTC)

	rows := append(minuteRows("AAPL", day1, 3, 100), minuteRows("AAPL", day2, 4, 200)...)
	// shuffle the order so first/last must come from timestamps, not position
	rows[0], rows[2] = rows[2], rows[0]

	bars := Aggregate(rows, FrequencyDay)
	require.Len(t, bars, 2)

	latest, earliest := bars[0], bars[1]
	assert.Equal(t, DayOf(day2), latest.Period)
	assert.Equal(t, DayOf(day1), earliest.Period)

	assert.Equal(t, 100.0, earliest.Open)
	assert.Equal(t, 102.5, earliest.Close)
	assert.Equal(t, 103.0, earliest.High)
	assert.Equal(t, 99.0, earliest.Low)
	assert.Equal(t, int64(10+11+12), earliest.Volume)
	assert.Equal(t, uint64(3), earliest.Rows)
	assert.Equal(t, uint64(3), earliest.DistinctTimes)

	assert.Equal(t, 200.0, latest.Open)
	assert.Equal(t, 203.5, latest.Close)
	assert.Equal(t, 204.0, latest.High)
	assert.Equal(t, 199.0, latest.Low)
	assert.Equal(t, int64(10+11+12+13), latest.Volume)
}

func TestAggregateGroupsPerTicker(t *testing.T) {
	start := time.Date(2020, 4, 1, 10, 0, 0, 0, time.UTC)
	rows := append(minuteRows("AAPL", start, 2, 1), minuteRows("MSFT", start, 2, 5)...)
	rows = append(rows, minuteRows("AAPL", start.Add(24*time.Hour), 2, 1)...)
	rows = append(rows, minuteRows("MSFT", start.Add(24*time.Hour), 2, 5)...)

	bars := Aggregate(rows, FrequencyDay)
	require.Len(t, bars, 4)
	assert.Equal(t, "AAPL", bars[0].Ticker)
	assert.Equal(t, "MSFT", bars[1].Ticker)
	assert.True(t, bars[0].Period.After(bars[2].Period))
}

func TestAggregateWeek(t *testing.T) {
	// 2020-04-06 is a Monday
	mon := time.Date(2020, 4, 6, 9, 0, 0, 0, time.UTC)
	rows := minuteRows("AAPL", mon, 1, 10)
	rows = append(rows, minuteRows("AAPL", mon.AddDate(0, 0, 4), 1, 20)...)
	rows = append(rows, minuteRows("AAPL", mon.AddDate(0, 0, 7), 1, 30)...)

	bars := Aggregate(rows, FrequencyWeek)
	require.Len(t, bars, 2)
	assert.Equal(t, DayOf(mon.AddDate(0, 0, 7)), bars[0].Period)
	assert.Equal(t, DayOf(mon), bars[1].Period)
	assert.Equal(t, 10.0, bars[1].Open)
	assert.Equal(t, 20.5, bars[1].Close)
	assert.Equal(t, uint64(2), bars[1].Rows)
}

func TestAggregateCountsDuplicateTimestamps(t *testing.T) {
	start := time.Date(2020, 4, 1, 10, 0, 0, 0, time.UTC)
	rows := minuteRows("AAPL", start, 2, 1)
	rows = append(rows, rows[0])

	bars := Aggregate(rows, FrequencyDay)
	require.Len(t, bars, 1)
	assert.Equal(t, uint64(3), bars[0].Rows)
	assert.Equal(t, uint64(2), bars[0].DistinctTimes)
}

func TestAggregateMinuteIsNil(t *testing.T) {
	rows := minuteRows("AAPL", time.Now(), 2, 1)
	assert.Nil(t, Aggregate(rows, FrequencyMinute))
}

func TestMondayOf(t *testing.T) {
	tests := []struct {
		in   time.Time
		want time.Time
	}{
		{time.Date(2020, 4, 6, 12, 0, 0, 0, time.UTC), time.Date(2020, 4, 6, 0, 0, 0, 0, time.UTC)},
		{time.Date(2020, 4, 12, 23, 59, 0, 0, time.UTC), time.Date(2020, 4, 6, 0, 0, 0, 0, time.UTC)},
		{time.Date(2020, 4, 8, 0, 0, 0, 0, time.UTC), time.Date(2020, 4, 6, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MondayOf(tt.in), tt.in.String())
	}
}

func TestParseAssetClass(t *testing.T) {
	for in, want := range map[string]AssetClass{"ETF": AssetEtf, "etf": AssetEtf, "Bond": AssetBond, " stock ": AssetStock} {
		got, ok := ParseAssetClass(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ParseAssetClass("Crypto")
	assert.False(t, ok)
}

func TestParseFrequency(t *testing.T) {
	for in, want := range map[string]Frequency{"min": FrequencyMinute, "minute": FrequencyMinute, "DAY": FrequencyDay, "week": FrequencyWeek} {
		got, ok := ParseFrequency(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ParseFrequency("hour")
	assert.False(t, ok)
}

func TestUniqueFIGIs(t *testing.T) {
	in := []Instrument{{FIGI: "B"}, {FIGI: "A"}, {FIGI: "B"}, {FIGI: "C"}}
	assert.Equal(t, []string{"B", "A", "C"}, UniqueFIGIs(in))
}

func TestEnrichAndKey(t *testing.T) {
	ts := time.Date(2020, 4, 1, 10, 30, 0, 0, time.UTC)
	rec := Enrich(Candle{FIGI: "F1", Time: ts, Open: 1}, Instrument{FIGI: "F1", Ticker: "T1", Lot: 10, Type: AssetBond})

	assert.Equal(t, "T1", rec.Ticker)
	assert.Equal(t, int64(10), rec.Lot)
	assert.Equal(t, AssetBond, rec.Type)
	assert.Equal(t, RecordKey{Ticker: "T1", Time: ts.Unix()}, rec.Key())
	assert.Equal(t, time.Date(2020, 4, 1, 0, 0, 0, 0, time.UTC), ToStoredRow(rec).Day)
}
