package models

import (
	"strings"
	"time"
)

// Candle is one OHLCV record for a single instrument.
type Candle struct {
	FIGI     string    `json:"figi"`
	Interval string    `json:"interval"`
	Open     float64   `json:"o"`
	Close    float64   `json:"c"`
	High     float64   `json:"h"`
	Low      float64   `json:"l"`
	Volume   int64     `json:"v"`
	Time     time.Time `json:"time"`
}

// EnrichedRecord is a candle joined with the metadata of its instrument.
// It is the unit written to the store.
type EnrichedRecord struct {
	Candle

	Ticker            string     `json:"ticker"`
	ISIN              string     `json:"isin"`
	MinPriceIncrement float64    `json:"min_price_increment"`
	Lot               int64      `json:"lot"`
	Currency          string     `json:"currency"`
	Name              string     `json:"name"`
	Type              AssetClass `json:"type"`
}

// Enrich joins c with in. The caller guarantees c.FIGI == in.FIGI.
func Enrich(c Candle, in Instrument) EnrichedRecord {
	return EnrichedRecord{
		Candle:            c,
		Ticker:            in.Ticker,
		ISIN:              in.ISIN,
		MinPriceIncrement: in.MinPriceIncrement,
		Lot:               in.Lot,
		Currency:          in.Currency,
		Name:              in.Name,
		Type:              in.Type,
	}
}

// RecordKey identifies a stored row. The store never holds two rows with the same key.
type RecordKey struct {
	Ticker string
	Time   int64
}

// Key returns the deduplication key of r.
func (r EnrichedRecord) Key() RecordKey {
	return RecordKey{Ticker: r.Ticker, Time: r.Time.Unix()}
}

// StoredRow is the durable representation in the time-series table.
type StoredRow struct {
	// Day is the calendar date of Time.
	Day time.Time `json:"day"`

	EnrichedRecord
}

// ToStoredRow derives the day column from the record timestamp.
func ToStoredRow(r EnrichedRecord) StoredRow {
	return StoredRow{Day: DayOf(r.Time), EnrichedRecord: r}
}

// DayOf truncates t to midnight in its own location.
func DayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// MondayOf returns the start of the ISO week containing t.
func MondayOf(t time.Time) time.Time {
	day := DayOf(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// Frequency is the granularity of a read query.
type Frequency string

const (
	FrequencyMinute Frequency = "minute"
	FrequencyDay    Frequency = "day"
	FrequencyWeek   Frequency = "week"
)

// ParseFrequency accepts "min" as an alias for minute.
func ParseFrequency(s string) (Frequency, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "min", "minute", "1min":
		return FrequencyMinute, true
	case "day", "1d":
		return FrequencyDay, true
	case "week", "1w":
		return FrequencyWeek, true
	}
	return "", false
}

// Bar is one aggregated row of a day or week query.
type Bar struct {
	// Period is the calendar day, or the Monday of the ISO week.
	Period time.Time `json:"period"`

	Ticker   string `json:"ticker"`
	Type     string `json:"type"`
	Currency string `json:"currency"`
	Name     string `json:"name"`

	// DistinctTimes counts distinct timestamps, Rows counts all rows in the group.
	DistinctTimes uint64 `json:"uniq_time"`
	Rows          uint64 `json:"count"`

	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume int64   `json:"v"`
}
