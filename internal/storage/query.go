package storage

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/navid-fn/tickhouse/internal/failure"
	"github.com/navid-fn/tickhouse/internal/models"
)

const (
	// DefaultTable is the target time-series table.
	DefaultTable = "minutes"

	// DefaultQueryDaySpan is the read window used when Start is unset.
	DefaultQueryDaySpan = 90
)

// StoredColumns lists the target table columns in insertion order.
var StoredColumns = []string{
	"day", "figi", "interval", "o", "c", "h", "l", "v", "time",
	"ticker", "isin", "min_price_increment", "lot", "currency", "name", "type",
}

// stagingColumns is StoredColumns without the derived day column.
var stagingColumns = StoredColumns[1:]

var identRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// quoteIdent validates a table name, optionally qualified with a database,
// and returns it backtick-quoted.
func quoteIdent(name string) (string, error) {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", failure.Invalid("identifier", name)
	}
	for i, p := range parts {
		if !identRe.MatchString(p) {
			return "", failure.Invalid("identifier", name)
		}
		parts[i] = "`" + p + "`"
	}
	return strings.Join(parts, "."), nil
}

// normalizeTableName prefixes an underscore when name starts with a digit.
func normalizeTableName(name string) (string, bool) {
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		return "_" + name, true
	}
	return name, false
}

// TimeWindowQuery describes a read of stored rows.
type TimeWindowQuery struct {
	// Channels restricts the returned columns at minute frequency. Empty or
	// "*" selects every column.
	Channels []string

	// Start and End bound the window. End defaults to now and Start to
	// End minus DaySpan days.
	Start time.Time
	End   time.Time

	DaySpan int

	Table string

	// InstrumentType is one of Etf, Bond, Stock (case-insensitive).
	InstrumentType string

	// Frequency is one of minute, day, week.
	Frequency string
}

// window is a validated TimeWindowQuery.
type window struct {
	channels  []string
	start     time.Time
	end       time.Time
	table     string
	quoted    string
	assetType models.AssetClass
	frequency models.Frequency
}

// normalize applies defaults and validates every enumerated field.
// It performs no I/O.
func (q TimeWindowQuery) normalize(now time.Time) (window, error) {
	assetType, ok := models.ParseAssetClass(q.InstrumentType)
	if !ok {
		return window{}, failure.Invalid("instrument type", q.InstrumentType, "Etf", "Bond", "Stock")
	}
	freq, ok := models.ParseFrequency(q.Frequency)
	if !ok {
		return window{}, failure.Invalid("frequency", q.Frequency, "minute", "day", "week")
	}

	table := q.Table
	if table == "" {
		table = DefaultTable
	}
	quoted, err := quoteIdent(table)
	if err != nil {
		return window{}, err
	}

	channels, err := normalizeChannels(q.Channels)
	if err != nil {
		return window{}, err
	}

	end := q.End
	if end.IsZero() {
		end = now
	}
	start := q.Start
	if start.IsZero() {
		span := q.DaySpan
		if span <= 0 {
			span = DefaultQueryDaySpan
		}
		start = end.AddDate(0, 0, -span)
	}
	if start.After(end) {
		return window{}, failure.Invalid("time window", fmt.Sprintf("%s..%s", start.Format(time.RFC3339), end.Format(time.RFC3339)))
	}

	return window{
		channels:  channels,
		start:     start,
		end:       end,
		table:     table,
		quoted:    quoted,
		assetType: assetType,
		frequency: freq,
	}, nil
}

func normalizeChannels(channels []string) ([]string, error) {
	var out []string
	for _, c := range channels {
		c = strings.TrimSpace(c)
		if c == "" || c == "*" {
			continue
		}
		if !isStoredColumn(c) {
			return nil, failure.Invalid("channel", c, StoredColumns...)
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return StoredColumns, nil
	}
	return out, nil
}

func isStoredColumn(c string) bool {
	for _, s := range StoredColumns {
		if s == c {
			return true
		}
	}
	return false
}

// sql renders the parameterized statement for w and its arguments.
// Table and column names are validated identifiers, values are bound.
func (w window) sql() (string, []any) {
	args := []any{w.start, w.end, string(w.assetType)}
	where := "WHERE time BETWEEN ? AND ? AND type = ?"

	if w.frequency == models.FrequencyMinute {
		cols := make([]string, len(w.channels))
		for i, c := range w.channels {
			cols[i] = "`" + c + "`"
		}
		return fmt.Sprintf("SELECT %s FROM %s %s ORDER BY time", strings.Join(cols, ", "), w.quoted, where), args
	}

	period := "day"
	if w.frequency == models.FrequencyWeek {
		period = "toMonday(day)"
	}
	return fmt.Sprintf(
		"SELECT %s AS period, ticker, type, currency, name, "+
			"uniq(time) AS uniq_time, count() AS cnt, "+
			"argMin(o, time) AS o, max(h) AS h, min(l) AS l, argMax(c, time) AS c, sum(v) AS v "+
			"FROM %s %s "+
			"GROUP BY period, ticker, type, currency, name "+
			"ORDER BY period DESC, ticker",
		period, w.quoted, where,
	), args
}

// Statements of the dedup-upsert write path.

func dropTableSQL(quoted string) string {
	return "DROP TABLE IF EXISTS " + quoted
}

func createStagingSQL(quoted string) string {
	return "CREATE TABLE " + quoted + " (" +
		"figi String, interval String, " +
		"o Float64, c Float64, h Float64, l Float64, v Int64, " +
		"time DateTime, ticker String, isin String, " +
		"min_price_increment Float64, lot Int64, " +
		"currency String, name String, type String" +
		") ENGINE = Log"
}

// createTargetSQL is the DDL of the target table. The migration for the
// default table carries the same definition.
func createTargetSQL(quoted string) string {
	return "CREATE TABLE IF NOT EXISTS " + quoted + " (" +
		"day Date, figi String, interval String, " +
		"o Float64, c Float64, h Float64, l Float64, v Int64, " +
		"time DateTime, ticker String, isin String, " +
		"min_price_increment Float64, lot Int64, " +
		"currency String, name String, type String" +
		") ENGINE = MergeTree() PARTITION BY toYYYYMM(day) ORDER BY (ticker, time)"
}

func insertStagingSQL(quoted string) string {
	return "INSERT INTO " + quoted + " (" + strings.Join(stagingColumns, ", ") + ")"
}

func countSQL(quoted string) string {
	return "SELECT count() FROM " + quoted
}

// mergeSQL inserts every staged row whose (ticker, time) is not already in the target.
func mergeSQL(target, staging string) string {
	return "INSERT INTO " + target + " (" + strings.Join(StoredColumns, ", ") + ") " +
		"SELECT DISTINCT toDate(time) AS day, " + strings.Join(stagingColumns, ", ") + " " +
		"FROM " + staging + " " +
		"WHERE (ticker, time) NOT IN (SELECT ticker, time FROM " + target + ")"
}
