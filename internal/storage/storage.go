// Package storage provides the time-series store used by the ingestion
// pipeline and the query API: a ClickHouse implementation speaking the native
// protocol and an in-memory implementation with the same semantics.
package storage

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/navid-fn/tickhouse/internal/models"
)

// Reader is the read side of the store.
type Reader interface {
	// ListDatabases returns the database names visible to the session.
	ListDatabases(ctx context.Context) ([]string, error)

	// ListTables returns the table names of database.
	ListTables(ctx context.Context, database string) ([]string, error)

	// DescribeTable returns the column names and types of table.
	DescribeTable(ctx context.Context, table string) ([]Column, error)

	// ReadTable scans the whole table into memory. The caller accepts the
	// memory cost: a minutes table can be very large.
	ReadTable(ctx context.Context, table string) (*Frame, error)

	// QueryByTimeWindow reads rows or day/week bars. Invalid parameters are
	// reported before any I/O.
	QueryByTimeWindow(ctx context.Context, q TimeWindowQuery) (*QueryResult, error)
}

// Writer is the write side of the store.
type Writer interface {
	// AppendDeduplicated inserts the records whose (ticker, time) pair is not
	// yet in table. Existing rows are never updated.
	AppendDeduplicated(ctx context.Context, table string, records []models.EnrichedRecord, opts AppendOptions) (AppendResult, error)
}

// Store is a connected session to the time-series store.
// Implementations must be safe for use by one writer and concurrent readers.
type Store interface {
	Reader
	Writer

	// Close verifies the session and releases it. Closing twice is a no-op.
	Close() error
}

// AppendOptions tunes one AppendDeduplicated call.
type AppendOptions struct {
	// KeepStaging leaves the staging table in place after the merge.
	KeepStaging bool
}

// AppendResult reports what a write did. Inserted is After - Before and is an
// observability signal, not a correctness check.
type AppendResult struct {
	// Table is the target after name normalization.
	Table string

	// Staging is the staging table of this write. It still exists after a
	// failure or with KeepStaging.
	Staging string

	Staged   uint64
	Before   uint64
	After    uint64
	Inserted int64
}

// QueryResult holds minute rows or aggregated bars, depending on Frequency.
type QueryResult struct {
	Frequency models.Frequency `json:"frequency"`

	// Columns lists the populated columns of Rows at minute frequency.
	Columns []string           `json:"columns,omitempty"`
	Rows    []models.StoredRow `json:"rows,omitempty"`
	Bars    []models.Bar       `json:"bars,omitempty"`
}

// Len returns the number of rows or bars.
// Projected returns the minute rows keyed by column name, holding only the
// selected Columns.
func (r *QueryResult) Projected() []map[string]any {
	if len(r.Rows) == 0 {
		return nil
	}
	cols := r.Columns
	if len(cols) == 0 {
		cols = StoredColumns
	}
	out := make([]map[string]any, len(r.Rows))
	for i := range r.Rows {
		row := make(map[string]any, len(cols))
		for _, c := range cols {
			row[c] = columnValue(&r.Rows[i], c)
		}
		out[i] = row
	}
	return out
}

// MarshalJSON renders Rows through Projected, so unselected columns are
// absent rather than zero.
func (r QueryResult) MarshalJSON() ([]byte, error) {
	type plain QueryResult
	return json.Marshal(struct {
		plain
		Rows []map[string]any `json:"rows,omitempty"`
	}{plain: plain(r), Rows: r.Projected()})
}

func columnValue(row *models.StoredRow, column string) any {
	if column == "type" {
		return string(row.Type)
	}
	dest := columnDest(row, nil, column)
	if dest == nil {
		return nil
	}
	return reflect.ValueOf(dest).Elem().Interface()
}

func (r *QueryResult) Len() int {
	if r.Frequency == models.FrequencyMinute {
		return len(r.Rows)
	}
	return len(r.Bars)
}

// dedupRecords keeps the first record per (ticker, time).
func dedupRecords(records []models.EnrichedRecord) []models.EnrichedRecord {
	seen := make(map[models.RecordKey]struct{}, len(records))
	out := make([]models.EnrichedRecord, 0, len(records))
	for _, r := range records {
		k := r.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}
