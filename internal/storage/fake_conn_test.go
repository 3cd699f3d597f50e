package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

type call struct {
	kind  string
	query string
	args  []any
}

// fakeConn scripts answers for the statements the store issues.
type fakeConn struct {
	mu sync.Mutex

	calls   []call
	counts  map[string][]uint64
	rows    [][]any
	columns []fakeColumn
	failOn  string
	batch   *fakeBatch
	closed  int
	pingErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{counts: make(map[string][]uint64)}
}

func (f *fakeConn) record(kind, query string, args []any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind: kind, query: query, args: args})
	if f.failOn != "" && strings.Contains(query, f.failOn) {
		return errors.New("code: 60, message: scripted failure")
	}
	return nil
}

func (f *fakeConn) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeConn) statements(kind string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.kind == kind {
			out = append(out, c.query)
		}
	}
	return out
}

func (f *fakeConn) Ping(context.Context) error {
	if err := f.record("ping", "", nil); err != nil {
		return err
	}
	return f.pingErr
}

func (f *fakeConn) Exec(_ context.Context, query string, args ...any) error {
	return f.record("exec", query, args)
}

func (f *fakeConn) Query(_ context.Context, query string, args ...any) (driver.Rows, error) {
	if err := f.record("query", query, args); err != nil {
		return nil, err
	}
	return &fakeRows{data: f.rows, columns: f.columns}, nil
}

func (f *fakeConn) QueryRow(_ context.Context, query string, args ...any) driver.Row {
	if err := f.record("row", query, args); err != nil {
		return &fakeRow{err: err}
	}
	if query == "SELECT 1" {
		return &fakeRow{value: uint8(1)}
	}
	if table, ok := strings.CutPrefix(query, "SELECT count() FROM "); ok {
		f.mu.Lock()
		defer f.mu.Unlock()
		queue := f.counts[table]
		if len(queue) == 0 {
			return &fakeRow{value: uint64(0)}
		}
		f.counts[table] = queue[1:]
		return &fakeRow{value: queue[0]}
	}
	return &fakeRow{err: fmt.Errorf("unexpected query %q", query)}
}

func (f *fakeConn) PrepareBatch(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	if err := f.record("batch", query, nil); err != nil {
		return nil, err
	}
	f.batch = &fakeBatch{}
	return f.batch, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// assign copies values into scan destinations by reflection.
func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(values[i]))
	}
	return nil
}

type fakeRow struct {
	driver.Row
	value any
	err   error
}

func (r *fakeRow) Err() error { return r.err }

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, []any{r.value})
}

type fakeRows struct {
	driver.Rows
	data    [][]any
	columns []fakeColumn
	pos     int
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error { return assign(dest, r.data[r.pos-1]) }

func (r *fakeRows) ColumnTypes() []driver.ColumnType {
	out := make([]driver.ColumnType, len(r.columns))
	for i := range r.columns {
		out[i] = r.columns[i]
	}
	return out
}

func (r *fakeRows) Close() error { return nil }
func (r *fakeRows) Err() error   { return nil }

type fakeColumn struct {
	driver.ColumnType
	name     string
	dbType   string
	scanType reflect.Type
}

func (c fakeColumn) Name() string             { return c.name }
func (c fakeColumn) DatabaseTypeName() string { return c.dbType }
func (c fakeColumn) ScanType() reflect.Type   { return c.scanType }

type fakeBatch struct {
	driver.Batch
	rows    [][]any
	sent    bool
	aborted bool
}

func (b *fakeBatch) Append(v ...any) error {
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Send() error {
	b.sent = true
	return nil
}

func (b *fakeBatch) Abort() error {
	b.aborted = true
	return nil
}
