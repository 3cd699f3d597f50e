package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/navid-fn/tickhouse/internal/failure"
	"github.com/navid-fn/tickhouse/internal/models"
)

// memoryDatabase is the only database a MemoryStore exposes.
const memoryDatabase = "default"

var storedColumnTypes = map[string]string{
	"day":                 "Date",
	"figi":                "String",
	"interval":            "String",
	"o":                   "Float64",
	"c":                   "Float64",
	"h":                   "Float64",
	"l":                   "Float64",
	"v":                   "Int64",
	"time":                "DateTime",
	"ticker":              "String",
	"isin":                "String",
	"min_price_increment": "Float64",
	"lot":                 "Int64",
	"currency":            "String",
	"name":                "String",
	"type":                "String",
}

type memoryTable struct {
	rows []models.StoredRow
	keys map[models.RecordKey]struct{}
}

// MemoryStore is a Store kept in process memory. It applies the same
// validation, renaming and dedup rules as ClickHouseStore and aggregates
// day/week bars with models.Aggregate.
type MemoryStore struct {
	logger *logrus.Entry
	now    func() time.Time

	mu     sync.RWMutex
	tables map[string]*memoryTable
	calls  int
	closed bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(logger logrus.FieldLogger) *MemoryStore {
	return &MemoryStore{
		logger: logger.WithField("component", "storage"),
		now:    time.Now,
		tables: make(map[string]*memoryTable),
	}
}

// Calls returns the number of operations that reached the data.
func (m *MemoryStore) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// Rows returns a copy of the stored rows of table.
func (m *MemoryStore) Rows(table string) []models.StoredRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil
	}
	return append([]models.StoredRow(nil), t.rows...)
}

// touch counts a call and fails once the store is closed. Callers hold mu.
func (m *MemoryStore) touch() error {
	if m.closed {
		return &failure.ConnectionError{Stage: failure.StageStoreQuery, Address: "memory", Err: errors.New("store is closed")}
	}
	m.calls++
	return nil
}

func (m *MemoryStore) ListDatabases(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.touch(); err != nil {
		return nil, err
	}
	return []string{memoryDatabase}, nil
}

func (m *MemoryStore) ListTables(_ context.Context, database string) ([]string, error) {
	if database == "" {
		database = memoryDatabase
	}
	if !identRe.MatchString(database) {
		return nil, failure.Invalid("database", database)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.touch(); err != nil {
		return nil, err
	}
	if database != memoryDatabase {
		return nil, nil
	}
	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) DescribeTable(_ context.Context, table string) ([]Column, error) {
	if _, err := quoteIdent(table); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.touch(); err != nil {
		return nil, err
	}
	if _, ok := m.tables[m.local(table)]; !ok {
		return nil, failure.Invalid("table", table)
	}
	cols := make([]Column, len(StoredColumns))
	for i, c := range StoredColumns {
		cols[i] = Column{Name: c, Type: storedColumnTypes[c]}
	}
	return cols, nil
}

func (m *MemoryStore) ReadTable(_ context.Context, table string) (*Frame, error) {
	if _, err := quoteIdent(table); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.touch(); err != nil {
		return nil, err
	}
	t, ok := m.tables[m.local(table)]
	if !ok {
		return nil, failure.Invalid("table", table)
	}

	frame := &Frame{Columns: make([]Column, len(StoredColumns))}
	for i, c := range StoredColumns {
		frame.Columns[i] = Column{Name: c, Type: storedColumnTypes[c]}
	}
	for _, r := range t.rows {
		frame.Rows = append(frame.Rows, rowValues(r, StoredColumns))
	}
	return frame, nil
}

func (m *MemoryStore) QueryByTimeWindow(_ context.Context, q TimeWindowQuery) (*QueryResult, error) {
	w, err := q.normalize(m.now())
	if err != nil {
		m.logger.WithError(err).Error("does not query anything")
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.touch(); err != nil {
		return nil, err
	}

	var selected []models.StoredRow
	if t, ok := m.tables[m.local(w.table)]; ok {
		for _, r := range t.rows {
			if r.Type != w.assetType || r.Time.Before(w.start) || r.Time.After(w.end) {
				continue
			}
			selected = append(selected, r)
		}
	}
	sort.SliceStable(selected, func(i, j int) bool { return selected[i].Time.Before(selected[j].Time) })

	result := &QueryResult{Frequency: w.frequency}
	if w.frequency == models.FrequencyMinute {
		result.Columns = w.channels
		result.Rows = selected
		return result, nil
	}
	result.Bars = models.Aggregate(selected, w.frequency)
	return result, nil
}

func (m *MemoryStore) AppendDeduplicated(_ context.Context, table string, records []models.EnrichedRecord, _ AppendOptions) (AppendResult, error) {
	log := m.logger.WithField("table", table)
	if len(records) == 0 {
		log.Info("no rows to write, target table will not be modified")
		return AppendResult{Table: table}, nil
	}

	if renamed, ok := normalizeTableName(table); ok {
		log.Warnf("table name starts with a digit, renamed to %s", renamed)
		table = renamed
	}
	if _, err := quoteIdent(table); err != nil {
		return AppendResult{Table: table}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.touch(); err != nil {
		return AppendResult{Table: table}, err
	}

	unique := dedupRecords(records)
	t, ok := m.tables[m.local(table)]
	if !ok {
		t = &memoryTable{keys: make(map[models.RecordKey]struct{})}
		m.tables[m.local(table)] = t
	}

	res := AppendResult{Table: table, Staged: uint64(len(unique)), Before: uint64(len(t.rows))}
	for _, r := range unique {
		k := r.Key()
		if _, ok := t.keys[k]; ok {
			continue
		}
		t.keys[k] = struct{}{}
		t.rows = append(t.rows, models.ToStoredRow(r))
	}
	res.After = uint64(len(t.rows))
	res.Inserted = int64(res.After) - int64(res.Before)

	log.WithFields(logrus.Fields{"inserted": res.Inserted, "total": res.After}).Info("merge complete")
	return res, nil
}

// Close is a no-op after the first call.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// local strips the default database qualifier.
func (m *MemoryStore) local(table string) string {
	return strings.TrimPrefix(table, memoryDatabase+".")
}

func rowValues(r models.StoredRow, columns []string) []any {
	out := make([]any, len(columns))
	var typ string
	for i, c := range columns {
		d := columnDest(&r, &typ, c)
		if c == "type" {
			out[i] = string(r.Type)
			continue
		}
		switch p := d.(type) {
		case *string:
			out[i] = *p
		case *float64:
			out[i] = *p
		case *int64:
			out[i] = *p
		case *time.Time:
			out[i] = *p
		}
	}
	return out
}

var (
	_ Store = (*ClickHouseStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
