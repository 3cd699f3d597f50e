package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/tickhouse/internal/failure"
	"github.com/navid-fn/tickhouse/internal/models"
	"github.com/navid-fn/tickhouse/internal/timefmt"
)

const probeTimeout = 5 * time.Second

// conn is the subset of driver.Conn the store uses.
type conn interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) driver.Row
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

// ClickHouseStore implements Store over the ClickHouse native protocol.
// Values are always bound as query arguments; identifiers are validated and quoted.
type ClickHouseStore struct {
	conn    conn
	address string
	logger  *logrus.Entry
	now     func() time.Time

	// stagingID names the staging table of one write.
	stagingID func() string

	mu     sync.Mutex
	closed bool
}

// Connect parses the DSN, opens a session and verifies it with a probe query.
// Any failure is returned as a *failure.ConnectionError.
func Connect(ctx context.Context, dsn string, logger logrus.FieldLogger) (*ClickHouseStore, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, &failure.ConnectionError{Stage: failure.StageStoreConnect, Address: "clickhouse", Err: err}
	}
	address := strings.Join(opts.Addr, ",")

	log := logger.WithField("component", "storage")
	log.Infof("connection to %s is in progress ...", address)

	c, err := clickhouse.Open(opts)
	if err != nil {
		return nil, &failure.ConnectionError{Stage: failure.StageStoreConnect, Address: address, Err: err}
	}

	s := newClickHouseStore(c, address, logger)
	pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := s.probe(pingCtx); err != nil {
		_ = c.Close()
		log.WithError(err).Error("connection failed")
		return nil, &failure.ConnectionError{Stage: failure.StageStoreConnect, Address: address, Err: err}
	}

	log.Info("connected to database")
	return s, nil
}

func newClickHouseStore(c conn, address string, logger logrus.FieldLogger) *ClickHouseStore {
	return &ClickHouseStore{
		conn:    c,
		address: address,
		logger:  logger.WithField("component", "storage"),
		now:     time.Now,

		stagingID: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

// probe checks liveness with SELECT 1.
func (s *ClickHouseStore) probe(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return err
	}
	var one uint8
	if err := s.conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return err
	}
	if one != 1 {
		return fmt.Errorf("unexpected probe answer %d", one)
	}
	return nil
}

// Close probes the session and closes it. Closing an already closed store is a no-op.
func (s *ClickHouseStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if err := s.probe(ctx); err != nil {
		s.logger.WithError(err).Warn("session was already unhealthy at close")
	}
	return s.conn.Close()
}

func (s *ClickHouseStore) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &failure.ConnectionError{Stage: failure.StageStoreQuery, Address: s.address, Err: errors.New("store is closed")}
	}
	return nil
}

// ListDatabases returns the names from system.databases.
func (s *ClickHouseStore) ListDatabases(ctx context.Context) ([]string, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return s.queryStrings(ctx, "SELECT name FROM system.databases ORDER BY name")
}

// ListTables returns the tables of database, or of the session database when
// database is empty.
func (s *ClickHouseStore) ListTables(ctx context.Context, database string) ([]string, error) {
	if database != "" && !identRe.MatchString(database) {
		return nil, failure.Invalid("database", database)
	}
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if database == "" {
		return s.queryStrings(ctx, "SELECT name FROM system.tables WHERE database = currentDatabase() ORDER BY name")
	}
	return s.queryStrings(ctx, "SELECT name FROM system.tables WHERE database = ? ORDER BY name", database)
}

// DescribeTable returns the columns of table in declaration order. A table
// name without a database prefix is resolved in the session database.
func (s *ClickHouseStore) DescribeTable(ctx context.Context, table string) ([]Column, error) {
	if _, err := quoteIdent(table); err != nil {
		return nil, err
	}
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	query := "SELECT name, type FROM system.columns WHERE database = currentDatabase() AND table = ? ORDER BY position"
	args := []any{table}
	if db, name, ok := strings.Cut(table, "."); ok {
		query = "SELECT name, type FROM system.columns WHERE database = ? AND table = ? ORDER BY position"
		args = []any{db, name}
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, s.queryError(err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, s.queryError(err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.queryError(err)
	}
	if len(cols) == 0 {
		return nil, failure.Invalid("table", table)
	}
	return cols, nil
}

// ReadTable returns every row of table.
func (s *ClickHouseStore) ReadTable(ctx context.Context, table string) (*Frame, error) {
	quoted, err := quoteIdent(table)
	if err != nil {
		return nil, err
	}
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	start := time.Now()
	log := s.logger.WithField("table", table)
	log.Info("read table from store")

	rows, err := s.conn.Query(ctx, "SELECT * FROM "+quoted)
	if err != nil {
		return nil, s.queryError(err)
	}
	defer rows.Close()

	types := rows.ColumnTypes()
	frame := &Frame{Columns: make([]Column, len(types))}
	for i, ct := range types {
		frame.Columns[i] = Column{Name: ct.Name(), Type: ct.DatabaseTypeName()}
	}

	for rows.Next() {
		dest := make([]any, len(types))
		for i, ct := range types {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, s.queryError(err)
		}
		row := make([]any, len(dest))
		for i, d := range dest {
			row[i] = reflect.ValueOf(d).Elem().Interface()
		}
		frame.Rows = append(frame.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, s.queryError(err)
	}

	log.WithField("rows", frame.Len()).Info(timefmt.Since(start))
	return frame, nil
}

// QueryByTimeWindow validates q, then reads minute rows or server-side
// aggregated day/week bars.
func (s *ClickHouseStore) QueryByTimeWindow(ctx context.Context, q TimeWindowQuery) (*QueryResult, error) {
	w, err := q.normalize(s.now())
	if err != nil {
		s.logger.WithError(err).Error("does not query anything")
		return nil, err
	}
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	start := time.Now()
	query, args := w.sql()
	log := s.logger.WithFields(logrus.Fields{
		"table":     w.table,
		"type":      w.assetType,
		"frequency": w.frequency,
		"from":      w.start.Format(timefmt.DateLayout),
		"to":        w.end.Format(timefmt.DateLayout),
	})
	log.Debugf("query string: %s", query)

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, s.queryError(err)
	}
	defer rows.Close()

	result := &QueryResult{Frequency: w.frequency}
	if w.frequency == models.FrequencyMinute {
		result.Columns = w.channels
		result.Rows, err = scanStoredRows(rows, w.channels)
	} else {
		result.Bars, err = scanBars(rows)
	}
	if err != nil {
		return nil, s.queryError(err)
	}

	log.WithField("rows", result.Len()).Infof("data query complete; %s", timefmt.Since(start))
	return result, nil
}

func scanStoredRows(rows driver.Rows, channels []string) ([]models.StoredRow, error) {
	var out []models.StoredRow
	for rows.Next() {
		var (
			row models.StoredRow
			typ string
		)
		dest := make([]any, len(channels))
		for i, c := range channels {
			dest[i] = columnDest(&row, &typ, c)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row.Type = models.AssetClass(typ)
		out = append(out, row)
	}
	return out, rows.Err()
}

// columnDest maps a stored column to the field it scans into.
func columnDest(row *models.StoredRow, typ *string, column string) any {
	switch column {
	case "day":
		return &row.Day
	case "figi":
		return &row.FIGI
	case "interval":
		return &row.Interval
	case "o":
		return &row.Open
	case "c":
		return &row.Close
	case "h":
		return &row.High
	case "l":
		return &row.Low
	case "v":
		return &row.Volume
	case "time":
		return &row.Time
	case "ticker":
		return &row.Ticker
	case "isin":
		return &row.ISIN
	case "min_price_increment":
		return &row.MinPriceIncrement
	case "lot":
		return &row.Lot
	case "currency":
		return &row.Currency
	case "name":
		return &row.Name
	case "type":
		return typ
	}
	return nil
}

func scanBars(rows driver.Rows) ([]models.Bar, error) {
	var out []models.Bar
	for rows.Next() {
		var b models.Bar
		err := rows.Scan(
			&b.Period, &b.Ticker, &b.Type, &b.Currency, &b.Name,
			&b.DistinctTimes, &b.Rows,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AppendDeduplicated stages records in a fresh staging table, then inserts
// the staged rows whose (ticker, time) pair is absent from the target.
//
// The merge is one INSERT ... SELECT statement, so readers see either none
// or all of it as far as the store's statement consistency goes. A failure
// leaves the staging table in place.
func (s *ClickHouseStore) AppendDeduplicated(ctx context.Context, table string, records []models.EnrichedRecord, opts AppendOptions) (AppendResult, error) {
	start := time.Now()
	log := s.logger.WithField("table", table)

	if len(records) == 0 {
		log.Info("no rows to write, target table will not be modified")
		return AppendResult{Table: table}, nil
	}

	if renamed, ok := normalizeTableName(table); ok {
		log.Warnf("table name starts with a digit, renamed to %s", renamed)
		table = renamed
		log = s.logger.WithField("table", table)
	}
	target, err := quoteIdent(table)
	if err != nil {
		return AppendResult{Table: table}, err
	}
	stagingName := stagingTableName(table, s.stagingID())
	staging, _ := quoteIdent(stagingName)

	if err := s.ensureOpen(); err != nil {
		return AppendResult{Table: table}, err
	}

	unique := dedupRecords(records)
	log.WithFields(logrus.Fields{
		"rows":       len(records),
		"unique":     len(unique),
		"columns":    len(stagingColumns),
		"expected_m": expectedWriteMinutes(len(unique), len(stagingColumns)),
	}).Info("data uploading to a staging table ...")

	res := AppendResult{Table: table, Staging: stagingName}
	fail := func(step string, err error) (AppendResult, error) {
		log.WithError(err).WithField("step", step).Error("write failed")
		return res, &failure.StoreWriteError{Table: table, Step: step, Err: err}
	}

	if err := s.conn.Exec(ctx, dropTableSQL(staging)); err != nil {
		return fail("drop staging", err)
	}
	if err := s.conn.Exec(ctx, createStagingSQL(staging)); err != nil {
		return fail("create staging", err)
	}
	if err := s.stage(ctx, staging, unique); err != nil {
		return fail("stage rows", err)
	}

	if res.Staged, err = s.count(ctx, staging); err != nil {
		return fail("count staging", err)
	}
	if res.Before, err = s.count(ctx, target); err != nil {
		return fail("count target", err)
	}
	log.Infof("inserted %d rows to staging table, target has %d rows", res.Staged, res.Before)

	if err := s.conn.Exec(ctx, mergeSQL(target, staging)); err != nil {
		return fail("merge", err)
	}

	if res.After, err = s.count(ctx, target); err != nil {
		return fail("count target", err)
	}
	res.Inserted = int64(res.After) - int64(res.Before)

	if !opts.KeepStaging {
		if err := s.conn.Exec(ctx, dropTableSQL(staging)); err != nil {
			return fail("drop staging", err)
		}
	}

	log.WithFields(logrus.Fields{
		"inserted": res.Inserted,
		"total":    res.After,
	}).Infof("merge complete; %s", timefmt.Since(start))
	return res, nil
}

// stage batch-inserts records into the staging table.
func (s *ClickHouseStore) stage(ctx context.Context, staging string, records []models.EnrichedRecord) error {
	batch, err := s.conn.PrepareBatch(ctx, insertStagingSQL(staging))
	if err != nil {
		return err
	}
	for _, r := range records {
		err := batch.Append(
			r.FIGI,
			r.Interval,
			r.Open,
			r.Close,
			r.High,
			r.Low,
			r.Volume,
			r.Time,
			r.Ticker,
			r.ISIN,
			r.MinPriceIncrement,
			r.Lot,
			r.Currency,
			r.Name,
			string(r.Type),
		)
		if err != nil {
			_ = batch.Abort()
			return err
		}
	}
	return batch.Send()
}

func (s *ClickHouseStore) count(ctx context.Context, quoted string) (uint64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, countSQL(quoted)).Scan(&n)
	return n, err
}

// EnsureTable creates table with the target schema if it does not exist.
func (s *ClickHouseStore) EnsureTable(ctx context.Context, table string) error {
	table, _ = normalizeTableName(table)
	quoted, err := quoteIdent(table)
	if err != nil {
		return err
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.conn.Exec(ctx, createTargetSQL(quoted)); err != nil {
		return &failure.StoreWriteError{Table: table, Step: "create table", Err: err}
	}
	return nil
}

func (s *ClickHouseStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, s.queryError(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, s.queryError(err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, s.queryError(err)
	}
	return out, nil
}

func (s *ClickHouseStore) queryError(err error) error {
	return fmt.Errorf("%s: %w", failure.StageStoreQuery, err)
}

// stagingTableName is unique per write, so concurrent writers to one target
// never share a staging table. It keeps the database qualifier of table.
func stagingTableName(table, id string) string {
	if db, name, ok := strings.Cut(table, "."); ok {
		return db + ".tmp_" + name + "_" + id
	}
	return "tmp_" + table + "_" + id
}

// expectedWriteMinutes is a rough upload estimate measured on a
// production-sized minutes table.
func expectedWriteMinutes(rows, cols int) int {
	return rows * cols / 130000 / 34
}
