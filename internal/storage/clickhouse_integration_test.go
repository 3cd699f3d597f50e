//go:build integration

package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	chmodule "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/navid-fn/tickhouse/internal/logger"
)

func startClickHouse(t *testing.T) (*ClickHouseStore, string) {
	t.Helper()
	ctx := context.Background()

	ctr, err := chmodule.Run(ctx,
		"clickhouse/clickhouse-server:24.3-alpine",
		chmodule.WithUsername("tickhouse"),
		chmodule.WithPassword("tickhouse"),
		chmodule.WithDatabase("market"),
	)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)

	store, err := Connect(ctx, dsn, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, dsn
}

func TestClickHouseRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := startClickHouse(t)
	require.NoError(t, store.EnsureTable(ctx, "minutes"))

	records := twoDaysOfMinutes("AAPL")

	first, err := store.AppendDeduplicated(ctx, "minutes", records, AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(6), first.Inserted)

	second, err := store.AppendDeduplicated(ctx, "minutes", records, AppendOptions{})
	require.NoError(t, err)
	assert.Zero(t, second.Inserted)
	assert.Equal(t, uint64(6), second.After)

	tables, err := store.ListTables(ctx, "market")
	require.NoError(t, err)
	assert.Equal(t, []string{"minutes"}, tables)

	session, err := store.ListTables(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, tables, session)

	res, err := store.QueryByTimeWindow(ctx, TimeWindowQuery{
		InstrumentType: "Stock",
		Frequency:      "day",
		Start:          time.Date(2020, 3, 30, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2020, 4, 5, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, res.Bars, 2)
	assert.Equal(t, 100.0, res.Bars[0].Open)
	assert.Equal(t, 103.0, res.Bars[0].Close)
	assert.Equal(t, int64(300), res.Bars[0].Volume)

	frame, err := store.ReadTable(ctx, "minutes")
	require.NoError(t, err)
	assert.Equal(t, 6, frame.Len())
}

func TestClickHouseConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	store, _ := startClickHouse(t)
	require.NoError(t, store.EnsureTable(ctx, "minutes"))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, ticker := range []string{"AAPL", "MSFT"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = store.AppendDeduplicated(ctx, "minutes", twoDaysOfMinutes(ticker), AppendOptions{})
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	frame, err := store.ReadTable(ctx, "minutes")
	require.NoError(t, err)
	assert.Equal(t, 12, frame.Len())
}

func TestGormRunRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, dsn := startClickHouse(t)

	db, err := OpenGorm(dsn)
	require.NoError(t, err)
	require.NoError(t, db.Set("gorm:table_options", IngestionRun{}.TableOptions()).AutoMigrate(&IngestionRun{}))

	runs := NewGormRunRepository(db)
	require.NoError(t, runs.Record(ctx, &IngestionRun{RunID: "r1", StartedAt: time.Now(), Status: RunSucceeded}))
	latest, err := runs.Latest(ctx, 5)
	require.NoError(t, err)
	require.Len(t, latest, 1)

	require.NoError(t, CloseGorm(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Error(t, sqlDB.Ping())
}
