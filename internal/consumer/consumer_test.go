package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/tickhouse/internal/logger"
	"github.com/navid-fn/tickhouse/internal/models"
	"github.com/navid-fn/tickhouse/internal/storage"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type failingWriter struct{}

func (failingWriter) AppendDeduplicated(context.Context, string, []models.EnrichedRecord, storage.AppendOptions) (storage.AppendResult, error) {
	return storage.AppendResult{}, errors.New("store down")
}

func record(ticker string, minute int) models.EnrichedRecord {
	return models.EnrichedRecord{
		Candle: models.Candle{
			FIGI:   "FIGI_" + ticker,
			Time:   time.Date(2024, 3, 1, 10, minute, 0, 0, time.UTC),
			Open:   1,
			Close:  2,
			High:   3,
			Low:    0.5,
			Volume: 10,
		},
		Ticker: ticker,
		Type:   models.AssetStock,
	}
}

func message(t *testing.T, offset int64, v any) kafka.Message {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func TestConsumerFlushesOnBatchSize(t *testing.T) {
	reader := &fakeReader{}
	for i := 0; i < 4; i++ {
		reader.msgs = append(reader.msgs, message(t, int64(i), record("AAA", i)))
	}
	store := storage.NewMemoryStore(logger.Discard())
	c := New(reader, store, logger.Discard(), Config{BatchSize: 2, BatchTimeout: time.Hour, Table: "minutes"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return len(reader.Committed()) == 4 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, store.Rows("minutes"), 4)
	assert.Equal(t, []int64{0, 1, 2, 3}, reader.Committed())
}

func TestConsumerFlushesOnShutdown(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{message(t, 7, record("BBB", 1))}}
	store := storage.NewMemoryStore(logger.Discard())
	c := New(reader, store, logger.Discard(), Config{BatchSize: 100, BatchTimeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return len(reader.msgs) == 0
	}, 2*time.Second, 10*time.Millisecond)
	// let the loop append the fetched message before stopping
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, store.Rows(storage.DefaultTable), 1)
	assert.Equal(t, []int64{7}, reader.Committed())
}

func TestConsumerDuplicatesAreAbsorbed(t *testing.T) {
	reader := &fakeReader{}
	for i := 0; i < 4; i++ {
		reader.msgs = append(reader.msgs, message(t, int64(i), record("AAA", 1)))
	}
	store := storage.NewMemoryStore(logger.Discard())
	c := New(reader, store, logger.Discard(), Config{BatchSize: 2, BatchTimeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return len(reader.Committed()) == 4 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, store.Rows(storage.DefaultTable), 1)
}

func TestConsumerWriteFailureLeavesOffsetsUncommitted(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		message(t, 0, record("AAA", 1)),
		message(t, 1, record("AAA", 2)),
	}}
	c := New(reader, failingWriter{}, logger.Discard(), Config{BatchSize: 2, BatchTimeout: time.Hour})

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")
	assert.Empty(t, reader.Committed())
}

func TestConsumerStoresCanonicalAssetClass(t *testing.T) {
	rec := record("CCC", 3)
	rec.Type = "STOCK"
	reader := &fakeReader{msgs: []kafka.Message{message(t, 1, rec)}}
	store := storage.NewMemoryStore(logger.Discard())
	c := New(reader, store, logger.Discard(), Config{BatchSize: 1, BatchTimeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return len(reader.Committed()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	res, err := store.QueryByTimeWindow(context.Background(), storage.TimeWindowQuery{
		InstrumentType: "Stock",
		Frequency:      "minute",
		Start:          time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, models.AssetStock, res.Rows[0].Type)
}

func TestDecode(t *testing.T) {
	good := record("AAA", 1)
	_, err := decode(message(t, 0, good))
	require.NoError(t, err)

	_, err = decode(kafka.Message{Value: []byte("{not json")})
	assert.Error(t, err)

	noTicker := good
	noTicker.Ticker = ""
	_, err = decode(message(t, 0, noTicker))
	assert.Error(t, err)

	badType := good
	badType.Type = "Crypto"
	_, err = decode(message(t, 0, badType))
	assert.Error(t, err)

	upper := good
	upper.Type = "STOCK"
	got, err := decode(message(t, 0, upper))
	require.NoError(t, err)
	assert.Equal(t, models.AssetStock, got.Type)

	inverted := good
	inverted.High, inverted.Low = 0.1, 5
	_, err = decode(message(t, 0, inverted))
	assert.Error(t, err)
}
