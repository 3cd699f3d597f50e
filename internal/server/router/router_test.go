package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/tickhouse/internal/cache"
	"github.com/navid-fn/tickhouse/internal/logger"
	"github.com/navid-fn/tickhouse/internal/models"
	"github.com/navid-fn/tickhouse/internal/server/handler"
	"github.com/navid-fn/tickhouse/internal/server/service"
	"github.com/navid-fn/tickhouse/internal/storage"
)

func seededRouter(t *testing.T) (*gin.Engine, *storage.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storage.NewMemoryStore(logger.Discard())
	var records []models.EnrichedRecord
	for _, day := range []int{1, 2} {
		for i := 0; i < 3; i++ {
			price := float64(100 + i)
			records = append(records, models.EnrichedRecord{
				Candle: models.Candle{
					FIGI: "FIGI-AAPL", Interval: "1min",
					Open: price, Close: price + 1, High: price + 2, Low: price - 1, Volume: 10,
					Time: time.Date(2020, 4, day, 10, i, 0, 0, time.UTC),
				},
				Ticker: "AAPL", Currency: "USD", Name: "Apple", Type: models.AssetStock,
			})
		}
	}
	_, err := store.AppendDeduplicated(context.Background(), "minutes", records, storage.AppendOptions{})
	require.NoError(t, err)

	runs := storage.NewMemoryRunRepository()
	require.NoError(t, runs.Record(context.Background(), &storage.IngestionRun{RunID: "r1", Status: storage.RunSucceeded}))

	svc := service.NewCandleService(store, runs, cache.NewMemoryCache(time.Minute), time.Minute, logger.Discard())
	return NewRouter(&Config{CandleHandler: handler.NewCandleHandler(svc), Logger: logger.Discard()}), store
}

func get(t *testing.T, r http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

func TestGetCandlesDay(t *testing.T) {
	r, _ := seededRouter(t)

	w, body := get(t, r, "/v1/candles?type=stock&frequency=day&start=2020-03-30T00:00:00Z&end=2020-04-05T00:00:00Z")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "day", body["frequency"])
	bars := body["bars"].([]any)
	require.Len(t, bars, 2)
	first := bars[0].(map[string]any)
	assert.Equal(t, "AAPL", first["ticker"])
	assert.Equal(t, 100.0, first["o"])
	assert.Equal(t, 103.0, first["c"])
	assert.Equal(t, 30.0, first["v"])
}

func TestGetCandlesMinute(t *testing.T) {
	r, _ := seededRouter(t)

	w, body := get(t, r, "/v1/candles?type=Stock&frequency=min&start=2020-04-01%2000:00:00&end=2020-04-01%2023:59:59&channels=ticker,time,c")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"ticker", "time", "c"}, body["columns"])
	rows := body["rows"].([]any)
	require.Len(t, rows, 3)
	first := rows[0].(map[string]any)
	assert.Len(t, first, 3)
	assert.Equal(t, "AAPL", first["ticker"])
	assert.Equal(t, 101.0, first["c"])
	assert.NotContains(t, first, "o")
	assert.NotContains(t, first, "day")
}

func TestGetCandlesMinuteProjectionSurvivesCache(t *testing.T) {
	r, _ := seededRouter(t)
	target := "/v1/candles?type=Stock&frequency=min&start=2020-04-01%2000:00:00&end=2020-04-01%2023:59:59&channels=ticker,o"

	get(t, r, target)
	w, body := get(t, r, target)
	require.Equal(t, http.StatusOK, w.Code)
	first := body["rows"].([]any)[0].(map[string]any)
	assert.Equal(t, map[string]any{"ticker": "AAPL", "o": 100.0}, first)
}

func TestGetCandlesInvalid(t *testing.T) {
	r, store := seededRouter(t)
	before := store.Calls()

	for _, target := range []string{
		"/v1/candles?type=Crypto&frequency=day",
		"/v1/candles?type=Stock&frequency=hour",
		"/v1/candles?type=Stock&start=yesterday",
		"/v1/candles?type=Stock&days=ten",
	} {
		w, body := get(t, r, target)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
		assert.Contains(t, body["error"], "invalid", target)
	}
	assert.Equal(t, before, store.Calls())
}

func TestGetCandlesCached(t *testing.T) {
	r, store := seededRouter(t)
	target := "/v1/candles?type=Stock&frequency=week&start=2020-03-30T00:00:00Z&end=2020-04-05T00:00:00Z"

	w, _ := get(t, r, target)
	require.Equal(t, http.StatusOK, w.Code)
	calls := store.Calls()

	w, body := get(t, r, target)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, calls, store.Calls())
	assert.Len(t, body["bars"], 1)
}

func TestSchemaRoutes(t *testing.T) {
	r, _ := seededRouter(t)

	w, body := get(t, r, "/v1/databases")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"default"}, body["databases"])

	w, body = get(t, r, "/v1/tables")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"minutes"}, body["tables"])

	w, body = get(t, r, "/v1/tables/minutes/columns")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["columns"], len(storage.StoredColumns))

	w, _ = get(t, r, "/v1/tables/missing/columns")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunsAndHealth(t *testing.T) {
	r, store := seededRouter(t)

	w, body := get(t, r, "/v1/runs?limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	runs := body["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].(map[string]any)["run_id"])

	w, body = get(t, r, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "up", body["status"])

	require.NoError(t, store.Close())
	w, body = get(t, r, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "down", body["status"])
}
