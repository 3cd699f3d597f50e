package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/navid-fn/tickhouse/internal/cache"
	"github.com/navid-fn/tickhouse/internal/storage"
)

const defaultRunsLimit = 20

// CandleService answers read requests from the store, caching candle queries.
type CandleService struct {
	reader storage.Reader
	runs   storage.RunRepository
	cache  cache.Cache
	ttl    time.Duration
	logger *logrus.Entry
}

func NewCandleService(reader storage.Reader, runs storage.RunRepository, c cache.Cache, ttl time.Duration, logger logrus.FieldLogger) *CandleService {
	return &CandleService{
		reader: reader,
		runs:   runs,
		cache:  c,
		ttl:    ttl,
		logger: logger.WithField("component", "service"),
	}
}

// Candles runs a time-window query. Answers are cached by their parameters.
func (s *CandleService) Candles(ctx context.Context, q storage.TimeWindowQuery) (*storage.QueryResult, error) {
	key := candleKey(q)
	if raw, ok, err := s.cache.Get(ctx, key); err != nil {
		s.logger.WithError(err).Warn("cache read failed")
	} else if ok {
		var res storage.QueryResult
		if err := json.Unmarshal(raw, &res); err == nil {
			return &res, nil
		}
	}

	res, err := s.reader.QueryByTimeWindow(ctx, q)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(res); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
			s.logger.WithError(err).Warn("cache write failed")
		}
	}
	return res, nil
}

func (s *CandleService) Databases(ctx context.Context) ([]string, error) {
	return s.reader.ListDatabases(ctx)
}

func (s *CandleService) Tables(ctx context.Context, database string) ([]string, error) {
	return s.reader.ListTables(ctx, database)
}

func (s *CandleService) Columns(ctx context.Context, table string) ([]storage.Column, error) {
	return s.reader.DescribeTable(ctx, table)
}

// Runs returns the latest ingestion runs, newest first.
func (s *CandleService) Runs(ctx context.Context, limit int) ([]storage.IngestionRun, error) {
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	return s.runs.Latest(ctx, limit)
}

// Health checks the store and the cache.
func (s *CandleService) Health(ctx context.Context) error {
	if _, err := s.reader.ListDatabases(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := s.cache.Ping(ctx); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

func candleKey(q storage.TimeWindowQuery) string {
	return fmt.Sprintf("candles:%s:%s:%s:%d:%d:%d:%s",
		q.Table,
		strings.ToLower(q.InstrumentType),
		strings.ToLower(q.Frequency),
		q.Start.Unix(),
		q.End.Unix(),
		q.DaySpan,
		strings.Join(q.Channels, ","),
	)
}
