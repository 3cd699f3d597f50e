// Package consumer loads the published candle topic into a store table.
// It batches records and commits Kafka offsets only after the batch is
// written, so delivery is at-least-once and the dedup-upsert absorbs replays.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/tickhouse/configs"
	"github.com/navid-fn/tickhouse/internal/models"
	"github.com/navid-fn/tickhouse/internal/storage"
)

const flushTimeout = 30 * time.Second

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Config holds batching parameters.
type Config struct {
	// BatchSize is the number of records that triggers a write.
	BatchSize int

	// BatchTimeout is the longest a non-empty batch waits.
	BatchTimeout time.Duration

	Table string
}

// Consumer reads enriched records and upserts them in batches.
type Consumer struct {
	reader MessageReader
	store  storage.Writer
	logger *logrus.Entry
	cfg    Config
}

// NewKafkaReader builds a group reader with manual commits.
func NewKafkaReader(cfg configs.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        []string{cfg.Broker},
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,
	})
}

func New(reader MessageReader, store storage.Writer, logger logrus.FieldLogger, cfg Config) *Consumer {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.Table == "" {
		cfg.Table = storage.DefaultTable
	}
	return &Consumer{
		reader: reader,
		store:  store,
		logger: logger.WithField("component", "consumer"),
		cfg:    cfg,
	}
}

// Start runs until ctx is cancelled, then flushes what is buffered.
// A failed write stops the loop with the offsets of that batch uncommitted.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.WithFields(logrus.Fields{
		"batch_size": c.cfg.BatchSize,
		"table":      c.cfg.Table,
	}).Info("consumer started")

	records := make([]models.EnrichedRecord, 0, c.cfg.BatchSize)
	msgs := make([]kafka.Message, 0, c.cfg.BatchSize)

	ticker := time.NewTicker(c.cfg.BatchTimeout)
	defer ticker.Stop()

	flush := func(ctx context.Context) error {
		if len(msgs) == 0 {
			return nil
		}
		res, err := c.store.AppendDeduplicated(ctx, c.cfg.Table, records, storage.AppendOptions{})
		if err != nil {
			return fmt.Errorf("write %d records: %w", len(records), err)
		}
		if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
			c.logger.WithError(err).Warn("failed to commit offsets")
		}
		c.logger.WithFields(logrus.Fields{
			"messages": len(msgs),
			"inserted": res.Inserted,
		}).Info("batch written")

		records = records[:0]
		msgs = msgs[:0]
		ticker.Reset(c.cfg.BatchTimeout)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()
			return flush(flushCtx)

		case <-ticker.C:
			if err := flush(ctx); err != nil {
				return err
			}

		default:
			fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.BatchTimeout)
			m, err := c.reader.FetchMessage(fetchCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					continue
				}
				c.logger.WithError(err).Error("kafka fetch error")
				time.Sleep(time.Second)
				continue
			}

			rec, err := decode(m)
			if err != nil {
				c.logger.WithError(err).WithField("offset", m.Offset).Warn("message skipped")
			} else {
				records = append(records, rec)
			}
			// skipped messages are committed with the next batch
			msgs = append(msgs, m)

			if len(records) >= c.cfg.BatchSize {
				if err := flush(ctx); err != nil {
					return err
				}
			}
		}
	}
}

// decode parses one message and rejects records that cannot be stored.
func decode(m kafka.Message) (models.EnrichedRecord, error) {
	var r models.EnrichedRecord
	if err := json.Unmarshal(m.Value, &r); err != nil {
		return r, err
	}
	if r.FIGI == "" || r.Ticker == "" || r.Time.IsZero() {
		return r, fmt.Errorf("missing required fields: figi=%q ticker=%q", r.FIGI, r.Ticker)
	}
	if r.High < r.Low {
		return r, fmt.Errorf("corrupted candle for %s: high %v below low %v", r.FIGI, r.High, r.Low)
	}
	class, ok := models.ParseAssetClass(string(r.Type))
	if !ok {
		return r, fmt.Errorf("unknown asset class %q", r.Type)
	}
	r.Type = class
	return r, nil
}
