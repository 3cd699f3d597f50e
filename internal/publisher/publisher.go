// Package publisher forwards written records to Kafka for downstream consumers.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/tickhouse/configs"
	"github.com/navid-fn/tickhouse/internal/failure"
	"github.com/navid-fn/tickhouse/internal/models"
)

const (
	batchSize    = 500
	writeTimeout = 10 * time.Second
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes enriched records as JSON, keyed by FIGI so one
// instrument always lands on one partition.
type Publisher struct {
	writer MessageWriter
	topic  string
	logger *logrus.Entry
}

// NewKafkaWriter builds the producer for cfg.
func NewKafkaWriter(cfg configs.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Broker),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Zstd,
	}
}

func New(writer MessageWriter, topic string, logger logrus.FieldLogger) *Publisher {
	return &Publisher{
		writer: writer,
		topic:  topic,
		logger: logger.WithField("component", "publisher"),
	}
}

// Publish sends records in batches. A failure names the batch that failed;
// earlier batches stay published.
func (p *Publisher) Publish(ctx context.Context, records []models.EnrichedRecord) error {
	if len(records) == 0 {
		return nil
	}

	sent := 0
	for start := 0; start < len(records); start += batchSize {
		end := min(start+batchSize, len(records))

		msgs := make([]kafka.Message, 0, end-start)
		for _, r := range records[start:end] {
			value, err := json.Marshal(r)
			if err != nil {
				return p.fail(fmt.Errorf("encode %s: %w", r.FIGI, err))
			}
			msgs = append(msgs, kafka.Message{
				Key:   []byte(r.FIGI),
				Value: value,
				Time:  r.Time,
			})
		}

		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := p.writer.WriteMessages(writeCtx, msgs...)
		cancel()
		if err != nil {
			return p.fail(fmt.Errorf("batch %d-%d: %w", start, end, err))
		}
		sent += len(msgs)
	}

	p.logger.WithFields(logrus.Fields{"topic": p.topic, "messages": sent}).Info("records published")
	return nil
}

func (p *Publisher) fail(err error) error {
	p.logger.WithError(err).Error("publish failed")
	return fmt.Errorf("%s: %w", failure.StagePublish, err)
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
