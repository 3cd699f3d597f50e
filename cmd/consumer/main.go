package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/navid-fn/tickhouse/configs"
	"github.com/navid-fn/tickhouse/internal/consumer"
	"github.com/navid-fn/tickhouse/internal/logger"
	"github.com/navid-fn/tickhouse/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	appConfig, err := configs.AppLoad()
	if err != nil {
		logrus.WithError(err).Error("invalid configuration")
		return 3
	}
	log := logger.New(appConfig.Log)
	if !appConfig.Kafka.Enabled() {
		log.Error("KAFKA_BROKER is not set")
		return 3
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Connect(ctx, appConfig.Store.DSN(), log)
	if err != nil {
		log.WithError(err).Error("failed to connect to database")
		return 1
	}
	defer store.Close()

	reader := consumer.NewKafkaReader(appConfig.Kafka)
	defer func() {
		if err := reader.Close(); err != nil {
			log.WithError(err).Error("error closing kafka reader")
		}
	}()

	c := consumer.New(reader, store, log, consumer.Config{
		BatchSize:    appConfig.Kafka.BatchSize,
		BatchTimeout: appConfig.Kafka.BatchTimeout,
		Table:        appConfig.Kafka.SinkTable,
	})
	if err := c.Start(ctx); err != nil {
		log.WithError(err).Error("consumer stopped")
		return 1
	}
	logger.Component(log, "consumer").Info("application stopped successfully")
	return 0
}
