package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/navid-fn/tickhouse/configs"
	"github.com/navid-fn/tickhouse/internal/broker"
	"github.com/navid-fn/tickhouse/internal/logger"
	"github.com/navid-fn/tickhouse/internal/pipeline"
	"github.com/navid-fn/tickhouse/internal/publisher"
	"github.com/navid-fn/tickhouse/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	appConfig, err := configs.AppLoad()
	if err != nil {
		logrus.WithError(err).Error("invalid configuration")
		return pipeline.ExitConfig
	}
	log := logger.New(appConfig.Log)
	if appConfig.Broker.Token == "" {
		log.Error("APIKEY_SANDBOX is not set")
		return pipeline.ExitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := broker.Connect(ctx, appConfig.Broker, log)
	if err != nil {
		log.WithError(err).Error("no asset class can be fetched without a broker session")
		return pipeline.ExitPartial
	}

	var opts []pipeline.Option
	if appConfig.Kafka.Enabled() {
		pub := publisher.New(publisher.NewKafkaWriter(appConfig.Kafka), appConfig.Kafka.Topic, log)
		defer func() {
			if err := pub.Close(); err != nil {
				log.WithError(err).Error("error closing kafka producer")
			}
		}()
		opts = append(opts, pipeline.WithPublisher(pub))
	}

	if db, err := storage.OpenGorm(appConfig.Store.DSN()); err != nil {
		log.WithError(err).Warn("run history disabled")
	} else {
		defer func() {
			if err := storage.CloseGorm(db); err != nil {
				log.WithError(err).Error("error closing run history")
			}
		}()
		opts = append(opts, pipeline.WithRunRepository(storage.NewGormRunRepository(db)))
	}

	openStore := func(ctx context.Context) (storage.Store, error) {
		return storage.Connect(ctx, appConfig.Store.DSN(), log)
	}

	p := pipeline.New(pipeline.Config{
		Classes: appConfig.Pipeline.AssetClasses,
		Window: broker.Window{
			To:      time.Now(),
			DaySpan: appConfig.Pipeline.DaysSpan,
		},
		Table:       appConfig.Store.Table,
		KeepStaging: appConfig.Store.KeepStaging,
	}, client, openStore, log, opts...)

	report := p.Run(ctx)
	if errors.Is(ctx.Err(), context.Canceled) {
		log.Warn("run interrupted")
	}

	logger.Component(log, "ingester").WithFields(logrus.Fields{
		"run_id": report.RunID,
		"failed": report.Failed(),
		"exit":   report.ExitCode(),
	}).Info("ingestion finished")
	return report.ExitCode()
}
