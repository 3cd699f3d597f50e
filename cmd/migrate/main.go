package main

import (
	"context"
	"database/sql"
	"flag"
	"os"

	_ "github.com/ClickHouse/clickhouse-go/v2" // ClickHouse driver

	"github.com/navid-fn/tickhouse/configs"
	"github.com/navid-fn/tickhouse/internal/logger"
	"github.com/navid-fn/tickhouse/internal/migrations"
	"github.com/navid-fn/tickhouse/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	table := flag.String("table", "", "also create this target table with the minutes schema")
	status := flag.Bool("status", false, "print migration status and exit")
	flag.Parse()

	appConfig, err := configs.AppLoad()
	if err != nil {
		logger.New(logger.Config{}).WithError(err).Error("invalid configuration")
		return 3
	}
	log := logger.Component(logger.New(appConfig.Log), "migrate")

	db, err := sql.Open("clickhouse", appConfig.Store.DSN())
	if err != nil {
		log.WithError(err).Error("failed to connect to database")
		return 1
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.WithError(err).Error("failed to ping database")
		return 1
	}

	if *status {
		if err := migrations.Status(db); err != nil {
			log.WithError(err).Error("goose status failed")
			return 1
		}
		return 0
	}

	log.Info("running database migrations...")
	if err := migrations.Up(db); err != nil {
		log.WithError(err).Error("goose migration failed")
		return 1
	}

	if *table != "" {
		ctx := context.Background()
		store, err := storage.Connect(ctx, appConfig.Store.DSN(), log)
		if err != nil {
			log.WithError(err).Error("failed to connect to database")
			return 1
		}
		defer store.Close()
		if err := store.EnsureTable(ctx, *table); err != nil {
			log.WithError(err).Error("failed to create table")
			return 1
		}
		log.WithField("table", *table).Info("table is ready")
	}

	log.Info("migrations completed successfully")
	return 0
}
