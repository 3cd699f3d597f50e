package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/navid-fn/tickhouse/configs"
	"github.com/navid-fn/tickhouse/internal/cache"
	"github.com/navid-fn/tickhouse/internal/logger"
	"github.com/navid-fn/tickhouse/internal/server/handler"
	"github.com/navid-fn/tickhouse/internal/server/router"
	"github.com/navid-fn/tickhouse/internal/server/service"
	"github.com/navid-fn/tickhouse/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	appConfig, err := configs.AppLoad()
	if err != nil {
		logger.New(logger.Config{}).WithError(err).Error("invalid configuration")
		return 3
	}
	log := logger.New(appConfig.Log)
	gin.SetMode(appConfig.Server.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Connect(ctx, appConfig.Store.DSN(), log)
	if err != nil {
		log.WithError(err).Error("failed to connect to database")
		return 1
	}
	defer store.Close()

	db, err := storage.OpenGorm(appConfig.Store.DSN())
	if err != nil {
		log.WithError(err).Error("failed to open run history")
		return 1
	}
	defer func() {
		if err := storage.CloseGorm(db); err != nil {
			log.WithError(err).Error("error closing run history")
		}
	}()

	queryCache, err := cache.New(ctx, appConfig.Server, log)
	if err != nil {
		log.WithError(err).Error("failed to connect to cache")
		return 1
	}

	candleService := service.NewCandleService(store, storage.NewGormRunRepository(db), queryCache, appConfig.Server.CacheTTL, log)
	candleHandler := handler.NewCandleHandler(candleService)

	routerConfig := &router.Config{
		CandleHandler: candleHandler,
		Logger:        log,
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", appConfig.Server.Port),
		Handler:           router.NewRouter(routerConfig),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("server shutdown failed")
		}
	}()

	log.WithField("addr", srv.Addr).Info("query API listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("server stopped")
		return 1
	}
	log.Info("query API shutdown complete")
	return 0
}
