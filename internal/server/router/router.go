package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/tickhouse/internal/server/handler"
)

type Config struct {
	CandleHandler *handler.CandleHandler
	Logger        logrus.FieldLogger
}

func NewRouter(cfg *Config) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(cfg.Logger))

	router.GET("/healthz", cfg.CandleHandler.Health)

	api := router.Group("/v1/")
	registerCandleRoutes(api, cfg.CandleHandler)

	return router
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	log := logger.WithField("component", "api")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Info("request served")
	}
}
