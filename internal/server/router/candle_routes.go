package router

import (
	"github.com/gin-gonic/gin"

	"github.com/navid-fn/tickhouse/internal/server/handler"
)

func registerCandleRoutes(router *gin.RouterGroup, candleHandler *handler.CandleHandler) {
	router.GET("/candles", candleHandler.GetCandles)
	router.GET("/databases", candleHandler.GetDatabases)
	router.GET("/runs", candleHandler.GetRuns)

	tables := router.Group("/tables")
	{
		tables.GET("", candleHandler.GetTables)
		tables.GET("/:table/columns", candleHandler.GetColumns)
	}
}
