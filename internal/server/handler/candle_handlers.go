package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/navid-fn/tickhouse/internal/failure"
	"github.com/navid-fn/tickhouse/internal/server/service"
	"github.com/navid-fn/tickhouse/internal/storage"
	"github.com/navid-fn/tickhouse/internal/timefmt"
)

type CandleHandler struct {
	candleService *service.CandleService
}

func NewCandleHandler(service *service.CandleService) *CandleHandler {
	return &CandleHandler{
		candleService: service,
	}
}

// GetCandles serves GET /v1/candles?type=Stock&frequency=day&start=&end=&days=&table=&channels=
func (h *CandleHandler) GetCandles(c *gin.Context) {
	q := storage.TimeWindowQuery{
		InstrumentType: c.Query("type"),
		Frequency:      c.DefaultQuery("frequency", "minute"),
		Table:          c.Query("table"),
	}
	if channels := c.Query("channels"); channels != "" {
		q.Channels = strings.Split(channels, ",")
	}

	var err error
	if q.Start, err = parseTime(c.Query("start")); err != nil {
		badRequest(c, "start", err)
		return
	}
	if q.End, err = parseTime(c.Query("end")); err != nil {
		badRequest(c, "end", err)
		return
	}
	if days := c.Query("days"); days != "" {
		if q.DaySpan, err = strconv.Atoi(days); err != nil {
			badRequest(c, "days", err)
			return
		}
	}

	res, err := h.candleService.Candles(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *CandleHandler) GetDatabases(c *gin.Context) {
	dbs, err := h.candleService.Databases(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"databases": dbs})
}

func (h *CandleHandler) GetTables(c *gin.Context) {
	tables, err := h.candleService.Tables(c.Request.Context(), c.Query("database"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tables": tables})
}

func (h *CandleHandler) GetColumns(c *gin.Context) {
	cols, err := h.candleService.Columns(c.Request.Context(), c.Param("table"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"columns": cols})
}

func (h *CandleHandler) GetRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		badRequest(c, "limit", err)
		return
	}
	runs, err := h.candleService.Runs(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *CandleHandler) Health(c *gin.Context) {
	if err := h.candleService.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "up"})
}

// parseTime accepts RFC3339 or "2006-01-02 15:04:05" in UTC. Empty is the zero time.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(timefmt.DateLayout, s, time.UTC)
}

func badRequest(c *gin.Context, param string, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + param + ": " + err.Error()})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, failure.ErrInvalidParameter):
		status = http.StatusBadRequest
	case errors.Is(err, failure.ErrConnection):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
