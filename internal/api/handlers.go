package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pkosek/solis-ginlong-local-monitor/internal/models"
	"github.com/pkosek/solis-ginlong-local-monitor/internal/series"
)

// handleLive returns the most recent reading.
func (s *Server) handleLive(c *gin.Context) {
	reading, err := s.engine.Live(c.Request.Context())
	if err != nil {
		s.serverError(c, err)
		return
	}
	if reading == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no readings available yet"})
		return
	}
	c.JSON(http.StatusOK, reading)
}

// handleToday returns all raw readings for the current UTC day.
func (s *Server) handleToday(c *gin.Context) {
	readings, err := s.engine.Today(c.Request.Context())
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, readings)
}

// handleHistory returns readings for a date range.
//
// Query params:
//
//	start      -- YYYY-MM-DD (default: 7 days ago)
//	end        -- YYYY-MM-DD (default: today)
//	resolution -- raw | hourly | daily (default: raw)
func (s *Server) handleHistory(c *gin.Context) {
	now := time.Now().UTC()
	start := c.DefaultQuery("start", now.AddDate(0, 0, -7).Format(series.DateFormat))
	end := c.DefaultQuery("end", now.Format(series.DateFormat))

	resolution, err := models.ParseResolution(c.Query("resolution"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	readings, err := s.engine.History(c.Request.Context(), start, end, resolution)
	if err != nil {
		s.queryError(c, err)
		return
	}
	c.JSON(http.StatusOK, readings)
}

// handleDailySummary returns per-day generated energy.
//
// Query params:
//
//	days -- number of days to return (default: 30)
func (s *Server) handleDailySummary(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be an integer"})
		return
	}

	summary, err := s.engine.DailySummary(c.Request.Context(), days)
	if err != nil {
		s.queryError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// handleStats returns per-field min/max/avg over a period.
//
// Query params:
//
//	period -- today | 7d | 30d | all (default: today)
func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.engine.Stats(c.Request.Context(), c.DefaultQuery("period", "today"))
	if err != nil {
		s.queryError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// queryError maps engine errors onto status codes: bad parameters are the
// caller's fault, anything else is a store failure.
func (s *Server) queryError(c *gin.Context, err error) {
	if series.IsValidationError(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.serverError(c, err)
}

func (s *Server) serverError(c *gin.Context, err error) {
	s.logger.WithError(err).WithField("path", c.Request.URL.Path).Error("query failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
