// Package api serves the JSON query surface over the readings store.
//
// The HTTP layer is a thin adapter: handlers parse parameters, call the
// series engine and serialize the result. Validation failures map to 400,
// store failures to 500; the engine itself is transport agnostic.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pkosek/solis-ginlong-local-monitor/internal/api/middleware"
	"github.com/pkosek/solis-ginlong-local-monitor/internal/config"
	"github.com/pkosek/solis-ginlong-local-monitor/internal/series"
)

var metricsOnce sync.Once

// Server hosts the query API and the live websocket feed.
type Server struct {
	engine *series.Engine
	hub    *Hub
	logger *logrus.Logger
	cfg    config.ServerConfig
	router *gin.Engine
}

// NewServer wires routes and middleware around the series engine.
func NewServer(engine *series.Engine, logger *logrus.Logger, cfg config.ServerConfig) (*Server, error) {
	s := &Server{
		engine: engine,
		hub:    NewHub(logger),
		logger: logger,
		cfg:    cfg,
	}

	metricsOnce.Do(func() {
		prometheus.MustRegister(middleware.Requests, middleware.Latency)
	})

	historyCache, err := middleware.HistoryCache(cfg.CacheSize, time.Now)
	if err != nil {
		return nil, fmt.Errorf("initializing response cache: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.RateLimit(cfg.RateLimit, cfg.RateLimitBurst),
		middleware.Logging(logger),
		middleware.Metrics(),
	)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := router.Group("/api")
	apiGroup.GET("/live", s.handleLive)
	apiGroup.GET("/today", s.handleToday)
	apiGroup.GET("/history", historyCache, s.handleHistory)
	apiGroup.GET("/daily_summary", s.handleDailySummary)
	apiGroup.GET("/stats", s.handleStats)

	router.GET("/ws", s.handleWebSocket)

	s.router = router
	return s, nil
}

// Hub exposes the websocket hub so the collector can broadcast stored readings.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler exposes the routed handler for serving on a caller-owned listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	s.logger.WithField("addr", srv.Addr).Info("http server started")

	select {
	case err := <-errChan:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.hub.add(conn)

	// Seed the new client with the current reading, if any. Queued through
	// the client's writer like every broadcast; nothing else may write the
	// connection directly.
	if latest, err := s.engine.Live(c.Request.Context()); err == nil && latest != nil {
		if data, err := json.Marshal(latest); err == nil {
			s.hub.send(conn, data)
		}
	}

	// Drain until the client disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.remove(conn)
				return
			}
		}
	}()
}
