package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Request metrics, registered by the server at setup.
var (
	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solarmon_http_requests_total",
			Help: "Number of HTTP requests by path and status code.",
		},
		[]string{"path", "status"},
	)

	Latency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solarmon_http_request_duration_seconds",
			Help:    "HTTP request latency by path.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

// Metrics collects the request counter and latency histogram.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		Requests.WithLabelValues(path, strconv.Itoa(c.Writer.Status())).Inc()
		Latency.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}
}
