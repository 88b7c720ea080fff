package portal

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	portalSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portal_sessions",
		Help: "Connected sessions by kind.",
	}, []string{"kind"})

	portalRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	portalRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portal_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	portalBrokerRPCsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_broker_rpcs_total",
		Help: "Flow broker RPCs by name and outcome.",
	}, []string{"rpc", "outcome"})

	portalShedFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_shed_frames_total",
		Help: "Socket frames shed under back-pressure by event.",
	}, []string{"event"})

	portalBusDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_bus_drops_total",
		Help: "Bus events dropped on full subscriptions by topic.",
	}, []string{"topic"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		portalRequestsTotal.WithLabelValues(method, path, status).Inc()
		portalRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// SessionOpened bumps the session gauge for a kind.
func SessionOpened(kind string) {
	portalSessions.WithLabelValues(kind).Inc()
}

// SessionClosed decrements the session gauge for a kind.
func SessionClosed(kind string) {
	portalSessions.WithLabelValues(kind).Dec()
}

// RecordBrokerRPC records one flow-broker RPC outcome. Wired into the
// broker via SetMetricsRecorder.
func RecordBrokerRPC(rpc, outcome string) {
	portalBrokerRPCsTotal.WithLabelValues(rpc, outcome).Inc()
}

// RecordShedFrame records a frame shed by a session outbox.
func RecordShedFrame(event string) {
	portalShedFramesTotal.WithLabelValues(event).Inc()
}

// RecordBusDrop records an event dropped on a full bus subscription.
func RecordBusDrop(topic string) {
	portalBusDropsTotal.WithLabelValues(topic).Inc()
}
