package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "versehub_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "versehub_ws_rooms",
		Help: "Current number of non-empty rooms",
	})
	WsAuthenticated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "versehub_ws_authenticate_total",
		Help: "Authenticate handshakes by result",
	}, []string{"result"})
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "versehub_events_published_total",
		Help: "Events handed to the bus, by event name",
	}, []string{"event"})
	EventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "versehub_events_delivered_total",
		Help: "Event copies queued on connection outbound streams",
	})
	FramesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "versehub_ws_frames_written_total",
		Help: "Event frames written to websocket clients",
	})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "versehub_events_dropped_total",
		Help: "Events dropped, by reason",
	}, []string{"reason"})
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "versehub_http_rate_limited_total",
		Help: "Requests rejected by the rate limiter, by route",
	}, []string{"path"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(WsConnections, WsRooms, WsAuthenticated, EventsPublished,
		EventsDelivered, FramesWritten, EventsDropped, RateLimited, HttpRequestsTotal, HttpRequestDuration)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
