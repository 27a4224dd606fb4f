package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_http_requests_total",
			Help: "Total number of HTTP requests processed by the gateway.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_http_request_duration_seconds",
			Help:    "Gateway request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	realtimeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_realtime_events_total",
			Help: "Change-feed events by type and reconcile outcome.",
		},
		[]string{"event", "outcome"},
	)
	activeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_realtime_active_subscriptions",
			Help: "Number of active change-feed subscriptions.",
		},
	)
	reconcileAnomaliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_reconcile_anomalies_total",
			Help: "Status transitions rejected as non-monotonic.",
		},
	)
	uploadFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_upload_failures_total",
			Help: "Attachment upload failures by stage.",
		},
		[]string{"stage"},
	)
	sendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_send_duration_seconds",
			Help:    "Latency from optimistic append to server acknowledgment.",
			Buckets: prometheus.DefBuckets,
		},
	)
	uiClientsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_ui_clients_active",
			Help: "Connected UI websocket clients.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		realtimeEventsTotal,
		activeSubscriptions,
		reconcileAnomaliesTotal,
		uploadFailuresTotal,
		sendDuration,
		uiClientsActive,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncRealtimeEvent(event, outcome string) {
	realtimeEventsTotal.WithLabelValues(event, outcome).Inc()
}

func IncActiveSubscriptions() {
	activeSubscriptions.Inc()
}

func DecActiveSubscriptions() {
	activeSubscriptions.Dec()
}

func IncReconcileAnomaly() {
	reconcileAnomaliesTotal.Inc()
}

func IncUploadFailure(stage string) {
	uploadFailuresTotal.WithLabelValues(stage).Inc()
}

func ObserveSendDuration(d time.Duration) {
	sendDuration.Observe(d.Seconds())
}

func IncUIClients() {
	uiClientsActive.Inc()
}

func DecUIClients() {
	uiClientsActive.Dec()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
