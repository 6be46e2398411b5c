package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mktdata_gateway_session_connected",
		Help: "Whether the provider connection is up (1) or down (0)",
	})

	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mktdata_gateway_session_state",
		Help: "Session state (0=not_started, 1=started, 2=terminated, 3=startup_failed)",
	})

	// Readiness metrics
	Ready = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mktdata_gateway_ready",
		Help: "Whether every required service has opened",
	})

	ServiceStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mktdata_gateway_service_status",
		Help: "Service status (0=not_opened, 1=opened, 2=open_failed)",
	}, []string{"service"})

	// Dispatch metrics
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mktdata_gateway_events_processed_total",
		Help: "Total number of inbound events processed",
	}, []string{"category"})

	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mktdata_gateway_messages_processed_total",
		Help: "Total number of inbound messages processed",
	}, []string{"category", "message_type"})

	Reports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mktdata_gateway_dispatch_reports_total",
		Help: "Total number of dispatch anomalies reported",
	}, []string{"kind"})

	// Routing metrics
	RegistryEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mktdata_gateway_correlation_entries",
		Help: "Number of live correlation ids per registry",
	}, []string{"registry"})

	SubscriptionStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mktdata_gateway_subscription_status_total",
		Help: "Total number of subscription status messages",
	}, []string{"status"})

	SlowConsumer = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mktdata_gateway_slow_consumer",
		Help: "Whether the provider reported this gateway as a slow consumer",
	})

	// Request metrics
	RequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mktdata_gateway_requests_in_flight",
		Help: "Number of one-shot requests awaiting a final response",
	})

	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mktdata_gateway_request_latency_seconds",
		Help:    "Time from sending a request to its final response",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	}, []string{"service"})

	RequestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mktdata_gateway_requests_rejected_total",
		Help: "Total number of requests rejected before reaching the transport",
	}, []string{"reason"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mktdata_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// Publishing metrics
	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mktdata_gateway_publish_errors_total",
		Help: "Total number of failed publishes to Redis",
	}, []string{"channel_type"})
)

// IncReport increments the dispatch report counter
func IncReport(kind string) {
	Reports.WithLabelValues(kind).Inc()
}
