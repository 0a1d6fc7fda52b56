package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submitd_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "submitd_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submitd_connections_rejected_total",
			Help: "Connections refused before the banner was sent",
		},
		[]string{"protocol", "reason"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "submitd_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submitd_connections_closed_total",
			Help: "Connections closed, by reason",
		},
		[]string{"protocol", "reason"},
	)

	UniqueClientIPs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "submitd_unique_client_ips",
			Help: "Number of distinct client IPs with an open connection",
		},
		[]string{"protocol"},
	)

	ConnectionLimitUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "submitd_connection_limit_utilization",
			Help: "Active connections as a fraction of max_connections",
		},
		[]string{"protocol"},
	)
)

// Protocol metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submitd_commands_total",
			Help: "Command lines processed, by verb and reply code class",
		},
		[]string{"protocol", "command", "status"},
	)

	RepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submitd_replies_total",
			Help: "Replies written to clients, by code",
		},
		[]string{"protocol", "code"},
	)

	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submitd_protocol_errors_total",
			Help: "Errors raised by sessions, by kind",
		},
		[]string{"protocol", "kind"},
	)
)

// Message metrics
var (
	MessagesAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submitd_messages_accepted_total",
			Help: "Messages accepted at the end of DATA",
		},
		[]string{"protocol"},
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submitd_messages_rejected_total",
			Help: "Messages rejected at the end of DATA, by reason",
		},
		[]string{"protocol", "reason"},
	)

	MessageSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "submitd_message_size_bytes",
			Help:    "Size of accepted message bodies in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"protocol"},
	)

	RecipientsPerMessage = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "submitd_recipients_per_message",
			Help:    "Number of recipients on accepted messages",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
		[]string{"protocol"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "submitd_delivery_duration_seconds",
			Help:    "Time spent handing a finished envelope to the deliverer",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"deliverer", "status"},
	)

	DeliveredContentTypes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submitd_delivered_content_types_total",
			Help: "Top-level media types of delivered messages",
		},
		[]string{"media_type"},
	)
)

// Health check metrics
var (
	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submitd_component_health_checks_total",
			Help: "Health checks performed, by component and resulting status",
		},
		[]string{"component", "status"},
	)

	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "submitd_component_health_status",
			Help: "Component health (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "submitd_component_health_check_duration_seconds",
			Help:    "Duration of health checks in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"component"},
	)
)
