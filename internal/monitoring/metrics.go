package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 消息指标
	MessagesSubmitted prometheus.Counter
	MessagesReplayed  prometheus.Counter
	MessagesFree      prometheus.Counter
	MessagesPaid      prometheus.Counter
	MessagesDelivered prometheus.Counter
	MessagesFailed    prometheus.Counter

	// 支付指标
	PaymentsIssued       prometheus.Counter
	PaymentsSettled      prometheus.Counter
	PaymentsExpired      prometheus.Counter
	PaymentsRejected     *prometheus.CounterVec
	SettlementDuration   prometheus.Histogram
	WebhookReplaysTotal  prometheus.Counter

	// 投递指标
	DeliveryAttemptsTotal *prometheus.CounterVec
	DeliveryDuration      prometheus.Histogram

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 系统指标
	DatabaseConnections prometheus.Gauge
	MemoryUsage         prometheus.Gauge
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sinmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sinmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sinmail_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sinmail_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "path"},
		),

		MessagesSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sinmail_messages_submitted_total",
			Help: "Total number of message submissions accepted",
		}),
		MessagesReplayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sinmail_messages_replayed_total",
			Help: "Total number of submissions answered from the idempotency ledger",
		}),
		MessagesFree: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sinmail_messages_free_total",
			Help: "Total number of messages admitted via the allowlist",
		}),
		MessagesPaid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sinmail_messages_paid_total",
			Help: "Total number of messages admitted via settled payment",
		}),
		MessagesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sinmail_messages_delivered_total",
			Help: "Total number of messages delivered to the recipient inbox",
		}),
		MessagesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sinmail_messages_failed_total",
			Help: "Total number of messages that reached a terminal failure",
		}),

		PaymentsIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sinmail_payments_issued_total",
			Help: "Total number of payment requirements issued",
		}),
		PaymentsSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sinmail_payments_settled_total",
			Help: "Total number of payments settled",
		}),
		PaymentsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sinmail_payments_expired_total",
			Help: "Total number of payment requirements expired by the sweeper",
		}),
		PaymentsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sinmail_payments_rejected_total",
				Help: "Total number of payment redemptions rejected",
			},
			[]string{"reason"},
		),
		SettlementDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sinmail_settlement_duration_seconds",
			Help:    "Facilitator settlement round-trip in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		WebhookReplaysTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sinmail_webhook_replays_total",
			Help: "Total number of settlement webhooks resolved as idempotent replays",
		}),

		DeliveryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sinmail_delivery_attempts_total",
				Help: "Total number of delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sinmail_delivery_duration_seconds",
			Help:    "Provider insert round-trip in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sinmail_errors_total",
				Help: "Total number of errors by type and component",
			},
			[]string{"type", "component"},
		),
		PanicsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sinmail_panics_total",
			Help: "Total number of recovered panics",
		}),

		DatabaseConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sinmail_database_connections",
			Help: "Current number of database connections",
		}),
		MemoryUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sinmail_memory_usage_bytes",
			Help: "Current heap allocation in bytes",
		}),
	}
}

// RecordHTTPRequest 记录一次HTTP请求
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, requestSize, responseSize int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RecordError 记录一次错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录一次panic恢复
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordDeliveryAttempt 记录一次投递尝试
func (m *Metrics) RecordDeliveryAttempt(outcome string, duration time.Duration) {
	m.DeliveryAttemptsTotal.WithLabelValues(outcome).Inc()
	m.DeliveryDuration.Observe(duration.Seconds())
}

// RecordPaymentRejected 记录一次支付拒绝
func (m *Metrics) RecordPaymentRejected(reason string) {
	m.PaymentsRejected.WithLabelValues(reason).Inc()
}

// Handler 返回Prometheus指标的HTTP处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
