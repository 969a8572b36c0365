package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the process exports on /metrics.
type Metrics struct {
	Commands          *prometheus.CounterVec
	CommandDuration   *prometheus.HistogramVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	OutboxPublished   prometheus.Counter
	OutboxFailures    prometheus.Counter
	WebhookDeliveries *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not panic.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payments",
			Name:      "commands_total",
			Help:      "Service commands by name and outcome.",
		}, []string{"command", "outcome"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "payments",
			Name:      "command_duration_seconds",
			Help:      "Service command latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payments",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "payments",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "payments",
			Name:      "outbox_published_total",
			Help:      "Domain events relayed from the outbox to the event bus.",
		}),
		OutboxFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "payments",
			Name:      "outbox_publish_failures_total",
			Help:      "Failed outbox relay attempts.",
		}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payments",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.Commands,
		m.CommandDuration,
		m.HTTPRequests,
		m.HTTPDuration,
		m.OutboxPublished,
		m.OutboxFailures,
		m.WebhookDeliveries,
	)
	return m
}

// ObserveCommand records one finished command.
func (m *Metrics) ObserveCommand(command, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(command, outcome).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(time.Since(started).Seconds())
}
