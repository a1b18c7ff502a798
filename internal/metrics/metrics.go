// Package metrics exposes Prometheus instrumentation for the sync
// coordinator, the event dispatcher and the HTTP API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meschain"

type Metrics struct {
	registry *prometheus.Registry

	SyncAttempts       *prometheus.CounterVec
	SyncQueueDepth     prometheus.Gauge
	EventsPublished    *prometheus.CounterVec
	DeliveryAttempts   *prometheus.CounterVec
	DeliveryDuration   prometheus.Histogram
	DeliveryQueueDepth prometheus.Gauge
	CircuitBreaks      prometheus.Counter
	HTTPRequests       *prometheus.CounterVec
}

// New builds the collectors on a private registry, so several instances
// can coexist (tests create one per case).
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SyncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_attempts_total",
			Help:      "Marketplace push attempts by marketplace and outcome",
		}, []string{"marketplace", "outcome"}),

		SyncQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_depth",
			Help:      "Sync tasks waiting for a worker",
		}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Domain events published by event type",
		}, []string{"event_type"}),

		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Webhook delivery attempts by outcome",
		}, []string{"outcome"}),

		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Webhook request latency",
			Buckets:   prometheus.DefBuckets,
		}),

		DeliveryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_queue_depth",
			Help:      "Delivery attempts waiting for a worker",
		}),

		CircuitBreaks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaks_total",
			Help:      "Subscriptions disabled by the circuit breaker",
		}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin API requests by method, route and status",
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SyncAttempts,
		m.SyncQueueDepth,
		m.EventsPublished,
		m.DeliveryAttempts,
		m.DeliveryDuration,
		m.DeliveryQueueDepth,
		m.CircuitBreaks,
		m.HTTPRequests,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
