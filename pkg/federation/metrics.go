package federation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks federation engine activity. All recording methods are
// nil-receiver safe so components can run without a registry in tests.
type Metrics struct {
	EventsPublished   prometheus.Counter
	InboundAccepted   prometheus.Counter
	InboundRejected   *prometheus.CounterVec
	AttemptsEnqueued  prometheus.Counter
	DeliveriesOK      prometheus.Counter
	DeliveryRetries   prometheus.Counter
	DeliveriesFailed  prometheus.Counter
	PushAttempts      prometheus.Histogram
	DrainDuration     prometheus.Histogram
	KnownInstances    prometheus.Gauge
	ListenerFailures  prometheus.Counter
}

// NewMetrics creates and registers the federation metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		EventsPublished: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "commune_events_published_total",
			Help: "Total number of locally published federation events",
		}),
		InboundAccepted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "commune_inbound_accepted_total",
			Help: "Total number of accepted inbound events",
		}),
		InboundRejected: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "commune_inbound_rejected_total",
			Help: "Total number of rejected inbound events by reason",
		}, []string{"reason"}),
		AttemptsEnqueued: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "commune_delivery_enqueued_total",
			Help: "Total number of delivery attempts enqueued",
		}),
		DeliveriesOK: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "commune_deliveries_succeeded_total",
			Help: "Total number of successful event deliveries",
		}),
		DeliveryRetries: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "commune_delivery_retries_total",
			Help: "Total number of rescheduled delivery attempts",
		}),
		DeliveriesFailed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "commune_deliveries_failed_total",
			Help: "Total number of deliveries that exhausted the retry budget",
		}),
		PushAttempts: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "commune_push_attempts_per_delivery",
			Help:    "Number of attempts a successful delivery needed",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		DrainDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "commune_drain_duration_seconds",
			Help:    "Duration of delivery queue drain cycles",
			Buckets: prometheus.DefBuckets,
		}),
		KnownInstances: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "commune_known_instances",
			Help: "Number of known remote instances",
		}),
		ListenerFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "commune_listener_failures_total",
			Help: "Total number of local listener failures during inbound dispatch",
		}),
	}
}

func (m *Metrics) EventPublished() {
	if m == nil {
		return
	}
	m.EventsPublished.Inc()
}

func (m *Metrics) InboundAccept() {
	if m == nil {
		return
	}
	m.InboundAccepted.Inc()
}

func (m *Metrics) InboundReject(reason string) {
	if m == nil {
		return
	}
	m.InboundRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) AttemptEnqueued() {
	if m == nil {
		return
	}
	m.AttemptsEnqueued.Inc()
}

func (m *Metrics) DeliverySucceeded(attempts int) {
	if m == nil {
		return
	}
	m.DeliveriesOK.Inc()
	m.PushAttempts.Observe(float64(attempts))
}

func (m *Metrics) DeliveryRetried() {
	if m == nil {
		return
	}
	m.DeliveryRetries.Inc()
}

func (m *Metrics) DeliveryExhausted() {
	if m == nil {
		return
	}
	m.DeliveriesFailed.Inc()
}

func (m *Metrics) ObserveDrain(d time.Duration, _ DrainStats) {
	if m == nil {
		return
	}
	m.DrainDuration.Observe(d.Seconds())
}

func (m *Metrics) SetKnownInstances(n int) {
	if m == nil {
		return
	}
	m.KnownInstances.Set(float64(n))
}

func (m *Metrics) ListenerFailed() {
	if m == nil {
		return
	}
	m.ListenerFailures.Inc()
}
