package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector methods are safe on a nil receiver so components can run without metrics.
type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlightGauge   prometheus.Gauge

	ReservationsTotal  *prometheus.CounterVec
	CancellationsTotal prometheus.Counter

	ConflictsDetected *prometheus.CounterVec
	ConflictsResolved *prometheus.CounterVec

	EventsPublished   *prometheus.CounterVec
	EventsDropped     prometheus.Counter
	StreamSubscribers prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector registers on reg. Pass prometheus.NewRegistry() in tests;
// nil uses the default registry.
func NewCollector(serviceName string, reg *prometheus.Registry) *Collector {
	var (
		f        promauto.Factory
		gatherer prometheus.Gatherer
	)
	if reg == nil {
		f = promauto.With(prometheus.DefaultRegisterer)
		gatherer = prometheus.DefaultGatherer
	} else {
		f = promauto.With(reg)
		gatherer = reg
	}

	return &Collector{
		gatherer: gatherer,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "path", "status"}),

		InFlightGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		ReservationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "booking",
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome.",
		}, []string{"outcome"}),

		CancellationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "booking",
			Name:      "cancellations_total",
			Help:      "Appointments cancelled.",
		}),

		ConflictsDetected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "conflict",
			Name:      "detected_total",
			Help:      "Version conflicts detected by record type.",
		}, []string{"record_type"}),

		ConflictsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "conflict",
			Name:      "resolved_total",
			Help:      "Conflict resolutions by strategy.",
		}, []string{"strategy"}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "notify",
			Name:      "events_published_total",
			Help:      "Change events published by type.",
		}, []string{"type"}),

		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "notify",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		}),

		StreamSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: serviceName,
			Subsystem: "notify",
			Name:      "subscribers",
			Help:      "Currently connected stream subscribers.",
		}),
	}
}

func (c *Collector) Reservation(outcome string) {
	if c == nil {
		return
	}
	c.ReservationsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) Cancellation() {
	if c == nil {
		return
	}
	c.CancellationsTotal.Inc()
}

func (c *Collector) ConflictDetected(recordType string) {
	if c == nil {
		return
	}
	c.ConflictsDetected.WithLabelValues(recordType).Inc()
}

func (c *Collector) ConflictResolved(strategy string) {
	if c == nil {
		return
	}
	c.ConflictsResolved.WithLabelValues(strategy).Inc()
}

func (c *Collector) EventPublished(typ string) {
	if c == nil {
		return
	}
	c.EventsPublished.WithLabelValues(typ).Inc()
}

func (c *Collector) EventDropped() {
	if c == nil {
		return
	}
	c.EventsDropped.Inc()
}

func (c *Collector) SubscriberDelta(n int) {
	if c == nil {
		return
	}
	c.StreamSubscribers.Add(float64(n))
}

func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
