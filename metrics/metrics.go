// Package metrics exposes Prometheus instrumentation for a wire server. The
// Collector plugs into the session registry as lifecycle hooks, into the
// dispatcher and broadcaster as a metrics sink, and into the process-wide
// error observer. All of it is informational; nothing here affects control
// flow.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/DasDarki/MagicWire/observe"
	"github.com/DasDarki/MagicWire/sessions"
)

// Collector bundles the wire server metrics.
type Collector struct {
	sessionsActive  prometheus.Gauge
	sessionsTotal   *prometheus.CounterVec
	invocations     *prometheus.CounterVec
	initRequests    prometheus.Counter
	streamsOpened   *prometheus.CounterVec
	broadcasts      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorsTotal     prometheus.Counter
	miscEvents      *prometheus.CounterVec
}

// New registers the wire metrics with reg and returns the collector. Pass
// prometheus.DefaultRegisterer for the global registry.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "magicwire_sessions_active",
			Help: "Number of live sessions in the registry.",
		}),
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "magicwire_sessions_total",
			Help: "Session lifecycle transitions by phase.",
		}, []string{"phase"}),
		invocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "magicwire_invocations_total",
			Help: "Invoke requests by outcome.",
		}, []string{"outcome"}),
		initRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "magicwire_init_requests_total",
			Help: "Init requests served.",
		}),
		streamsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "magicwire_streams_opened_total",
			Help: "Push streams attached by transport.",
		}, []string{"transport"}),
		broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "magicwire_broadcast_deliveries_total",
			Help: "Broadcast emissions by message kind.",
		}, []string{"kind"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "magicwire_request_duration_seconds",
			Help:    "Dispatcher request latency by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		errorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "magicwire_errors_total",
			Help: "Failures reported to the process-wide error observer.",
		}),
		miscEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "magicwire_events_total",
			Help: "Uncategorized counter events by name.",
		}, []string{"name"}),
	}
}

// IncCounter implements observe.MetricsSink.
func (c *Collector) IncCounter(name string, tags map[string]string) {
	switch name {
	case "invocations":
		c.invocations.WithLabelValues(tags["outcome"]).Inc()
	case "init_requests":
		c.initRequests.Inc()
	case "streams_opened":
		c.streamsOpened.WithLabelValues(tags["transport"]).Inc()
	case "broadcast_deliveries":
		c.broadcasts.WithLabelValues(tags["kind"]).Inc()
	default:
		c.miscEvents.WithLabelValues(name).Inc()
	}
}

// ObserveHistogram implements observe.MetricsSink.
func (c *Collector) ObserveHistogram(name string, value float64, tags map[string]string) {
	if name == "request_duration_seconds" {
		c.requestDuration.WithLabelValues(tags["endpoint"]).Observe(value)
	}
}

// ObserveError implements observe.ErrorObserver.
func (c *Collector) ObserveError(context.Context, error) {
	c.errorsTotal.Inc()
}

// Lifecycle hooks.

func (c *Collector) SessionCreated(context.Context, *sessions.Session) {
	c.sessionsActive.Inc()
	c.sessionsTotal.WithLabelValues("created").Inc()
}

func (c *Collector) SessionReconnected(context.Context, *sessions.Session) {
	c.sessionsTotal.WithLabelValues("reconnected").Inc()
}

func (c *Collector) SessionDisconnected(context.Context, *sessions.Session) {
	c.sessionsTotal.WithLabelValues("disconnected").Inc()
}

func (c *Collector) SessionDestroyed(context.Context, *sessions.Session) {
	c.sessionsActive.Dec()
	c.sessionsTotal.WithLabelValues("destroyed").Inc()
}

var (
	_ observe.MetricsSink   = (*Collector)(nil)
	_ observe.ErrorObserver = (*Collector)(nil)
	_ sessions.Hooks        = (*Collector)(nil)
)
