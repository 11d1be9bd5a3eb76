// Package metrics exposes the server's Prometheus collectors. Collectors are
// registered on a private registry so tests can build as many servers as
// they like.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/relayboard/internal/broadcast"
)

type Metrics struct {
	registry *prometheus.Registry

	mutations        *prometheus.CounterVec
	mutationDuration *prometheus.HistogramVec
	eventsDelivered  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	connections      prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayboard_mutations_total",
			Help: "Note mutations by operation and outcome code.",
		}, []string{"op", "code"}),
		mutationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relayboard_mutation_duration_seconds",
			Help:    "Time spent applying a note mutation, retries included.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1},
		}, []string{"op"}),
		eventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayboard_events_delivered_total",
			Help: "Events queued to a connection's outbound buffer.",
		}, []string{"type"}),
		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayboard_events_dropped_total",
			Help: "Events dropped because a connection's outbound buffer was full.",
		}, []string{"type"}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relayboard_connections",
			Help: "Live websocket connections.",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayboard_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relayboard_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveMutation records one engine call. code is the wire error code, or
// "ok".
func (m *Metrics) ObserveMutation(op, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.mutations.WithLabelValues(op, code).Inc()
	m.mutationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) EventDelivered(kind broadcast.Kind) {
	m.eventsDelivered.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) EventDropped(kind broadcast.Kind) {
	m.eventsDropped.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) ConnectionsChanged(total int) {
	m.connections.Set(float64(total))
}

var _ broadcast.Observer = (*Metrics)(nil)
