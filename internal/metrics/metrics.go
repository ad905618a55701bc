// ABOUTME: Prometheus collectors for the agent bridge, request router, and commit cache
// ABOUTME: Owns a private registry; a nil *Metrics is a valid no-op recorder

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sg_nvim"

// Message directions for AgentMessage.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Metrics groups every collector the backend exports.
type Metrics struct {
	registry *prometheus.Registry

	agentMessages    *prometheus.CounterVec
	agentPending     prometheus.Gauge
	agentDisconnects prometheus.Counter
	agentDropped     prometheus.Counter

	routerRequests *prometheus.CounterVec
	routerDuration *prometheus.HistogramVec
	routerInFlight prometheus.Gauge
	routerDropped  prometheus.Counter

	cacheLookups *prometheus.CounterVec
	graphqlCalls *prometheus.CounterVec
}

// New creates collectors registered on a fresh registry, together with the
// standard Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		agentMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "messages_total",
			Help:      "Messages exchanged with the agent process by direction and kind",
		}, []string{"direction", "kind"}),
		agentPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "pending_requests",
			Help:      "Requests sent to the agent still awaiting a response",
		}),
		agentDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "disconnects_total",
			Help:      "Times the agent output stream ended or became undecodable",
		}),
		agentDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "orphan_responses_total",
			Help:      "Agent responses discarded because no waiter was registered",
		}),
		routerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Editor requests handled by method and outcome",
		}, []string{"method", "outcome"}),
		routerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "request_duration_seconds",
			Help:      "Editor request handling latency",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60},
		}, []string{"method"}),
		routerInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "requests_in_flight",
			Help:      "Editor requests currently being handled",
		}),
		routerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "notifications_dropped_total",
			Help:      "Agent notifications not forwarded because the editor-bound buffer was full",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commit_cache",
			Name:      "lookups_total",
			Help:      "Commit hash cache lookups by outcome",
		}, []string{"outcome"}),
		graphqlCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graphql",
			Name:      "requests_total",
			Help:      "GraphQL requests sent to the instance by operation and status",
		}, []string{"operation", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.agentMessages,
		m.agentPending,
		m.agentDisconnects,
		m.agentDropped,
		m.routerRequests,
		m.routerDuration,
		m.routerInFlight,
		m.routerDropped,
		m.cacheLookups,
		m.graphqlCalls,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AgentMessage counts one message read from or written to the agent.
func (m *Metrics) AgentMessage(direction, kind string) {
	if m == nil {
		return
	}
	m.agentMessages.WithLabelValues(direction, kind).Inc()
}

// AgentPending sets the number of outstanding agent requests.
func (m *Metrics) AgentPending(n int) {
	if m == nil {
		return
	}
	m.agentPending.Set(float64(n))
}

// AgentDisconnected counts a transition into draining.
func (m *Metrics) AgentDisconnected() {
	if m == nil {
		return
	}
	m.agentDisconnects.Inc()
}

// AgentOrphanResponse counts a response with no registered waiter.
func (m *Metrics) AgentOrphanResponse() {
	if m == nil {
		return
	}
	m.agentDropped.Inc()
}

// RequestStarted marks an editor request as in flight and returns a func
// that records its outcome and latency.
func (m *Metrics) RequestStarted(method string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.routerInFlight.Inc()
	return func(outcome string) {
		m.routerInFlight.Dec()
		m.routerRequests.WithLabelValues(method, outcome).Inc()
		m.routerDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}

// NotificationDropped counts an editor-bound notification lost to a full
// buffer.
func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.routerDropped.Inc()
}

// CacheLookup counts a commit cache lookup outcome.
func (m *Metrics) CacheLookup(outcome string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

// GraphQLCall counts one GraphQL round trip.
func (m *Metrics) GraphQLCall(operation, status string) {
	if m == nil {
		return
	}
	m.graphqlCalls.WithLabelValues(operation, status).Inc()
}
