package mcp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the server records into. A nil *Metrics records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	toolCalls       *prometheus.CounterVec
	sessionsClosedC *prometheus.CounterVec
	sessionsCreated prometheus.Counter
	activeSessions  prometheus.Gauge
}

const (
	sessionCloseDeleted = "deleted"
	sessionCloseExpired = "expired"

	methodLabelUnknown = "unknown"
)

var knownMethods = map[string]struct{}{
	MethodInitialize:               {},
	MethodPing:                     {},
	MethodToolsList:                {},
	MethodToolsCall:                {},
	MethodResourcesList:            {},
	MethodResourcesRead:            {},
	MethodNotificationsInitialized: {},
	MethodNotificationsCancelled:   {},
	methodPromptsList:              {},
	methodPromptsGet:               {},
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calcmcp",
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC messages handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "calcmcp",
			Name:      "rpc_request_duration_seconds",
			Help:      "Time spent dispatching JSON-RPC messages.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calcmcp",
			Name:      "tool_calls_total",
			Help:      "Tool invocations, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		sessionsClosedC: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calcmcp",
			Name:      "sessions_closed_total",
			Help:      "Sessions removed, by reason.",
		}, []string{"reason"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "calcmcp",
			Name:      "sessions_created_total",
			Help:      "Sessions created by initialize.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "calcmcp",
			Name:      "sessions_active",
			Help:      "Sessions currently stored.",
		}),
	}
	reg.MustRegister(
		m.requests,
		m.requestDuration,
		m.toolCalls,
		m.sessionsClosedC,
		m.sessionsCreated,
		m.activeSessions,
	)
	return m
}

func (m *Metrics) observeRequest(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if _, ok := knownMethods[method]; !ok {
		method = methodLabelUnknown
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) observeToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) sessionsClosed(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sessionsClosedC.WithLabelValues(reason).Add(float64(n))
	m.activeSessions.Sub(float64(n))
}

func (m *Metrics) setActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
