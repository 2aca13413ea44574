package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the engine's prometheus instruments, namespaced
// "flowengine_". A nil *Metrics is safe to call so tests can pass nothing.
type Metrics struct {
	ExecutionsStarted  *prometheus.CounterVec
	ExecutionsFinished *prometheus.CounterVec
	NodeDuration       *prometheus.HistogramVec
	NodeRetries        *prometheus.CounterVec
	QueuePublishes     *prometheus.CounterVec
	UsageSyncFailures  prometheus.Counter
	InflightNodes      prometheus.Gauge
	SSESubscribers     prometheus.Gauge
}

// New registers all collectors on the given registerer
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ExecutionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_executions_started_total",
			Help: "Executions dispatched, by job kind.",
		}, []string{"kind"}),
		ExecutionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_executions_finished_total",
			Help: "Executions reaching a settled state, by status.",
		}, []string{"status"}),
		NodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowengine_node_duration_seconds",
			Help:    "Node handler wall time, by block type and outcome.",
			Buckets: []float64{.005, .05, .25, 1, 5, 30, 120, 300},
		}, []string{"block_type", "status"}),
		NodeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_node_retries_total",
			Help: "In-memory node retries, by block type.",
		}, []string{"block_type"}),
		QueuePublishes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_queue_publishes_total",
			Help: "Bus publishes, by channel.",
		}, []string{"channel"}),
		UsageSyncFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowengine_usage_sync_failures_total",
			Help: "Usage-counter increments that failed after admission; quota may undercount until they are retried.",
		}),
		InflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowengine_inflight_nodes",
			Help: "Nodes currently executing in this worker.",
		}),
		SSESubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowengine_sse_subscribers",
			Help: "Open SSE event streams.",
		}),
	}
}

// Default registers on the global prometheus registry
func Default() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// ObserveNode records one handler invocation. Nil-safe.
func (m *Metrics) ObserveNode(blockType, status string, seconds float64) {
	if m == nil {
		return
	}
	m.NodeDuration.WithLabelValues(blockType, status).Observe(seconds)
}

// IncRetry counts one node retry. Nil-safe.
func (m *Metrics) IncRetry(blockType string) {
	if m == nil {
		return
	}
	m.NodeRetries.WithLabelValues(blockType).Inc()
}

// IncStarted counts one dispatched execution. Nil-safe.
func (m *Metrics) IncStarted(kind string) {
	if m == nil {
		return
	}
	m.ExecutionsStarted.WithLabelValues(kind).Inc()
}

// IncFinished counts one settled execution. Nil-safe.
func (m *Metrics) IncFinished(status string) {
	if m == nil {
		return
	}
	m.ExecutionsFinished.WithLabelValues(status).Inc()
}

// IncPublish counts one bus publish. Nil-safe.
func (m *Metrics) IncPublish(channel string) {
	if m == nil {
		return
	}
	m.QueuePublishes.WithLabelValues(channel).Inc()
}

// IncUsageSyncFailure counts a usage increment that failed after an
// execution was admitted. Nil-safe.
func (m *Metrics) IncUsageSyncFailure() {
	if m == nil {
		return
	}
	m.UsageSyncFailures.Inc()
}

// AddInflight adjusts the in-flight node gauge. Nil-safe.
func (m *Metrics) AddInflight(delta float64) {
	if m == nil {
		return
	}
	m.InflightNodes.Add(delta)
}

// AddSSESubscribers adjusts the subscriber gauge. Nil-safe.
func (m *Metrics) AddSSESubscribers(delta float64) {
	if m == nil {
		return
	}
	m.SSESubscribers.Add(delta)
}
