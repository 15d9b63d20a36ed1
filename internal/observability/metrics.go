package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime Prometheus metrics.
type Metrics struct {
	ChainExecutions     *prometheus.CounterVec
	InterceptorDuration *prometheus.HistogramVec
	ChainFaults         *prometheus.CounterVec
	CacheSpills         prometheus.Counter
	CacheSpillFailures  prometheus.Counter
	RequestsTotal       *prometheus.CounterVec
	RateLimited         *prometheus.CounterVec
	DLQTotal            *prometheus.CounterVec
}

// NewMetrics creates and registers all runtime metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChainExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rpcflow_chain_executions_total",
			Help: "Interceptor chain executions by chain and outcome.",
		}, []string{"chain", "outcome"}),

		InterceptorDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpcflow_interceptor_duration_seconds",
			Help:    "Time spent in a single interceptor, by phase.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),

		ChainFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rpcflow_chain_faults_total",
			Help: "Faults raised by interceptors, by phase.",
		}, []string{"phase"}),

		CacheSpills: factory.NewCounter(prometheus.CounterOpts{
			Name: "rpcflow_cache_spills_total",
			Help: "Cached streams spilled to a temp file.",
		}),

		CacheSpillFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "rpcflow_cache_spill_failures_total",
			Help: "Spill attempts that fell back to memory.",
		}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rpcflow_requests_total",
			Help: "Requests served by endpoint and HTTP status.",
		}, []string{"endpoint", "status"}),

		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rpcflow_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"endpoint"}),

		DLQTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rpcflow_dlq_total",
			Help: "Faulted requests published to the dead letter queue.",
		}, []string{"endpoint"}),
	}
}

// ObserveInterceptor records the duration of one interceptor invocation.
func (m *Metrics) ObserveInterceptor(phase string, seconds float64) {
	m.InterceptorDuration.WithLabelValues(phase).Observe(seconds)
}

// IncFault counts a fault raised in phase.
func (m *Metrics) IncFault(phase string) {
	m.ChainFaults.WithLabelValues(phase).Inc()
}

// IncExecution counts a finished chain execution.
func (m *Metrics) IncExecution(chain, outcome string) {
	m.ChainExecutions.WithLabelValues(chain, outcome).Inc()
}

// OnSpill counts a cached stream spill.
func (m *Metrics) OnSpill(int64) {
	m.CacheSpills.Inc()
}

// OnSpillFailure counts a spill that stayed in memory.
func (m *Metrics) OnSpillFailure(error) {
	m.CacheSpillFailures.Inc()
}

// IncRateLimited counts a request rejected by the rate limiter.
func (m *Metrics) IncRateLimited(endpoint string) {
	m.RateLimited.WithLabelValues(endpoint).Inc()
}

// IncRequest counts a served request.
func (m *Metrics) IncRequest(endpoint string, status int) {
	m.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

// IncDLQ counts a request published to the dead letter queue.
func (m *Metrics) IncDLQ(endpoint string) {
	m.DLQTotal.WithLabelValues(endpoint).Inc()
}
