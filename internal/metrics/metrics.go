// Package metrics exposes a Prometheus registry tracking agent and job
// population, rate-limit rejections, stream restarts, and broadcast
// platform call latency, served at GET /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the orchestrator registers.
type Metrics struct {
	Registry *prometheus.Registry

	AgentsByState *prometheus.GaugeVec
	JobsByStatus  *prometheus.GaugeVec

	RateLimitRejections *prometheus.CounterVec
	StreamRestarts      prometheus.Counter
	JobsFailed          *prometheus.CounterVec

	BroadcastCallsTotal   *prometheus.CounterVec
	BroadcastCallDuration *prometheus.HistogramVec
}

// New creates and registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		AgentsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_agents_by_state",
			Help: "Number of registered agents currently in each state.",
		}, []string{"state"}),
		JobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_jobs_by_status",
			Help: "Number of known jobs currently in each status.",
		}, []string{"status"}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_rate_limit_rejections_total",
			Help: "Requests rejected by a rate limiter, by limiter name.",
		}, []string{"limiter"}),
		StreamRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_stream_restarts_total",
			Help: "Total number of stream restarts attempted by the health monitor.",
		}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_jobs_failed_total",
			Help: "Total number of jobs that reached FAILED, by error code.",
		}, []string{"code"}),
		BroadcastCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_broadcast_client_calls_total",
			Help: "Total calls made to the broadcast platform client, by method and outcome.",
		}, []string{"method", "outcome"}),
		BroadcastCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_broadcast_client_call_duration_seconds",
			Help:    "Latency of broadcast platform client calls, by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}

	reg.MustRegister(
		m.AgentsByState,
		m.JobsByStatus,
		m.RateLimitRejections,
		m.StreamRestarts,
		m.JobsFailed,
		m.BroadcastCallsTotal,
		m.BroadcastCallDuration,
	)

	return m
}

// ObserveBroadcastCall records the outcome and latency of a single
// broadcast platform client call. Wrap every Client method with this at
// the call site.
func (m *Metrics) ObserveBroadcastCall(method string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.BroadcastCallsTotal.WithLabelValues(method, outcome).Inc()
	m.BroadcastCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
