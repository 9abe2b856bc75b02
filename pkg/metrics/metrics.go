// Package metrics exposes the Prometheus collectors named in
// SPEC_FULL.md's domain-stack expansion: stage-execution counters, LLM
// token-usage counters, and token-refresh-cycle gauges, served over the
// otel-to-Prometheus bridge's /metrics endpoint. Grounded on
// _examples/jordigilh-kubernaut/test/integration/gateway/metrics_emission_integration_test.go's
// usage pattern — the pack's pkg/gateway/metrics has no non-test source in
// the retrieval set, but the test shows the shape every caller expects:
// metrics.NewMetricsWithRegistry(registry) returning one struct the caller
// threads through, with a CounterVec per labeled signal — translated here
// onto the module's own stage/token/refresh domain.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector this module registers. Construct one per
// process with New, or one per test with NewWithRegistry against an
// isolated prometheus.Registry.
type Metrics struct {
	registry *prometheus.Registry

	StageExecutions *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	LLMTokensUsed   *prometheus.CounterVec
	RefreshCycles   *prometheus.CounterVec
	TokensExpiring  prometheus.Gauge
	QueueDepth      *prometheus.GaugeVec
}

// New builds Metrics registered against the default Prometheus registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry builds Metrics against a caller-supplied registry, the
// pattern the teacher's metrics tests use for isolation between test cases.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		StageExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aiagent_stage_executions_total",
			Help: "Pipeline stage executions, labeled by pipeline, stage, and outcome.",
		}, []string{"pipeline", "stage", "outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aiagent_stage_duration_seconds",
			Help:    "Stage execution latency, labeled by pipeline and stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pipeline", "stage"}),
		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aiagent_llm_tokens_total",
			Help: "LLM tokens consumed, labeled by provider and token kind (prompt/completion).",
		}, []string{"provider", "kind"}),
		RefreshCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aiagent_credential_refresh_total",
			Help: "Credential refresh attempts, labeled by saas and outcome (success/failure).",
		}, []string{"saas", "outcome"}),
		TokensExpiring: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aiagent_credentials_expiring",
			Help: "Number of stored credentials within the refresh buffer window at last sweep.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aiagent_queue_depth",
			Help: "Pending background jobs, labeled by kind (run/task).",
		}, []string{"kind"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordStage records one stage execution's outcome and latency. outcome is
// one of "ok", "timeout", "error".
func (m *Metrics) RecordStage(pipeline, stage, outcome string, seconds float64) {
	m.StageExecutions.WithLabelValues(pipeline, stage, outcome).Inc()
	m.StageDuration.WithLabelValues(pipeline, stage).Observe(seconds)
}

// RecordTokens adds a completed LLM call's prompt/completion token counts.
func (m *Metrics) RecordTokens(provider string, promptTokens, completionTokens int) {
	m.LLMTokensUsed.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	m.LLMTokensUsed.WithLabelValues(provider, "completion").Add(float64(completionTokens))
}

// RecordRefresh records one credential refresh attempt's outcome.
func (m *Metrics) RecordRefresh(saasName string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.RefreshCycles.WithLabelValues(saasName, outcome).Inc()
}

// SetExpiringCredentials reports how many credentials the last refresh
// sweep found inside the buffer window.
func (m *Metrics) SetExpiringCredentials(n int) {
	m.TokensExpiring.Set(float64(n))
}

// SetQueueDepth reports the current pending-job count for a queue kind.
func (m *Metrics) SetQueueDepth(kind string, depth int) {
	m.QueueDepth.WithLabelValues(kind).Set(float64(depth))
}
