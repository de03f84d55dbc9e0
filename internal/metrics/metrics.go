// Package metrics exposes broker activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opentalon/toolbroker/internal/workflow"
)

const namespace = "toolbroker"

// Metrics implements toolclient.ConnectionObserver, toolclient.CallObserver
// and workflow.RunObserver.
type Metrics struct {
	connections     *prometheus.CounterVec
	calls           *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	workflows       *prometheus.CounterVec
	workflowSeconds *prometheus.HistogramVec
	steps           *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Tool server connection events by server and event (opened, failed).",
		}, []string{"server", "event"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Finished tool calls by server, tool and outcome.",
		}, []string{"server", "tool", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call latency by server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server"}),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Finished workflow runs by workflow and status.",
		}, []string{"workflow", "status"}),
		workflowSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow run latency.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"workflow"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Finished workflow steps by workflow, step and result.",
		}, []string{"workflow", "step", "result"}),
	}
	reg.MustRegister(m.connections, m.calls, m.callDuration, m.workflows, m.workflowSeconds, m.steps)
	return m
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (m *Metrics) ConnectionOpened(server string) {
	m.connections.WithLabelValues(server, "opened").Inc()
}

func (m *Metrics) ConnectionFailed(server string) {
	m.connections.WithLabelValues(server, "failed").Inc()
}

func (m *Metrics) CallFinished(server, tool, outcome string, elapsed time.Duration) {
	m.calls.WithLabelValues(server, tool, outcome).Inc()
	m.callDuration.WithLabelValues(server).Observe(elapsed.Seconds())
}

func (m *Metrics) WorkflowFinished(name string, status workflow.Status, elapsed time.Duration) {
	m.workflows.WithLabelValues(name, string(status)).Inc()
	m.workflowSeconds.WithLabelValues(name).Observe(elapsed.Seconds())
}

func (m *Metrics) StepFinished(name, step string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.steps.WithLabelValues(name, stepLabel(step), result).Inc()
}

// stepLabel folds per-resource cleanup steps ("remove <id>") into one label.
func stepLabel(step string) string {
	if verb, _, found := strings.Cut(step, " "); found {
		return verb
	}
	return step
}
