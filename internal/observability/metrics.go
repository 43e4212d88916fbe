package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the bot's Prometheus metrics. It satisfies the execution
// core's MetricsRecorder interface.
type Metrics struct {
	// RunCounter counts agent runs by back-end and outcome.
	// Labels: backend, error_kind ("" for success)
	RunCounter *prometheus.CounterVec

	// RunDuration measures end-to-end run latency in seconds.
	// Labels: backend
	RunDuration *prometheus.HistogramVec

	// ToolDenials counts vetoed tool calls.
	// Labels: tool
	ToolDenials *prometheus.CounterVec

	// MessageCounter tracks chat messages by direction.
	// Labels: direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// ActiveProcesses gauges live agent child processes.
	ActiveProcesses prometheus.GaugeFunc

	// SessionCount gauges live sessions.
	SessionCount prometheus.GaugeFunc
}

// NewMetrics registers the metric set with reg (nil uses the default
// registry). The two gauge callbacks may be nil and report zero.
func NewMetrics(reg prometheus.Registerer, activeProcesses, sessionCount func() int) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	gauge := func(name, help string, fn func() int) prometheus.GaugeFunc {
		return factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "devgram", Name: name, Help: help,
		}, func() float64 {
			if fn == nil {
				return 0
			}
			return float64(fn())
		})
	}

	return &Metrics{
		RunCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devgram",
			Name:      "agent_runs_total",
			Help:      "Agent runs by back-end and outcome.",
		}, []string{"backend", "error_kind"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devgram",
			Name:      "agent_run_duration_seconds",
			Help:      "End-to-end agent run latency.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"backend"}),
		ToolDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devgram",
			Name:      "tool_denials_total",
			Help:      "Tool calls vetoed by the security policy.",
		}, []string{"tool"}),
		MessageCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devgram",
			Name:      "messages_total",
			Help:      "Chat messages by direction.",
		}, []string{"direction"}),
		ActiveProcesses: gauge("active_processes", "Live agent child processes.", activeProcesses),
		SessionCount:    gauge("sessions", "Live resumable sessions.", sessionCount),
	}
}

// RecordRun implements the execution core's MetricsRecorder.
func (m *Metrics) RecordRun(backend string, errKind string, duration time.Duration) {
	m.RunCounter.WithLabelValues(backend, errKind).Inc()
	m.RunDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordToolDenial implements the execution core's MetricsRecorder.
func (m *Metrics) RecordToolDenial(tool string) {
	m.ToolDenials.WithLabelValues(tool).Inc()
}

// Handler returns the scrape endpoint for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
