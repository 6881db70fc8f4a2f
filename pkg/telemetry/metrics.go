package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for deployd. A nil *Metrics or one
// created with metrics disabled records nothing.
type Metrics struct {
	config MetricsConfig

	// Command metrics
	commandsStarted    *prometheus.CounterVec
	commandsFinished   *prometheus.CounterVec
	commandDuration    *prometheus.HistogramVec
	inactivityWarnings *prometheus.CounterVec
	activeCommands     prometheus.Gauge

	// Task metrics
	tasksStarted  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	hostRuns      *prometheus.CounterVec

	// Terraform metrics
	terraformOperations *prometheus.CounterVec

	// Background hooks
	hookFailures *prometheus.CounterVec

	// Errors
	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		commandsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_started_total",
				Help:      "Total number of external commands started",
			},
			[]string{"tool"},
		),
		commandsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_finished_total",
				Help:      "Total number of external commands finished, by final state",
			},
			[]string{"tool", "state"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Wall clock duration of external commands in seconds",
				Buckets:   buckets,
			},
			[]string{"tool"},
		),
		inactivityWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "command_inactivity_warnings_total",
				Help:      "Number of times a command produced no output within the inactivity timeout",
			},
			[]string{"tool"},
		),
		activeCommands: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "commands_active",
				Help:      "Number of external commands currently running",
			},
		),
		tasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_started_total",
				Help:      "Total number of task executions started",
			},
			[]string{"kind"},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Total number of task executions finished",
			},
			[]string{"kind", "status"},
		),
		hostRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_host_runs_total",
				Help:      "Per-host script runs, by outcome",
			},
			[]string{"outcome"},
		),
		terraformOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "terraform_operations_total",
				Help:      "Terraform operations by operation and classified outcome",
			},
			[]string{"operation", "outcome"},
		),
		hookFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "completion_hook_failures_total",
				Help:      "Failures of background completion hooks",
			},
			[]string{"hook"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by code",
			},
			[]string{"code"},
		),
	}

	collectorsToRegister := []prometheus.Collector{
		m.commandsStarted,
		m.commandsFinished,
		m.commandDuration,
		m.inactivityWarnings,
		m.activeCommands,
		m.tasksStarted,
		m.tasksFinished,
		m.hostRuns,
		m.terraformOperations,
		m.hookFailures,
		m.errorsByCode,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range collectorsToRegister {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordCommandStarted records the start of an external command.
func (m *Metrics) RecordCommandStarted(tool string) {
	if !m.enabled() {
		return
	}
	m.commandsStarted.WithLabelValues(tool).Inc()
	m.activeCommands.Inc()
}

// RecordCommandFinished records the final state and duration of a command.
func (m *Metrics) RecordCommandFinished(tool, state string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.commandsFinished.WithLabelValues(tool, state).Inc()
	m.commandDuration.WithLabelValues(tool).Observe(duration.Seconds())
	m.activeCommands.Dec()
}

// RecordInactivityWarning records an inactivity timeout expiry.
func (m *Metrics) RecordInactivityWarning(tool string) {
	if !m.enabled() {
		return
	}
	m.inactivityWarnings.WithLabelValues(tool).Inc()
}

// RecordTaskStarted records the start of a task stream.
func (m *Metrics) RecordTaskStarted(kind string) {
	if !m.enabled() {
		return
	}
	m.tasksStarted.WithLabelValues(kind).Inc()
}

// RecordTaskFinished records the outcome of a task stream.
func (m *Metrics) RecordTaskFinished(kind, status string) {
	if !m.enabled() {
		return
	}
	m.tasksFinished.WithLabelValues(kind, status).Inc()
}

// RecordHostRun records the outcome of one host in a multi-host run.
func (m *Metrics) RecordHostRun(success bool) {
	if !m.enabled() {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.hostRuns.WithLabelValues(outcome).Inc()
}

// RecordTerraformOperation records a terraform operation outcome.
func (m *Metrics) RecordTerraformOperation(operation, outcome string) {
	if !m.enabled() {
		return
	}
	m.terraformOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordHookFailure records a failed background completion hook.
func (m *Metrics) RecordHookFailure(hook string) {
	if !m.enabled() {
		return
	}
	m.hookFailures.WithLabelValues(hook).Inc()
}

// RecordError records an error by code.
func (m *Metrics) RecordError(code string) {
	if !m.enabled() {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer helps measure operation duration.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// NewMetricsServer builds the HTTP server exposing the metrics endpoint. The
// caller owns its lifecycle.
func (m *Metrics) NewMetricsServer() *http.Server {
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
