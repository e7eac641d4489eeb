package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var Metrics = struct {
	WorkerCommands      *prometheus.CounterVec
	WorkerOutputLines   prometheus.Counter
	WorkerRestarts      prometheus.Counter
	WorkerUp            prometheus.Gauge
	SandboxJobs         *prometheus.CounterVec
	SandboxDuration     *prometheus.HistogramVec
	SandboxActive       prometheus.Gauge
	SandboxCleanupError *prometheus.CounterVec
	PolicyDenials       *prometheus.CounterVec
}{
	WorkerCommands: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codechat",
		Name:      "worker_commands_total",
		Help:      "Commands handed to the automation worker by action and outcome (sent, denied, unavailable).",
	}, []string{"action", "status"}),

	WorkerOutputLines: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codechat",
		Name:      "worker_output_lines_total",
		Help:      "Lines read from the automation worker's stdout.",
	}),

	WorkerRestarts: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codechat",
		Name:      "worker_restarts_total",
		Help:      "Explicit restarts of the automation worker.",
	}),

	WorkerUp: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "codechat",
		Name:      "worker_up",
		Help:      "1 while the automation worker process is running.",
	}),

	SandboxJobs: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codechat",
		Name:      "sandbox_jobs_total",
		Help:      "Sandbox jobs by language and outcome.",
	}, []string{"language", "status"}),

	SandboxDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codechat",
		Name:      "sandbox_job_duration_seconds",
		Help:      "Wall time of a sandbox job from create to removal.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"language"}),

	SandboxActive: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "codechat",
		Name:      "sandbox_active_jobs",
		Help:      "Sandbox jobs currently holding an admission slot.",
	}),

	SandboxCleanupError: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codechat",
		Name:      "sandbox_cleanup_errors_total",
		Help:      "Swallowed best-effort failures by stage (logs, remove, reap).",
	}, []string{"stage"}),

	PolicyDenials: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codechat",
		Name:      "policy_denials_total",
		Help:      "Requests refused by the allowlist policy by kind (url, image).",
	}, []string{"kind"}),
}
