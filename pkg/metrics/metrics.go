// Package metrics exposes the outcome of reconciliation runs to Prometheus.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Backend status codes reported by the imagekeeper_backend_status gauge.
const (
	StatusSucceeded       = 0
	StatusPartiallyFailed = 1
	StatusFailed          = 2
)

var (
	registry     = prometheus.NewRegistry()
	imageActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagekeeper_image_actions_total",
			Help: "Number of lifecycle actions applied to images. Action is one of added, updated or deleted.",
		},
		[]string{"backend", "action"},
	)
	failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagekeeper_failures_total",
			Help: "Number of failed operations by backend and error reason.",
		},
		[]string{"backend", "reason"},
	)
	backendStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "imagekeeper_backend_status",
			Help: "Outcome of the last synchronization of a backend. 0 = succeeded, 1 = partially failed, 2 = failed",
		},
		[]string{"backend"},
	)
	lastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imagekeeper_last_run_timestamp_seconds",
		Help: "Unix time of the end of the last reconciliation run.",
	})
	runDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imagekeeper_last_run_duration_seconds",
		Help: "Duration of the last reconciliation run.",
	})
)

func init() {
	registry.MustRegister(
		imageActions,
		failures,
		backendStatus,
		lastRun,
		runDuration,
	)
}
