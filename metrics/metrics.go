// Package metrics provides Prometheus metrics for device discovery and
// reachability resolution.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Directory metrics
	directoryRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homereach_directory_requests_total",
			Help: "Total number of directory API requests",
		},
		[]string{"endpoint", "status"},
	)

	directoryRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "homereach_directory_request_duration_seconds",
			Help:    "Directory API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	tokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homereach_token_refreshes_total",
			Help: "Total number of access token refresh attempts",
		},
		[]string{"status"},
	)

	// Probe metrics
	pathProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homereach_path_probes_total",
			Help: "Total number of path probes by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	pathProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "homereach_path_probe_duration_seconds",
			Help:    "Duration of one path probe (status and about)",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.4, 0.8, 1.6},
		},
	)

	// Reload metrics
	reloadCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homereach_reload_cycles_total",
			Help: "Total number of reload cycles by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	reloadTriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homereach_reload_triggers_total",
			Help: "Reload triggers received before debouncing",
		},
		[]string{"source"},
	)

	// Device set metrics
	mergedDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "homereach_merged_devices",
			Help: "Number of devices in the merged list",
		},
	)

	reachableDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "homereach_reachable_devices",
			Help: "Number of merged devices with a reachable path",
		},
	)

	localDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "homereach_local_devices",
			Help: "Number of devices visible through local discovery",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDirectoryRequest records one directory API call.
func RecordDirectoryRequest(endpoint string, status int, duration time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	directoryRequestsTotal.WithLabelValues(endpoint, label).Inc()
	directoryRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordTokenRefresh records a refresh attempt.
func RecordTokenRefresh(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	tokenRefreshesTotal.WithLabelValues(status).Inc()
}

// RecordPathProbe records one path probe.
func RecordPathProbe(kind, outcome string, duration time.Duration) {
	pathProbesTotal.WithLabelValues(kind, outcome).Inc()
	pathProbeDuration.Observe(duration.Seconds())
}

// RecordReload records a finished reload cycle.
func RecordReload(kind, outcome string) {
	reloadCyclesTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordTrigger records a raw reload trigger.
func RecordTrigger(source string) {
	reloadTriggersTotal.WithLabelValues(source).Inc()
}

// SetDeviceCounts updates the merged device gauges.
func SetDeviceCounts(merged, reachable int) {
	mergedDevices.Set(float64(merged))
	reachableDevices.Set(float64(reachable))
}

// SetLocalDevices updates the local discovery gauge.
func SetLocalDevices(n int) {
	localDevices.Set(float64(n))
}
