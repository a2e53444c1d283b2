// Package metrics keeps counters about the traffic a reporting run sends to
// ReportPortal. A run is a short-lived batch job, so nothing is served over
// HTTP: at the end of the run the registry is pushed to a Pushgateway and/or
// dumped to a node-exporter textfile.
package metrics

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/prometheus/common/expfmt"
)

const namespace = "rpmanager"

// Outcome labels for API requests
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Recorder owns a private registry so several managers can live in one
// process (tests, parallel suites) without colliding on the default one.
type Recorder struct {
	registry    *prometheus.Registry
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
	items       *prometheus.CounterVec
	stepLogs    *prometheus.CounterVec
	launches    *prometheus.CounterVec
}

// NewRecorder creates a recorder with all collectors registered
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "ReportPortal API requests by operation and outcome",
		}, []string{"op", "outcome"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "ReportPortal API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Finished test items by type and status",
		}, []string{"type", "status"}),
		stepLogs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_logs_total",
			Help:      "Step log entries sent by level",
		}, []string{"level"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Launches by lifecycle event (started, joined, finished)",
		}, []string{"event"}),
	}
	r.registry.MustRegister(r.apiRequests, r.apiDuration, r.items, r.stepLogs, r.launches)
	return r
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records one API call
func (r *Recorder) ObserveRequest(op string, elapsed time.Duration, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	r.apiRequests.WithLabelValues(op, outcome).Inc()
	r.apiDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ItemFinished records a finished feature or scenario
func (r *Recorder) ItemFinished(itemType, status string) {
	r.items.WithLabelValues(itemType, status).Inc()
}

// StepLogged records a step log entry
func (r *Recorder) StepLogged(level string) {
	r.stepLogs.WithLabelValues(level).Inc()
}

// LaunchEvent records a launch lifecycle event
func (r *Recorder) LaunchEvent(event string) {
	r.launches.WithLabelValues(event).Inc()
}

// Push sends the registry to a Prometheus Pushgateway under the given job name
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(r.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}

// WriteTextfile writes the registry in the Prometheus text format. The file
// is written next to its final name and renamed so the textfile collector
// never reads a partial file.
func (r *Recorder) WriteTextfile(path string) error {
	metricFamilies, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move metrics file into place: %w", err)
	}
	return nil
}
