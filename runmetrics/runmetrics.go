// Package runmetrics renders a finished run as Prometheus metrics in the text exposition
// format, for pickup by a node-exporter textfile collector or a push step in CI.
package runmetrics

import (
	"bytes"
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/hairizuan-noorazman/buygold-e2e/aggregate"
	"github.com/hairizuan-noorazman/buygold-e2e/logger"
	"github.com/hairizuan-noorazman/buygold-e2e/storage"
	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

const (
	// DefaultKey is the storage key of the metrics file.
	DefaultKey = "metrics/run.prom"

	// SinkName identifies this sink in errors and logs.
	SinkName = "metrics"

	namespace = "buygold_e2e"

	labelStatus = "status"
	labelRunID  = "run_id"
)

var durationBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Render returns the text exposition of s. Each call uses a fresh registry, so only the
// given run is described.
func Render(s *aggregate.RunSummary) ([]byte, error) {
	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "run_info",
		Help:      "Identifier of the last finished run",
	}, []string{labelRunID})
	tests := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "run_tests",
		Help:      "Number of tests in the run by status",
	}, []string{labelStatus})
	duration := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of the run",
	})
	exitStatus := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "run_exit_status",
		Help:      "Exit status reported by the test engine",
	})
	finished := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "run_finished_timestamp_seconds",
		Help:      "Unix time the run finished",
	})
	testDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "test_duration_seconds",
		Help:      "Duration of individual tests in the run",
		Buckets:   durationBuckets,
	}, []string{labelStatus})

	registry := prometheus.NewRegistry()
	registry.MustRegister(info, tests, duration, exitStatus, finished, testDuration)

	info.WithLabelValues(s.RunID).Set(1)
	for _, st := range testresult.TerminalStatuses {
		tests.WithLabelValues(string(st)).Set(float64(s.Counts[st]))
	}
	duration.Set(s.Duration().Seconds())
	exitStatus.Set(float64(s.ExitStatus))
	finished.Set(float64(s.FinishedAt.UnixNano()) / 1e9)
	for _, r := range s.Records {
		testDuration.WithLabelValues(string(r.Status)).Observe(r.DurationSeconds)
	}

	families, err := registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather run metrics: %w", err)
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return nil, fmt.Errorf("failed to encode run metrics: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// Exporter writes the metrics of each finished run to storage, replacing the previous run's.
type Exporter struct {
	storage storage.BlobStorage
	key     string
	logger  logger.Logger
}

// NewExporter creates an Exporter writing to DefaultKey.
func NewExporter(store storage.BlobStorage, log logger.Logger) *Exporter {
	return &Exporter{
		storage: store,
		key:     DefaultKey,
		logger:  log,
	}
}

// Export renders s and uploads it atomically.
func (e *Exporter) Export(ctx context.Context, s *aggregate.RunSummary) error {
	data, err := Render(s)
	if err != nil {
		return &testresult.PersistenceError{Sink: SinkName, Key: e.key, Err: err}
	}
	if err := e.storage.Upload(ctx, e.key, bytes.NewReader(data)); err != nil {
		return &testresult.PersistenceError{Sink: SinkName, Key: e.key, Err: err}
	}

	e.logger.Debug(ctx, "run metrics written", map[string]interface{}{
		"run_id": s.RunID,
		"key":    e.key,
	})
	return nil
}
