package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tis24dev/snapship/internal/logging"
)

// TextfileName is the file node_exporter's textfile collector picks up.
const TextfileName = "snapship.prom"

// RunMetrics is the snapshot of one pipeline run exported as metrics.
type RunMetrics struct {
	Hostname      string
	Version       string
	RunID         string
	DeliveryKind  string
	StartTime     time.Time
	EndTime       time.Time
	Duration      time.Duration
	ExitCode      int
	FailedStage   string
	ErrorCount    int64
	WarningCount  int64
	BytesStaged   int64
	ArtifactSize  int64
	Encrypted     bool
	StageDuration map[string]time.Duration
}

// PrometheusExporter writes run metrics in Prometheus textfile format for node_exporter.
type PrometheusExporter struct {
	textfileDir string
	logger      *logging.Logger
}

// NewPrometheusExporter creates a new PrometheusExporter using the provided directory.
func NewPrometheusExporter(textfileDir string, logger *logging.Logger) *PrometheusExporter {
	return &PrometheusExporter{
		textfileDir: strings.TrimRight(textfileDir, "/"),
		logger:      logger,
	}
}

// Export writes the given snapshot to snapship.prom in textfileDir.
func (pe *PrometheusExporter) Export(m *RunMetrics) error {
	if pe == nil || m == nil {
		return nil
	}
	if pe.textfileDir == "" {
		return fmt.Errorf("metrics textfile directory is empty")
	}
	if err := os.MkdirAll(pe.textfileDir, 0o755); err != nil {
		return fmt.Errorf("create metrics directory %s: %w", pe.textfileDir, err)
	}

	reg := prometheus.NewRegistry()
	gauge := func(name, help string, value float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "snapship", Name: name, Help: help})
		g.Set(value)
		reg.MustRegister(g)
	}

	end := m.EndTime
	if end.IsZero() && !m.StartTime.IsZero() {
		end = m.StartTime.Add(m.Duration)
	}

	// 0=success, 1=warning, 2=error
	status := 0
	if m.ExitCode != 0 {
		status = 2
	} else if m.WarningCount > 0 {
		status = 1
	}

	gauge("start_time_seconds", "Unix timestamp of run start", float64(m.StartTime.Unix()))
	gauge("end_time_seconds", "Unix timestamp of run end", float64(end.Unix()))
	gauge("duration_seconds", "Duration of last run in seconds", m.Duration.Seconds())
	gauge("exit_code", "Exit code of last run", float64(m.ExitCode))
	gauge("status", "Status of last run (0=success,1=warning,2=error)", float64(status))
	gauge("errors_total", "Number of errors logged during last run", float64(m.ErrorCount))
	gauge("warnings_total", "Number of warnings logged during last run", float64(m.WarningCount))
	gauge("bytes_staged", "Bytes copied into staging during last run", float64(m.BytesStaged))
	gauge("artifact_size_bytes", "Size of the delivered artifact in bytes", float64(m.ArtifactSize))
	encrypted := 0.0
	if m.Encrypted {
		encrypted = 1
	}
	gauge("encrypted", "Whether the delivered artifact was encrypted", encrypted)

	stages := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "snapship",
		Name:      "stage_duration_seconds",
		Help:      "Duration of each stage of the last run",
	}, []string{"stage"})
	for stage, d := range m.StageDuration {
		stages.WithLabelValues(stage).Set(d.Seconds())
	}
	reg.MustRegister(stages)

	if m.FailedStage != "" {
		failed := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "snapship",
			Name:      "failed_stage",
			Help:      "Stage that failed in the last run",
		}, []string{"stage"})
		failed.WithLabelValues(m.FailedStage).Set(1)
		reg.MustRegister(failed)
	}

	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "snapship",
		Name:      "info",
		Help:      "Static information about this snapship instance",
	}, []string{"hostname", "version", "delivery", "run_id"})
	info.WithLabelValues(m.Hostname, m.Version, m.DeliveryKind, m.RunID).Set(1)
	reg.MustRegister(info)

	finalPath := filepath.Join(pe.textfileDir, TextfileName)
	if err := prometheus.WriteToTextfile(finalPath, reg); err != nil {
		return fmt.Errorf("write metrics file %s: %w", finalPath, err)
	}

	if pe.logger != nil {
		pe.logger.Debug("Prometheus metrics exported to %s", finalPath)
	}
	return nil
}
