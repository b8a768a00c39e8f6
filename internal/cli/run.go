package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tis24dev/snapship/internal/config"
	"github.com/tis24dev/snapship/internal/logging"
	"github.com/tis24dev/snapship/internal/metrics"
	"github.com/tis24dev/snapship/internal/pipeline"
	"github.com/tis24dev/snapship/internal/tui"
	"github.com/tis24dev/snapship/internal/types"
	"github.com/tis24dev/snapship/internal/version"
)

func (a *App) newRunCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one backup: collect, dump, archive, encrypt, deliver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runBackup(cmd.Context(), dryRun)
		},
	}
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "validate the configuration and the lock, log the plan, change nothing")
	return cmd
}

func (a *App) runBackup(ctx context.Context, dryRun bool) error {
	cfg, source, err := a.loadConfig()
	if err != nil {
		return err
	}
	cfg.DryRun = dryRun

	logger, closeLog := a.newLogger(cfg)
	defer closeLog()
	logger.Info("snapship %s", version.String())
	logger.Debug("Configuration: %s (%s)", cfg.ConfigPath, source)

	result, runErr := pipeline.NewRunner(cfg, logger, a.RunnerOptions...).Run(ctx)
	a.printSummary(result, runErr)

	if cfg.MetricsEnabled && !cfg.DryRun {
		exporter := metrics.NewPrometheusExporter(cfg.MetricsPath, logger)
		if err := exporter.Export(runMetrics(cfg, logger, result, runErr)); err != nil {
			logger.Warning("Metrics export failed: %v", err)
		}
	}

	if runErr != nil {
		return &exitError{code: pipeline.ExitCodeFor(runErr), err: runErr, logged: true}
	}
	return nil
}

func (a *App) printSummary(result *pipeline.Result, runErr error) {
	if result == nil {
		return
	}
	switch {
	case result.DryRun && runErr == nil:
		fmt.Fprintf(a.Stdout, "%s Dry run %s: configuration valid, nothing written\n",
			tui.StatusSymbol("skipped"), result.RunID)
	case runErr == nil && result.Final != nil:
		fmt.Fprintf(a.Stdout, "%s Run %s completed in %s: %s (%s) via %s\n",
			tui.StatusSymbol("completed"), result.RunID, result.Duration.Round(time.Millisecond),
			filepath.Base(result.Final.Path), humanize.IBytes(uint64(result.Final.Size)),
			receiptMethod(result))
	default:
		stage := result.FailedStage
		if stage == "" {
			stage = "unknown"
		}
		fmt.Fprintf(a.Stdout, "%s Run %s failed at stage %s (exit %d)\n",
			tui.StatusSymbol("failed"), result.RunID, stage, pipeline.ExitCodeFor(runErr).Int())
	}
}

func receiptMethod(result *pipeline.Result) string {
	if result.Receipt == nil {
		return "unknown"
	}
	if result.Receipt.Reference != "" {
		return result.Receipt.Method + " " + result.Receipt.Reference
	}
	return result.Receipt.Method
}

// runMetrics turns a run result into the exported metric snapshot.
func runMetrics(cfg *config.Config, logger *logging.Logger, result *pipeline.Result, runErr error) *metrics.RunMetrics {
	m := &metrics.RunMetrics{
		Hostname:      cfg.Hostname(),
		Version:       version.String(),
		DeliveryKind:  cfg.DeliveryMethod,
		ExitCode:      pipeline.ExitCodeFor(runErr).Int(),
		ErrorCount:    logger.ErrorCount(),
		WarningCount:  logger.WarningCount(),
		StageDuration: map[string]time.Duration{},
	}
	if result == nil {
		return m
	}
	m.RunID = result.RunID
	m.StartTime = result.StartedAt
	m.Duration = result.Duration
	m.EndTime = result.StartedAt.Add(result.Duration)
	m.FailedStage = result.FailedStage
	for stage, d := range result.StageDurations {
		m.StageDuration[stage] = d
	}
	for _, art := range result.Artifacts {
		if art.Kind == types.ArtifactSnapshot || art.Kind == types.ArtifactDump {
			m.BytesStaged += art.Size
		}
	}
	if result.Final != nil {
		m.ArtifactSize = result.Final.Size
		m.Encrypted = result.Final.Kind == types.ArtifactEncrypted
	}
	return m
}
