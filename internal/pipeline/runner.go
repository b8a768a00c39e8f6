// Package pipeline runs one backup: collect, dump, archive, optionally
// encrypt, deliver, and always clean up the run directory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tis24dev/snapship/internal/backup"
	"github.com/tis24dev/snapship/internal/config"
	"github.com/tis24dev/snapship/internal/delivery"
	"github.com/tis24dev/snapship/internal/logging"
	"github.com/tis24dev/snapship/internal/safefs"
	"github.com/tis24dev/snapship/internal/types"
)

const statfsTimeout = 5 * time.Second

// SourceCollector snapshots source paths into the run directory.
type SourceCollector interface {
	Collect(ctx context.Context, sources []string, destDir, runID string) ([]types.Artifact, error)
}

// DatabaseDumper exports the configured database into the run directory.
type DatabaseDumper interface {
	Dump(ctx context.Context, destDir, runID string) (*types.Artifact, error)
}

// ArchiveWriter bundles artifacts into one archive file.
type ArchiveWriter interface {
	Extension() string
	CreateArchive(ctx context.Context, artifacts []types.Artifact, outputPath string) error
	VerifyArchive(ctx context.Context, archivePath string, artifacts []types.Artifact) error
}

// FileEncryptor encrypts src into dst.
type FileEncryptor interface {
	EncryptFile(ctx context.Context, src, dst string) error
}

// Result summarizes one run. Artifact paths refer to files that no longer
// exist once Run returns.
type Result struct {
	RunID          string
	State          State
	History        []State
	FailedStage    string
	Artifacts      []types.Artifact
	Final          *types.Artifact
	Checksum       string
	Receipt        *delivery.Receipt
	StageDurations map[string]time.Duration
	StartedAt      time.Time
	Duration       time.Duration
	DryRun         bool
}

// Option customizes a Runner.
type Option func(*Runner)

// WithCollector replaces the source collector.
func WithCollector(c SourceCollector) Option { return func(r *Runner) { r.collector = c } }

// WithDumper replaces the database dumper.
func WithDumper(d DatabaseDumper) Option { return func(r *Runner) { r.dumper = d } }

// WithArchiver replaces the archiver.
func WithArchiver(a ArchiveWriter) Option { return func(r *Runner) { r.archiver = a } }

// WithEncryptor replaces the encryptor.
func WithEncryptor(e FileEncryptor) Option { return func(r *Runner) { r.encryptor = e } }

// WithDeliverer replaces the deliverer built from the configuration.
func WithDeliverer(d delivery.Deliverer) Option { return func(r *Runner) { r.deliverer = d } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// WithRunIDGenerator sets how run identifiers are derived from the start time.
func WithRunIDGenerator(gen func(time.Time, string) string) Option {
	return func(r *Runner) { r.newRunID = gen }
}

// Runner executes pipeline runs for one configuration.
type Runner struct {
	cfg    *config.Config
	logger *logging.Logger

	collector SourceCollector
	dumper    DatabaseDumper
	archiver  ArchiveWriter
	encryptor FileEncryptor
	deliverer delivery.Deliverer

	now      func() time.Time
	newRunID func(time.Time, string) string
}

// NewRunner creates a runner. Missing components are built from cfg when
// Run starts.
func NewRunner(cfg *config.Config, logger *logging.Logger, opts ...Option) *Runner {
	r := &Runner{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		newRunID: NewRunID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one pipeline run. It returns a non-nil Result in every case;
// the error, when set, is a *StageError.
func (r *Runner) Run(ctx context.Context) (result *Result, err error) {
	start := r.now()
	result = &Result{
		State:          StateIdle,
		History:        []State{StateIdle},
		StartedAt:      start,
		StageDurations: make(map[string]time.Duration),
		DryRun:         r.cfg.DryRun,
	}

	if err := r.prepare(); err != nil {
		return r.failEarly(result, classify(stageConfig, err))
	}

	host := r.cfg.Hostname()
	runID := r.newRunID(start, r.cfg.RunIDFormat)
	result.RunID = runID
	archiveBase, err := ArchiveName(r.cfg.ArchiveNameTemplate, host, runID, start)
	if err != nil {
		return r.failEarly(result, classify(stageConfig, err))
	}
	r.logger.Phase("Backup run %s on %s", runID, host)

	if err := os.MkdirAll(r.cfg.StagingDir, 0o700); err != nil {
		return r.failEarly(result, classify(stageStaging, err))
	}
	lock, err := acquireLock(r.cfg.StagingDir, host, r.cfg.LockMaxAge, start, r.logger)
	if err != nil {
		stage := stageStaging
		if errors.Is(err, ErrConcurrentRun) {
			stage = stageLock
		}
		return r.failEarly(result, classify(stage, err))
	}
	r.logStagingSpace(ctx)

	if r.cfg.DryRun {
		r.logPlan(runID, archiveBase)
		if err := lock.release(); err != nil {
			r.logger.Warning("%v", err)
		}
		r.setState(result, StateCompleted)
		result.Duration = r.now().Sub(start)
		return result, nil
	}

	rc, err := newRunContext(r.cfg.StagingDir, runID, host, start)
	if err != nil {
		if relErr := lock.release(); relErr != nil {
			r.logger.Warning("%v", relErr)
		}
		return r.failEarly(result, classify(stageStaging, err))
	}

	defer func() {
		rec := recover()
		runErr := err
		if rec != nil {
			runErr = fmt.Errorf("panic: %v", rec)
		}
		r.cleanup(result, rc, lock, runErr)
		if rec != nil {
			panic(rec)
		}
	}()

	err = r.execute(ctx, result, rc, archiveBase)
	return result, err
}

// prepare validates the configuration and builds the default components.
func (r *Runner) prepare() error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	if r.collector == nil {
		r.collector = backup.NewCollector(r.logger)
	}
	if r.dumper == nil && r.cfg.Database.Enabled() {
		r.dumper = backup.NewDumper(r.logger, r.cfg.Database)
	}
	if r.archiver == nil {
		r.archiver = backup.NewArchiver(r.logger, backup.ArchiverConfig{
			Compression: r.cfg.CompressionType,
			Level:       r.cfg.CompressionLevel,
		})
	}
	if r.encryptor == nil && r.cfg.EncryptionEnabled() {
		r.encryptor = backup.NewEncryptor(r.logger, r.cfg.EncryptionPassphrase, r.cfg.EncryptionWorkFactor)
	}
	if r.deliverer == nil {
		d, err := delivery.New(r.cfg, r.logger)
		if err != nil {
			return err
		}
		r.deliverer = d
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, result *Result, rc *RunContext, archiveBase string) error {
	r.setState(result, StateCollectingSources)
	if err := r.runStage(ctx, result, config.StageCollect, func(ctx context.Context) error {
		artifacts, err := r.collector.Collect(ctx, r.cfg.SourcePaths, rc.Dir, rc.RunID)
		rc.Add(artifacts...)
		return err
	}); err != nil {
		return err
	}

	r.setState(result, StateDumpingDatabase)
	if r.cfg.Database.Enabled() {
		if err := r.runStage(ctx, result, config.StageDump, func(ctx context.Context) error {
			artifact, err := r.dumper.Dump(ctx, rc.Dir, rc.RunID)
			if artifact != nil {
				rc.Add(*artifact)
			}
			return err
		}); err != nil {
			return err
		}
	} else {
		r.logger.Skip("No database configured, dump skipped")
	}

	r.setState(result, StateArchiving)
	archivePath := filepath.Join(rc.Dir, archiveBase+r.archiver.Extension())
	if err := r.runStage(ctx, result, config.StageArchive, func(ctx context.Context) error {
		staged := rc.Artifacts()
		if err := r.archiver.CreateArchive(ctx, staged, archivePath); err != nil {
			return err
		}
		// the archive must hold exactly the staged artifacts, in order
		if err := r.archiver.VerifyArchive(ctx, archivePath, staged); err != nil {
			return err
		}
		rc.Add(newFileArtifact(archivePath, types.ArtifactArchive))
		rc.Promote(archivePath)
		return nil
	}); err != nil {
		return err
	}

	if r.cfg.EncryptionEnabled() {
		r.setState(result, StateEncrypting)
		encryptedPath := archivePath + backup.EncryptedSuffix
		if err := r.runStage(ctx, result, config.StageEncrypt, func(ctx context.Context) error {
			if err := r.encryptor.EncryptFile(ctx, archivePath, encryptedPath); err != nil {
				return err
			}
			rc.Add(newFileArtifact(encryptedPath, types.ArtifactEncrypted))
			rc.Promote(encryptedPath)
			r.logger.Debug("Plaintext archive %s demoted to intermediate", filepath.Base(archivePath))
			return nil
		}); err != nil {
			return err
		}
	}

	r.setState(result, StateDelivering)
	return r.runStage(ctx, result, config.StageDelivery, func(ctx context.Context) error {
		return r.deliver(ctx, result, rc)
	})
}

func (r *Runner) deliver(ctx context.Context, result *Result, rc *RunContext) error {
	final, ok := rc.Final()
	if !ok {
		return errors.New("no final artifact to deliver")
	}
	if r.cfg.EncryptionEnabled() && final.Kind != types.ArtifactEncrypted {
		return &StageError{
			Stage:      config.StageDelivery,
			Kind:       ErrEncryption,
			ExitStatus: -1,
			Err:        fmt.Errorf("refusing to deliver %s: encryption is configured but the artifact is %s", filepath.Base(final.Path), final.Kind),
		}
	}

	sum, err := backup.GenerateChecksum(ctx, final.Path)
	if err != nil {
		return err
	}
	result.Final = &final
	result.Checksum = sum

	data := delivery.CaptionData{
		Timestamp:         rc.StartedAt,
		Host:              rc.Host,
		RunID:             rc.RunID,
		SourceDescription: r.describeSources(),
		ArtifactName:      filepath.Base(final.Path),
		Size:              final.Size,
		SHA256:            sum,
		Encrypted:         final.Kind == types.ArtifactEncrypted,
		DecryptedName:     strings.TrimSuffix(filepath.Base(final.Path), backup.EncryptedSuffix),
	}
	if r.cfg.Database.Enabled() {
		data.Database = r.cfg.Database.Name
	}

	receipt, err := r.deliverer.Deliver(ctx, final, delivery.BuildCaption(data))
	if err != nil {
		return err
	}
	if receipt == nil || !receipt.Success {
		return fmt.Errorf("%s reported an unsuccessful upload", r.deliverer.Name())
	}
	result.Receipt = receipt
	r.logger.Info("Delivered %s via %s (reference %s)", data.ArtifactName, receipt.Method, receipt.Reference)
	return nil
}

// runStage runs fn under the stage deadline and converts its error.
func (r *Runner) runStage(ctx context.Context, result *Result, stage string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		se := classify(stage, err)
		r.logger.StageFailure(stage, se.ExitStatus, se.Err)
		return se
	}

	stageCtx := ctx
	if d := r.cfg.StageDeadline(stage); d > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	begin := r.now()
	err := fn(stageCtx)
	result.StageDurations[stage] = r.now().Sub(begin)
	if err != nil {
		if errors.Is(stageCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", context.DeadlineExceeded, r.cfg.StageDeadline(stage), err)
		}
		se := classify(stage, err)
		r.logger.StageFailure(stage, se.ExitStatus, se.Err)
		return se
	}
	r.logger.Stage(stage, "completed in %s", result.StageDurations[stage].Round(time.Millisecond))
	return nil
}

// cleanup removes the run directory, releases the lock and sets the
// terminal state. It runs on every path once the run directory exists.
func (r *Runner) cleanup(result *Result, rc *RunContext, lock *runLock, runErr error) {
	r.setState(result, StateCleaningUp)
	result.Artifacts = rc.Artifacts()

	if err := rc.Close(); err != nil {
		r.logger.Warning("Failed to remove run directory %s: %v", rc.Dir, err)
	} else {
		r.logger.Debug("Run directory %s removed", rc.Dir)
	}
	if err := lock.release(); err != nil {
		r.logger.Warning("%v", err)
	}

	result.Duration = r.now().Sub(result.StartedAt)
	if runErr != nil {
		var se *StageError
		if errors.As(runErr, &se) {
			result.FailedStage = se.Stage
		}
		r.setState(result, StateFailed)
		r.logger.Error("Backup run %s failed after %s", rc.RunID, result.Duration.Round(time.Millisecond))
		return
	}
	r.setState(result, StateCompleted)
	r.logger.Info("Backup run %s completed in %s", rc.RunID, result.Duration.Round(time.Millisecond))
}

// failEarly ends a run that failed before the run directory existed.
func (r *Runner) failEarly(result *Result, se *StageError) (*Result, error) {
	r.logger.StageFailure(se.Stage, se.ExitStatus, se.Err)
	result.FailedStage = se.Stage
	result.Duration = r.now().Sub(result.StartedAt)
	r.setState(result, StateFailed)
	return result, se
}

func (r *Runner) setState(result *Result, next State) {
	if !CanTransition(result.State, next) {
		panic(fmt.Sprintf("pipeline: invalid state transition %s -> %s", result.State, next))
	}
	r.logger.Debug("State %s -> %s", result.State, next)
	result.State = next
	result.History = append(result.History, next)
	switch next {
	case StateCollectingSources, StateDumpingDatabase, StateArchiving, StateEncrypting, StateDelivering:
		r.logger.Step("%s", next.Label())
	}
}

func (r *Runner) describeSources() string {
	if r.cfg.SourceDescription != "" {
		return r.cfg.SourceDescription
	}
	names := make([]string, 0, len(r.cfg.SourcePaths))
	for _, src := range r.cfg.SourcePaths {
		names = append(names, filepath.Base(filepath.Clean(src)))
	}
	return strings.Join(names, ", ")
}

// logStagingSpace reports the space left in the staging area.
func (r *Runner) logStagingSpace(ctx context.Context) {
	free, err := safefs.FreeBytes(ctx, r.cfg.StagingDir, statfsTimeout)
	if err != nil {
		r.logger.Debug("Cannot read free space of %s: %v", r.cfg.StagingDir, err)
		return
	}
	r.logger.Debug("Staging area %s: %s free", r.cfg.StagingDir, humanize.IBytes(free))
}

func (r *Runner) logPlan(runID, archiveBase string) {
	r.logger.Info("[DRY RUN] Run id: %s", runID)
	for _, src := range r.cfg.SourcePaths {
		r.logger.Info("[DRY RUN] Would snapshot %s", src)
	}
	if r.cfg.Database.Enabled() {
		r.logger.Info("[DRY RUN] Would dump %s database %s from %s", r.cfg.Database.Engine, r.cfg.Database.Name, r.cfg.Database.Service)
	}
	r.logger.Info("[DRY RUN] Would create archive %s%s", archiveBase, r.archiver.Extension())
	if r.cfg.EncryptionEnabled() {
		r.logger.Info("[DRY RUN] Would encrypt archive with age (scrypt work factor %d)", r.cfg.EncryptionWorkFactor)
	}
	r.logger.Info("[DRY RUN] Would deliver via %s", r.deliverer.Name())
}

func newFileArtifact(path string, kind types.ArtifactKind) types.Artifact {
	a := types.Artifact{Path: path, Kind: kind, CreatedAt: time.Now()}
	if info, err := os.Stat(path); err == nil {
		a.Size = info.Size()
	}
	return a
}
