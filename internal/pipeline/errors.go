package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/tis24dev/snapship/internal/backup"
	"github.com/tis24dev/snapship/internal/config"
	"github.com/tis24dev/snapship/internal/types"
)

// Error kinds. Every *StageError matches exactly one of them with errors.Is.
var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrStagingWrite      = errors.New("staging write failed")
	ErrDumpExecution     = errors.New("database dump failed")
	ErrArchiveCreation   = errors.New("archive creation failed")
	ErrEncryption        = errors.New("encryption failed")
	ErrDelivery          = errors.New("delivery failed")
	ErrConcurrentRun     = errors.New("another run holds the staging lock")
	ErrConfiguration     = errors.New("invalid configuration")
)

// Pseudo stages used for failures outside the five pipeline stages.
const (
	stageConfig  = "config"
	stageLock    = "lock"
	stageStaging = "staging"
)

// StageError represents a run failure with its stage, kind and the exit
// status of the underlying tool (-1 when no tool was involved).
type StageError struct {
	Stage      string
	Kind       error
	ExitStatus int
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// ExitCode maps the error kind to the process exit code.
func (e *StageError) ExitCode() types.ExitCode {
	switch e.Kind {
	case ErrConfiguration:
		return types.ExitConfigError
	case ErrSourceUnavailable:
		return types.ExitCollectionError
	case ErrStagingWrite:
		return types.ExitStagingError
	case ErrDumpExecution:
		return types.ExitDumpError
	case ErrArchiveCreation:
		return types.ExitArchiveError
	case ErrEncryption:
		return types.ExitEncryptionError
	case ErrDelivery:
		return types.ExitDeliveryError
	case ErrConcurrentRun:
		return types.ExitConcurrentRunError
	default:
		return types.ExitGenericError
	}
}

// ExitCodeFor returns the exit code for the error returned by Run.
func ExitCodeFor(err error) types.ExitCode {
	if err == nil {
		return types.ExitSuccess
	}
	if errors.Is(err, context.Canceled) {
		return types.ExitInterrupted
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.ExitCode()
	}
	return types.ExitGenericError
}

// classify wraps err into a *StageError for stage.
func classify(stage string, err error) *StageError {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr
	}

	kind := ErrStagingWrite
	switch stage {
	case config.StageCollect:
		kind = ErrSourceUnavailable
		var stagingErr *backup.StagingError
		if errors.As(err, &stagingErr) {
			kind = ErrStagingWrite
		}
	case config.StageDump:
		kind = ErrDumpExecution
	case config.StageArchive:
		kind = ErrArchiveCreation
	case config.StageEncrypt:
		kind = ErrEncryption
	case config.StageDelivery:
		kind = ErrDelivery
	case stageConfig:
		kind = ErrConfiguration
	case stageLock:
		kind = ErrConcurrentRun
	}
	return &StageError{Stage: stage, Kind: kind, ExitStatus: exitStatus(err), Err: err}
}

// exitStatus extracts the exit status of a failed external command.
func exitStatus(err error) int {
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
