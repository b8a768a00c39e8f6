// Package backup implements the staging stages of a run: source snapshots,
// database dumps, archiving and encryption.
package backup

import (
	"errors"
	"fmt"
)

// ErrMissingArtifact reports an artifact that disappeared before archiving.
var ErrMissingArtifact = errors.New("artifact missing at archive time")

// ErrArchiveMismatch reports an archive whose members differ from the
// staged artifacts.
var ErrArchiveMismatch = errors.New("archive members do not match staged artifacts")

// SourceError reports a source path that could not be read.
type SourceError struct {
	Path string
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Path, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// StagingError reports a failed write inside the staging directory.
type StagingError struct {
	Path string
	Err  error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("cannot write %s: %v", e.Path, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// DumpError reports a failed database export. ExitStatus is -1 when the
// tool never ran or was killed.
type DumpError struct {
	Engine     string
	ExitStatus int
	Stderr     string
	Err        error
}

func (e *DumpError) Error() string {
	msg := fmt.Sprintf("%s dump failed (exit status %d): %v", e.Engine, e.ExitStatus, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *DumpError) Unwrap() error { return e.Err }

// ExitCode returns the exit status of the dump tool.
func (e *DumpError) ExitCode() int { return e.ExitStatus }

// ArchiveError reports a failure while building the archive.
type ArchiveError struct {
	Path string
	Err  error
}

func (e *ArchiveError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("archive creation failed: %v", e.Err)
	}
	return fmt.Sprintf("archive creation failed at %s: %v", e.Path, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// CompressionError reports a failure of an external compressor.
type CompressionError struct {
	Algorithm string
	Err       error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("%s compression failed: %v", e.Algorithm, e.Err)
}

func (e *CompressionError) Unwrap() error { return e.Err }

// EncryptionError reports an encryption or decryption failure.
type EncryptionError struct {
	Op  string
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }
