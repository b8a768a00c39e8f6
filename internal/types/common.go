package types

import "time"

// CompressionType represents the compression applied to the archive.
type CompressionType string

const (
	// CompressionGzip - gzip compression (stdlib)
	CompressionGzip CompressionType = "gz"

	// CompressionZstd - zstd compression (in-process)
	CompressionZstd CompressionType = "zst"

	// CompressionXZ - xz compression (external xz binary)
	CompressionXZ CompressionType = "xz"

	// CompressionNone - plain tar
	CompressionNone CompressionType = "none"
)

// String returns the string representation of the compression type.
func (c CompressionType) String() string {
	return string(c)
}

// Extension returns the archive file extension for the compression type.
func (c CompressionType) Extension() string {
	switch c {
	case CompressionGzip:
		return ".tar.gz"
	case CompressionZstd:
		return ".tar.zst"
	case CompressionXZ:
		return ".tar.xz"
	default:
		return ".tar"
	}
}

// ArtifactKind is the logical kind of a file produced during a run.
type ArtifactKind string

const (
	ArtifactSnapshot  ArtifactKind = "snapshot"
	ArtifactDump      ArtifactKind = "dump"
	ArtifactArchive   ArtifactKind = "archive"
	ArtifactEncrypted ArtifactKind = "encrypted"
)

// String returns the string representation of the artifact kind.
func (k ArtifactKind) String() string {
	return string(k)
}

// Artifact is a file produced by a pipeline stage inside the run directory.
type Artifact struct {
	// Path is the absolute path inside the run directory
	Path string

	// Kind is the logical artifact kind
	Kind ArtifactKind

	// Final marks the artifact that gets delivered; everything else is
	// intermediate and only subject to cleanup
	Final bool

	// Size in bytes; for snapshots, the total of the copied files
	Size int64

	// CreatedAt is when the producing stage finished
	CreatedAt time.Time
}

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug - Debug logs (maximum detail)
	LogLevelDebug LogLevel = 5

	// LogLevelInfo - General information
	LogLevelInfo LogLevel = 4

	// LogLevelWarning - Warnings
	LogLevelWarning LogLevel = 3

	// LogLevelError - Errors
	LogLevelError LogLevel = 2

	// LogLevelCritical - Critical errors
	LogLevelCritical LogLevel = 1

	// LogLevelNone - No logs
	LogLevelNone LogLevel = 0
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelCritical:
		return "CRITICAL"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a textual or numeric level to a LogLevel.
// Unknown values map to LogLevelInfo.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug", "5", "advanced", "extreme":
		return LogLevelDebug
	case "info", "4", "standard":
		return LogLevelInfo
	case "warning", "3":
		return LogLevelWarning
	case "error", "2":
		return LogLevelError
	case "critical", "1":
		return LogLevelCritical
	case "none", "0":
		return LogLevelNone
	default:
		return LogLevelInfo
	}
}
