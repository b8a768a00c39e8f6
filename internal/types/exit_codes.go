// Package types defines shared application data types.
package types

// ExitCode represents the application's exit codes.
type ExitCode int

const (
	// ExitSuccess - Pipeline run completed.
	ExitSuccess ExitCode = 0

	// ExitGenericError - Unspecified generic error.
	ExitGenericError ExitCode = 1

	// ExitConfigError - Missing or invalid configuration.
	ExitConfigError ExitCode = 2

	// ExitDeliveryError - Upload of the final artifact failed.
	ExitDeliveryError ExitCode = 6

	// ExitCollectionError - A source path could not be snapshotted.
	ExitCollectionError ExitCode = 9

	// ExitArchiveError - Error while creating the archive.
	ExitArchiveError ExitCode = 10

	// ExitStagingError - The staging area could not be written.
	ExitStagingError ExitCode = 12

	// ExitPanicError - Unhandled panic caught.
	ExitPanicError ExitCode = 13

	// ExitConcurrentRunError - Another run holds the staging lock.
	ExitConcurrentRunError ExitCode = 15

	// ExitDumpError - The database export command failed.
	ExitDumpError ExitCode = 16

	// ExitEncryptionError - Encryption of the archive failed.
	ExitEncryptionError ExitCode = 17

	// ExitInterrupted - Run cancelled by a signal.
	ExitInterrupted ExitCode = 130
)

// String returns a human-readable description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitGenericError:
		return "generic error"
	case ExitConfigError:
		return "configuration error"
	case ExitDeliveryError:
		return "delivery error"
	case ExitCollectionError:
		return "collection error"
	case ExitArchiveError:
		return "archive error"
	case ExitStagingError:
		return "staging error"
	case ExitPanicError:
		return "panic error"
	case ExitConcurrentRunError:
		return "concurrent run"
	case ExitDumpError:
		return "database dump error"
	case ExitEncryptionError:
		return "encryption error"
	case ExitInterrupted:
		return "interrupted"
	default:
		return "unknown error"
	}
}

// Int returns the exit code as an int.
func (e ExitCode) Int() int {
	return int(e)
}
