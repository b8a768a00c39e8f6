// Package safefs wraps filesystem calls that can block forever on a stale
// network mount with a timeout.
package safefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"time"
)

var (
	osLstat       = os.Lstat
	syscallStatfs = syscall.Statfs
)

// ErrTimeout classifies operations that did not complete in time.
var ErrTimeout = errors.New("filesystem operation timed out")

// TimeoutError is returned when an operation exceeds its allowed duration.
// The underlying call is not cancelled; the caller only stops waiting.
type TimeoutError struct {
	Op      string
	Path    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s %s: timeout after %s", e.Op, e.Path, e.Timeout)
	}
	return fmt.Sprintf("%s %s: timeout", e.Op, e.Path)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// effectiveTimeout shortens timeout to the context deadline.
func effectiveTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 0
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			return max(remaining, time.Nanosecond)
		}
	}
	return timeout
}

// bounded runs call and waits at most timeout for it. A zero timeout waits
// until call returns or ctx is done.
func bounded[T any](ctx context.Context, op, path string, timeout time.Duration, call func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	timeout = effectiveTimeout(ctx, timeout)

	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := call()
		ch <- result{value: v, err: err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-expired:
		return zero, &TimeoutError{Op: op, Path: path, Timeout: timeout}
	}
}

// Lstat is os.Lstat bounded by timeout.
func Lstat(ctx context.Context, path string, timeout time.Duration) (fs.FileInfo, error) {
	return bounded(ctx, "lstat", path, timeout, func() (fs.FileInfo, error) {
		return osLstat(path)
	})
}

// FreeBytes returns the space available to unprivileged users on the
// filesystem holding path.
func FreeBytes(ctx context.Context, path string, timeout time.Duration) (uint64, error) {
	return bounded(ctx, "statfs", path, timeout, func() (uint64, error) {
		var st syscall.Statfs_t
		if err := syscallStatfs(path, &st); err != nil {
			return 0, err
		}
		return st.Bavail * uint64(st.Bsize), nil
	})
}
