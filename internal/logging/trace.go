package logging

import (
	"fmt"
	"time"
)

// DebugStart logs a debug start line for operation and returns a function
// that logs its outcome and duration.
func DebugStart(logger *Logger, operation string, format string, args ...interface{}) func(error) {
	if logger == nil {
		return func(error) {}
	}

	detail := ""
	if format != "" {
		detail = fmt.Sprintf(format, args...)
	}
	if detail != "" {
		logger.Debug("Start %s: %s", operation, detail)
	} else {
		logger.Debug("Start %s", operation)
	}

	started := time.Now()
	return func(err error) {
		if err != nil {
			logger.Debug("End %s (error=%v, duration=%s)", operation, err, time.Since(started))
			return
		}
		logger.Debug("End %s (ok, duration=%s)", operation, time.Since(started))
	}
}
