// Package logging provides the leveled console/file logger used across snapship.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tis24dev/snapship/internal/types"
)

const (
	colorReset   = "\033[0m"
	colorCyan    = "\033[36m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorRed     = "\033[31m"
	colorBoldRed = "\033[1;31m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
)

// Logger handles application logging.
type Logger struct {
	mu           sync.Mutex
	level        types.LogLevel
	useColor     bool
	output       io.Writer
	timeFormat   string
	logFile      *os.File
	warningCount int64
	errorCount   int64
	now          func() time.Time
}

// New creates a new logger writing to stdout.
func New(level types.LogLevel, useColor bool) *Logger {
	return &Logger{
		level:      level,
		useColor:   useColor,
		output:     os.Stdout,
		timeFormat: "2006-01-02 15:04:05",
		now:        time.Now,
	}
}

// SetOutput sets the logger output writer. A nil writer restores stdout.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w == nil {
		l.output = os.Stdout
		return
	}
	l.output = w
}

// SetLevel sets the logging level.
func (l *Logger) SetLevel(level types.LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() types.LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// OpenLogFile opens (or appends to) a log file that mirrors every line without colors.
func (l *Logger) OpenLogFile(logPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		l.logFile.Close()
	}

	// O_SYNC keeps the file current if the process is killed mid-run.
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}
	l.logFile = file
	return nil
}

// CloseLogFile closes the log file, if any.
func (l *Logger) CloseLogFile() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return nil
	}
	err := l.logFile.Close()
	l.logFile = nil
	return err
}

// LogFilePath returns the path of the open log file, or "".
func (l *Logger) LogFilePath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return ""
	}
	return l.logFile.Name()
}

func (l *Logger) write(level types.LogLevel, label, colorOverride, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if level > l.level {
		return
	}

	switch level {
	case types.LogLevelWarning:
		l.warningCount++
	case types.LogLevelError, types.LogLevelCritical:
		l.errorCount++
	}

	timestamp := l.now().Format(l.timeFormat)
	levelStr := level.String()
	if label != "" {
		levelStr = label
	}
	message := fmt.Sprintf(format, args...)

	var colorCode, resetCode string
	if l.useColor {
		resetCode = colorReset
		colorCode = colorOverride
		if colorCode == "" {
			colorCode = levelColor(level)
		}
	}

	fmt.Fprintf(l.output, "[%s] %s%-8s%s %s\n", timestamp, colorCode, levelStr, resetCode, message)
	if l.logFile != nil {
		fmt.Fprintf(l.logFile, "[%s] %-8s %s\n", timestamp, levelStr, message)
	}
}

func levelColor(level types.LogLevel) string {
	switch level {
	case types.LogLevelDebug:
		return colorCyan
	case types.LogLevelInfo:
		return colorGreen
	case types.LogLevelWarning:
		return colorYellow
	case types.LogLevelError:
		return colorRed
	case types.LogLevelCritical:
		return colorBoldRed
	default:
		return ""
	}
}

// WarningCount returns how many warnings were logged.
func (l *Logger) WarningCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warningCount
}

// ErrorCount returns how many error or critical lines were logged.
func (l *Logger) ErrorCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errorCount
}

// Debug writes a debug log.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(types.LogLevelDebug, "", "", format, args...)
}

// Info writes an informational log.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(types.LogLevelInfo, "", "", format, args...)
}

// Phase writes an informational log with the PHASE label.
func (l *Logger) Phase(format string, args ...interface{}) {
	l.write(types.LogLevelInfo, "PHASE", colorBlue, format, args...)
}

// Step writes an informational log with the STEP label.
func (l *Logger) Step(format string, args ...interface{}) {
	l.write(types.LogLevelInfo, "STEP", colorBlue, format, args...)
}

// Skip writes an informational log with the SKIP label (disabled or ignored elements).
func (l *Logger) Skip(format string, args ...interface{}) {
	l.write(types.LogLevelInfo, "SKIP", colorMagenta, format, args...)
}

// Stage writes an informational log prefixed with the pipeline stage name.
func (l *Logger) Stage(stage string, format string, args ...interface{}) {
	l.write(types.LogLevelInfo, "STAGE", colorBlue, "[%s] %s", stage, fmt.Sprintf(format, args...))
}

// StageFailure logs the single line identifying a failed stage, its
// timestamp and the exit status of the underlying tool (-1 when none).
func (l *Logger) StageFailure(stage string, exitStatus int, err error) {
	if l == nil {
		return
	}
	at := l.now().UTC().Format(time.RFC3339)
	l.write(types.LogLevelError, "", "", "Stage %s failed at %s (exit status %d): %v", stage, at, exitStatus, err)
}

// Warning writes a warning log.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.write(types.LogLevelWarning, "", "", format, args...)
}

// Error writes an error log.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(types.LogLevelError, "", "", format, args...)
}

// Critical writes a critical log.
func (l *Logger) Critical(format string, args ...interface{}) {
	l.write(types.LogLevelCritical, "", "", format, args...)
}
