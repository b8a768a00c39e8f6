// Package schedule manages the crontab entries that trigger snapship runs.
package schedule

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/tis24dev/snapship/internal/logging"
)

const markerPrefix = "# snapship:"

// DefaultSchedule runs the backup every night at 02:00.
const DefaultSchedule = "0 2 * * *"

var (
	// ErrEntryNotFound is returned by Remove for an unknown entry name.
	ErrEntryNotFound = errors.New("schedule entry not found")

	nameRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// Entry is one snapship crontab line, identified by its marker name.
type Entry struct {
	Name     string
	Schedule string
	Command  string
}

// CommandRunner runs name with args, feeding stdin, and returns the
// combined output.
type CommandRunner interface {
	Run(ctx context.Context, stdin string, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	return cmd.CombinedOutput()
}

// Crontab edits the invoking user's crontab through the crontab binary.
type Crontab struct {
	runner CommandRunner
	logger *logging.Logger
}

// NewCrontab creates a Crontab backed by the system crontab command.
func NewCrontab(logger *logging.Logger) *Crontab {
	return NewCrontabWithRunner(logger, execRunner{})
}

// NewCrontabWithRunner creates a Crontab with a custom command runner.
func NewCrontabWithRunner(logger *logging.Logger, runner CommandRunner) *Crontab {
	return &Crontab{runner: runner, logger: logger}
}

// List returns the snapship entries in crontab order.
func (c *Crontab) List(ctx context.Context) ([]Entry, error) {
	lines, err := c.read(ctx)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for i := 0; i < len(lines); i++ {
		name, ok := markerName(lines[i])
		if !ok || i+1 >= len(lines) {
			continue
		}
		schedule, command := splitCronLine(lines[i+1])
		entries = append(entries, Entry{Name: name, Schedule: schedule, Command: command})
		i++
	}
	return entries, nil
}

// Add installs e, replacing an existing entry with the same name.
func (c *Crontab) Add(ctx context.Context, e Entry) error {
	if !nameRegex.MatchString(e.Name) {
		return fmt.Errorf("invalid schedule name %q (allowed: letters, digits, . _ -)", e.Name)
	}
	if err := ValidateSchedule(e.Schedule); err != nil {
		return err
	}
	e.Command = strings.TrimSpace(e.Command)
	if e.Command == "" || strings.ContainsAny(e.Command, "\r\n") {
		return fmt.Errorf("invalid command for schedule %q", e.Name)
	}

	lines, err := c.read(ctx)
	if err != nil {
		return err
	}
	lines, replaced := removeEntry(lines, e.Name)
	lines = append(lines, markerPrefix+e.Name, strings.Join(strings.Fields(e.Schedule), " ")+" "+e.Command)
	if err := c.write(ctx, lines); err != nil {
		return err
	}
	if replaced {
		c.logger.Info("Updated schedule %s: %s %s", e.Name, e.Schedule, e.Command)
	} else {
		c.logger.Info("Added schedule %s: %s %s", e.Name, e.Schedule, e.Command)
	}
	return nil
}

// Remove deletes the entry called name.
func (c *Crontab) Remove(ctx context.Context, name string) error {
	lines, err := c.read(ctx)
	if err != nil {
		return err
	}
	lines, removed := removeEntry(lines, name)
	if !removed {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	if err := c.write(ctx, lines); err != nil {
		return err
	}
	c.logger.Info("Removed schedule %s", name)
	return nil
}

func (c *Crontab) read(ctx context.Context) ([]string, error) {
	output, err := c.runner.Run(ctx, "", "crontab", "-l")
	if err != nil {
		lower := strings.ToLower(string(output))
		if strings.Contains(lower, "no crontab for") {
			return nil, nil
		}
		return nil, fmt.Errorf("crontab -l failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	normalized := strings.ReplaceAll(string(output), "\r\n", "\n")
	if strings.TrimSpace(normalized) == "" {
		return nil, nil
	}
	return strings.Split(strings.TrimRight(normalized, "\n"), "\n"), nil
}

func (c *Crontab) write(ctx context.Context, lines []string) error {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	output, err := c.runner.Run(ctx, buf.String(), "crontab", "-")
	if err != nil {
		return fmt.Errorf("crontab update failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// removeEntry drops the marker called name and the line after it.
func removeEntry(lines []string, name string) ([]string, bool) {
	out := make([]string, 0, len(lines))
	removed := false
	for i := 0; i < len(lines); i++ {
		if n, ok := markerName(lines[i]); ok && n == name {
			removed = true
			i++
			continue
		}
		out = append(out, lines[i])
	}
	return out, removed
}

func markerName(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, markerPrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(trimmed, markerPrefix)), true
}

func splitCronLine(line string) (string, string) {
	fields := strings.Fields(line)
	n := 5
	if len(fields) > 0 && strings.HasPrefix(fields[0], "@") {
		n = 1
	}
	if len(fields) <= n {
		return strings.Join(fields, " "), ""
	}
	return strings.Join(fields[:n], " "), strings.Join(fields[n:], " ")
}

// cronParser accepts what a crontab line accepts in its time fields.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a five-field cron expression or an @macro.
func ValidateSchedule(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) == 1 && strings.HasPrefix(fields[0], "@") {
		macro := strings.ToLower(fields[0])
		if macro == "@reboot" {
			return nil
		}
		if _, err := cronParser.Parse(macro); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		return nil
	}
	if len(fields) != 5 {
		return fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(fields))
	}
	// crontab also accepts 7 for Sunday
	dow := strings.Split(fields[4], ",")
	for i, part := range dow {
		if part == "7" {
			dow[i] = "0"
		}
	}
	fields[4] = strings.Join(dow, ",")
	if _, err := cronParser.Parse(strings.Join(fields, " ")); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}
