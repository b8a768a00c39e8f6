// Package cli implements the snapship command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tis24dev/snapship/internal/config"
	"github.com/tis24dev/snapship/internal/logging"
	"github.com/tis24dev/snapship/internal/pipeline"
	"github.com/tis24dev/snapship/internal/prompt"
	"github.com/tis24dev/snapship/internal/schedule"
	"github.com/tis24dev/snapship/internal/tui"
	"github.com/tis24dev/snapship/internal/tui/wizard"
	"github.com/tis24dev/snapship/internal/types"
	"github.com/tis24dev/snapship/internal/version"
)

const (
	// DefaultConfigPath is used when neither --config nor SNAPSHIP_CONFIG is set.
	DefaultConfigPath = "/etc/snapship/snapship.env"

	configSourceDefault = "default path"
	configSourceEnv     = "SNAPSHIP_CONFIG"
	configSourceFlag    = "--config/-c flag"
)

// exitError carries the process exit code for a failed command. When
// logged is set the failure was already reported by the logger.
type exitError struct {
	code   types.ExitCode
	err    error
	logged bool
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error {
	return &exitError{code: types.ExitConfigError, err: err}
}

// App holds the global flags and the collaborators the commands use.
// Tests replace the collaborators.
type App struct {
	Stdout io.Writer
	Stderr io.Writer

	Prompter    *prompt.Prompter
	Interactive func() bool
	Executable  func() (string, error)

	// CronRunner replaces the crontab binary when set.
	CronRunner schedule.CommandRunner
	// RunnerOptions are appended to the options of every pipeline run.
	RunnerOptions []pipeline.Option
	// RunWizard collects the install answers.
	RunWizard func(ctx context.Context, defaults *wizard.InstallData) (*wizard.InstallData, error)
	// ConfirmOverwrite decides whether an existing configuration may be replaced.
	ConfirmOverwrite func(path string) (bool, error)

	configPath string
	logLevel   string
	noColor    bool
}

// NewApp returns an App wired to the real terminal, crontab and TUI.
func NewApp() *App {
	return &App{
		Stdout:           os.Stdout,
		Stderr:           os.Stderr,
		Prompter:         prompt.NewTerminal(),
		Interactive:      prompt.IsInteractive,
		Executable:       os.Executable,
		RunWizard:        wizard.RunInstallWizard,
		ConfirmOverwrite: wizard.ConfirmOverwrite,
	}
}

// Execute runs snapship with the process arguments and returns the exit code.
func Execute() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			fmt.Fprintf(os.Stderr, "\nReceived signal %v, stopping the run...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	tui.SetAbortContext(ctx)

	return NewApp().Run(ctx, os.Args[1:])
}

// Run executes the command line args and maps the outcome to an exit code.
// A panic in any command yields ExitPanicError.
func (a *App) Run(ctx context.Context, args []string) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(a.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			code = types.ExitPanicError.Int()
		}
	}()

	root := a.RootCommand()
	root.SetArgs(args)
	root.SetOut(a.Stdout)
	root.SetErr(a.Stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return types.ExitSuccess.Int()
	}
	var ee *exitError
	if !errors.As(err, &ee) || !ee.logged {
		fmt.Fprintf(a.Stderr, "Error: %v\n", err)
	}
	return exitCodeFor(err).Int()
}

func exitCodeFor(err error) types.ExitCode {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return pipeline.ExitCodeFor(err)
}

// RootCommand builds the command tree.
func (a *App) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "snapship",
		Short:         "Snapshot folders and a containerized database, then ship one archive",
		Long:          "snapship copies source folders and a database dump into a staging area, bundles them into a single\ncompressed archive, optionally encrypts it with a passphrase and uploads it to Telegram or S3.",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(version.Banner() + "\n")

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to the configuration file (env or YAML)")
	flags.StringVarP(&a.logLevel, "log-level", "l", "", "log level (debug|info|warning|error|critical), overrides DEBUG_LEVEL")
	flags.BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		a.newRunCommand(),
		a.newDecryptCommand(),
		a.newScheduleCommand(),
		a.newInstallCommand(),
		a.newVersionCommand(),
	)
	return root
}

// resolveConfigPath returns the configuration path and where it came from.
func (a *App) resolveConfigPath() (string, string) {
	path, source := a.configPath, configSourceFlag
	if path == "" {
		if env := strings.TrimSpace(os.Getenv("SNAPSHIP_CONFIG")); env != "" {
			path, source = env, configSourceEnv
		} else {
			path, source = DefaultConfigPath, configSourceDefault
		}
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path, source
}

func (a *App) loadConfig() (*config.Config, string, error) {
	path, source := a.resolveConfigPath()
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, "", configError(fmt.Errorf("%w (%s)", err, source))
	}
	return cfg, source, nil
}

// newLogger builds the console logger. cfg may be nil for commands that
// run without a configuration file. The returned func closes the log file.
func (a *App) newLogger(cfg *config.Config) (*logging.Logger, func()) {
	level, useColor := types.LogLevelInfo, true
	if cfg != nil {
		level, useColor = cfg.DebugLevel, cfg.UseColor
	}
	if a.logLevel != "" {
		level = types.ParseLogLevel(strings.ToLower(a.logLevel))
	}
	logger := logging.New(level, useColor && !a.noColor)
	logger.SetOutput(a.Stdout)

	if cfg == nil || cfg.LogPath == "" {
		return logger, func() {}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o750); err != nil {
		logger.Warning("Cannot create log directory for %s: %v", cfg.LogPath, err)
		return logger, func() {}
	}
	if err := logger.OpenLogFile(cfg.LogPath); err != nil {
		logger.Warning("%v", err)
		return logger, func() {}
	}
	return logger, func() { _ = logger.CloseLogFile() }
}

func (a *App) crontab(logger *logging.Logger) *schedule.Crontab {
	if a.CronRunner != nil {
		return schedule.NewCrontabWithRunner(logger, a.CronRunner)
	}
	return schedule.NewCrontab(logger)
}

// runCommandLine is the command a schedule entry executes.
func (a *App) runCommandLine(configPath string) (string, error) {
	exe, err := a.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve snapship binary: %w", err)
	}
	return fmt.Sprintf("%s run -c %s", exe, configPath), nil
}
