package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tis24dev/snapship/internal/schedule"
	"github.com/tis24dev/snapship/internal/tui/wizard"
	"github.com/tis24dev/snapship/internal/types"
)

func (a *App) newInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Interactively write the configuration file and schedule the nightly run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.install(cmd.Context())
		},
	}
}

func (a *App) install(ctx context.Context) error {
	if a.Interactive != nil && !a.Interactive() {
		return errors.New("install requires an interactive terminal (stdin is not a TTY)")
	}
	logger, closeLog := a.newLogger(nil)
	defer closeLog()

	path, _ := a.resolveConfigPath()
	overwrite, err := a.ConfirmOverwrite(path)
	if err != nil {
		return err
	}
	if !overwrite {
		logger.Info("Keeping existing configuration %s", path)
		return nil
	}

	data, err := a.RunWizard(ctx, wizard.DefaultInstallData(path))
	if err != nil {
		if errors.Is(err, wizard.ErrInstallCancelled) {
			logger.Warning("Installation cancelled, nothing written")
			return &exitError{code: types.ExitGenericError, err: err, logged: true}
		}
		return err
	}

	content, err := wizard.ApplyInstallData("", data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	// 0600: the file holds delivery credentials and the passphrase.
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write configuration: %w", err)
	}
	logger.Info("Configuration written to %s", path)

	cronExpr, err := wizard.CronSchedule(data.CronTime)
	if err != nil || cronExpr == "" {
		return err
	}
	command, err := a.runCommandLine(path)
	if err != nil {
		return err
	}
	return a.crontab(logger).Add(ctx, schedule.Entry{Name: defaultScheduleName, Schedule: cronExpr, Command: command})
}
