package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tis24dev/snapship/internal/schedule"
)

const defaultScheduleName = "default"

func (a *App) newScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage the crontab entries that run snapship",
	}

	var cronExpr, command string
	add := &cobra.Command{
		Use:   "add [name]",
		Short: "Add or replace a scheduled run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := defaultScheduleName
			if len(args) == 1 {
				name = args[0]
			}
			logger, closeLog := a.newLogger(nil)
			defer closeLog()
			if command == "" {
				path, _ := a.resolveConfigPath()
				var err error
				if command, err = a.runCommandLine(path); err != nil {
					return err
				}
			}
			return a.crontab(logger).Add(cmd.Context(), schedule.Entry{Name: name, Schedule: cronExpr, Command: command})
		},
	}
	add.Flags().StringVar(&cronExpr, "cron", schedule.DefaultSchedule, "five-field cron expression or @macro")
	add.Flags().StringVar(&command, "command", "", "command to run (default: this binary with run -c <config>)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List scheduled runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, closeLog := a.newLogger(nil)
			defer closeLog()
			entries, err := a.crontab(logger).List(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(a.Stdout, "No scheduled runs.")
				return nil
			}
			w := tabwriter.NewWriter(a.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSCHEDULE\tCOMMAND")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Name, e.Schedule, e.Command)
			}
			return w.Flush()
		},
	}

	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a scheduled run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, closeLog := a.newLogger(nil)
			defer closeLog()
			return a.crontab(logger).Remove(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}
