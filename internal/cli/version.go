package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tis24dev/snapship/internal/version"
)

func (a *App) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the snapship version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintln(a.Stdout, version.Banner())
		},
	}
}
