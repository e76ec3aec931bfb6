package main

import (
	"fmt"

	"shim/internal/version"

	"github.com/spf13/cobra"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	home string
}

// newRootCmd creates the root shim command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "shim",
		Short: "Coordinate tasks across worker sessions",
		Long: "shim coordinates work across independently running worker sessions that share\n" +
			"state through one SQLite database: task submission and decomposition, routing,\n" +
			"retries, deadlines, locks and the worker registry.",
		Version:       fmt.Sprintf("shim %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&opts.home, "home", "", "shim home directory (default $SHIM_HOME or ~/.shim)")

	cmd.AddCommand(
		newServeCmd(opts),
		newSubmitCmd(opts),
		newResultCmd(opts),
		newFailCmd(opts),
		newStartCmd(opts),
		newProgressCmd(opts),
		newAggregateCmd(opts),
		newWorkerCmd(opts),
		newLockCmd(opts),
		newStatusCmd(opts),
		newLogsCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the shim version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "shim %s\n", version.String())
		},
	}
}
