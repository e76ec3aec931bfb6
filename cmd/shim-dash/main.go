// Package main implements shim-dash, a live terminal dashboard over the
// shared coordination state.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"shim/internal/version"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "shim-dash: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		home     string
		robot    bool
		interval time.Duration
		events   int
	)
	cmd := &cobra.Command{
		Use:   "shim-dash",
		Short: "Live dashboard for shim workers, tasks and events",
		Long: "Shows registered workers, tasks with their assignments and the event journal,\n" +
			"refreshed from the state database. When stdout is not a terminal, or with\n" +
			"--robot, it prints one JSON snapshot and exits.",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := openSource(cmd.Context(), home, events)
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()

			if robot || !isTerminal(cmd.OutOrStdout()) {
				return robotMode(cmd.Context(), cmd.OutOrStdout(), src.Fetch)
			}
			p := tea.NewProgram(newModel(src.Fetch, interval), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("run dashboard: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&home, "home", "", "shim home directory (default $SHIM_HOME or ~/.shim)")
	cmd.Flags().BoolVar(&robot, "robot", false, "print one JSON snapshot and exit")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	cmd.Flags().IntVar(&events, "events", 50, "number of recent events to show")
	return cmd
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
