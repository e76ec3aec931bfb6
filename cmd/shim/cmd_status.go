package main

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"shim/pkg/coordinator"
	"shim/pkg/protocol"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "shim status" subcommand.
func newStatusCmd(opts *rootOptions) *cobra.Command {
	var (
		jsonOut bool
		raw     string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workers, tasks and queue state",
		Long: "Displays registered workers, every task with its assignment and progress,\n" +
			"queue depth and overdue tasks. --raw dumps one state-store namespace as\n" +
			"stored, expired rows included.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				w := cmd.OutOrStdout()
				if raw != "" {
					rows, err := a.store.Rows(ctx, raw)
					if err != nil {
						return err
					}
					return printJSON(w, rows)
				}

				snap, err := a.coord.Snapshot(ctx)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(w, snap)
				}
				return printSnapshot(w, snap)
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the snapshot as JSON")
	cmd.Flags().StringVar(&raw, "raw", "", "dump a state-store namespace (e.g. tasks, assignments, workers)")
	return cmd
}

// printSnapshot renders snap for a terminal.
func printSnapshot(w io.Writer, snap *coordinator.Snapshot) error {
	fmt.Fprintf(w, "routing: %s  queued: %d  overdue: %d\n\n", snap.Strategy, snap.QueueDepth, len(snap.Overdue))

	if err := printWorkers(w, snap.Workers, snap.TakenAt); err != nil {
		return err
	}
	fmt.Fprintln(w)

	if len(snap.Tasks) == 0 {
		_, err := fmt.Fprintln(w, "no tasks")
		return err
	}
	fmt.Fprintf(w, "%-20s %-10s %-3s %-12s %-7s %-8s %s\n", "TASK", "STATUS", "PRI", "WORKER", "ATTEMPT", "PROGRESS", "NOTE")
	for _, v := range snap.Tasks {
		worker, attempt, note := "", "", ""
		if a := v.Assignment; a != nil {
			worker = a.WorkerID
			attempt = strconv.Itoa(a.Attempt)
			note = cmp.Or(a.Reason, a.LastError)
		}
		if slices.Contains(snap.Overdue, v.Task.ID) {
			note = strings.TrimSpace("overdue " + note)
		} else if v.Task.Deadline != nil && v.Task.Status != protocol.TaskCompleted {
			note = strings.TrimSpace(fmt.Sprintf("due in %s %s", v.Task.Deadline.Sub(snap.TakenAt).Truncate(time.Second), note))
		}
		_, err := fmt.Fprintf(w, "%-20s %-10s %-3d %-12s %-7s %7.0f%% %s\n",
			v.Task.ID, v.Task.Status, v.Task.Priority, worker, attempt, v.Progress*100, note)
		if err != nil {
			return err
		}
	}
	return nil
}
