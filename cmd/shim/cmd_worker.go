package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"shim/pkg/protocol"
	"shim/pkg/registry"

	"github.com/spf13/cobra"
)

// newWorkerCmd creates the worker command group.
func newWorkerCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage worker registrations",
	}
	cmd.AddCommand(
		newWorkerRegisterCmd(opts),
		newWorkerHeartbeatCmd(opts),
		newWorkerUnregisterCmd(opts),
		newWorkerListCmd(opts),
		newWorkerSweepCmd(opts),
		newWorkerCrashCmd(opts),
	)
	return cmd
}

func newWorkerRegisterCmd(opts *rootOptions) *cobra.Command {
	var meta registry.Metadata
	cmd := &cobra.Command{
		Use:   "register <worker-id>",
		Short: "Register a worker, or refresh its registration",
		Long: "Registers the worker and offers it queued work right away. Registering an\n" +
			"existing worker refreshes its capabilities and capacity and keeps its tasks.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				w, err := a.coord.RegisterWorker(ctx, args[0], meta)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), w)
			})
		},
	}
	cmd.Flags().StringVar(&meta.ChatID, "chat", "", "chat or session the worker belongs to")
	cmd.Flags().StringSliceVar(&meta.Capabilities, "capabilities", nil, "capabilities the worker offers")
	cmd.Flags().IntVar(&meta.Capacity, "capacity", 1, "maximum concurrent tasks")
	return cmd
}

func newWorkerHeartbeatCmd(opts *rootOptions) *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "heartbeat <worker-id>",
		Short: "Record a liveness signal",
		Long:  "Records one heartbeat, or with --every keeps sending them until interrupted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.registry.Heartbeat(ctx, args[0]); err != nil {
					return err
				}
				if every <= 0 {
					return nil
				}
				ticker := time.NewTicker(every)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						if err := a.registry.Heartbeat(ctx, args[0]); err != nil {
							a.logger.Printf("heartbeat %s: %v", args[0], err)
						}
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "keep sending heartbeats at this interval")
	return cmd
}

func newWorkerUnregisterCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <worker-id>",
		Short: "Remove a worker from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return a.registry.UnregisterWorker(ctx, args[0])
			})
		},
	}
}

func newWorkerListCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				workers, err := a.registry.ListWorkers(ctx)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(cmd.OutOrStdout(), workers)
				}
				return printWorkers(cmd.OutOrStdout(), workers, time.Now())
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	return cmd
}

func newWorkerSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance pass now",
		Long: "Runs what `shim serve` runs every sweep interval: fails workers whose\n" +
			"heartbeat timed out, escalates and reports deadlines, assigns queued work\n" +
			"and drops expired state.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return a.coord.Tick(ctx)
			})
		},
	}
}

func newWorkerCrashCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "crash <worker-id>",
		Short: "Report that a worker process died",
		Long:  "Fails every task bound to the worker and reassigns them to surviving workers.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				n, err := a.coord.HandleCrashSignal(ctx, protocol.CrashSignal{
					WorkerID:  args[0],
					Timestamp: time.Now(),
					Reason:    reason,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "failed %d task(s) of %s\n", n, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "crash reason")
	return cmd
}

// printWorkers renders workers as a fixed-width table.
func printWorkers(w io.Writer, workers []protocol.Worker, now time.Time) error {
	if len(workers) == 0 {
		_, err := fmt.Fprintln(w, "no workers registered")
		return err
	}
	fmt.Fprintf(w, "%-16s %-6s %-9s %-6s %-20s %s\n", "ID", "STATUS", "HEALTH", "LOAD", "CAPABILITIES", "HEARTBEAT")
	for _, wk := range workers {
		load := fmt.Sprintf("%d/%d", wk.Load(), wk.Capacity)
		_, err := fmt.Fprintf(w, "%-16s %-6s %-9s %-6s %-20s %s ago\n",
			wk.ID, wk.Status, wk.Health, load,
			strings.Join(wk.Capabilities, ","),
			now.Sub(wk.LastHeartbeat).Truncate(time.Second))
		if err != nil {
			return err
		}
	}
	return nil
}
