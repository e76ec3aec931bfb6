package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"shim/pkg/coordinator"
	"shim/pkg/protocol"

	"github.com/spf13/cobra"
)

// newResultCmd creates the result command.
func newResultCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "result <task-id> [json|-]",
		Short: "Submit a task result",
		Long: "Records the result of a task and frees its worker. The result is JSON given\n" +
			"as an argument, or read from stdin when the argument is \"-\". A result that\n" +
			"completes the last subtask of a decomposed task completes the parent too.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := json.RawMessage("null")
			if len(args) == 2 {
				raw := []byte(args[1])
				if args[1] == "-" {
					var err error
					if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
						return fmt.Errorf("read result: %w", err)
					}
				}
				data = raw
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.coord.SubmitResult(ctx, protocol.TaskResult{TaskID: args[0], Data: data}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "completed %s\n", args[0])
				return nil
			})
		},
	}
}

// newFailCmd creates the fail command.
func newFailCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <task-id>",
		Short: "Report a failed task attempt",
		Long: "Records a failed attempt and frees the task's worker. While attempts remain\n" +
			"the task is retried with exponential backoff. The retry timer lives in the\n" +
			"process that scheduled it, so retries reported from this command are picked\n" +
			"up by a running `shim serve` once they fall due.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.coord.MarkTaskFailed(ctx, args[0], reason); err != nil {
					return err
				}
				assignment, err := a.coord.GetAssignment(ctx, args[0])
				if err != nil {
					return err
				}
				if assignment == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "no assignment for %s\n", args[0])
					return nil
				}
				return printJSON(cmd.OutOrStdout(), assignment)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the attempt failed")
	return cmd
}

// newStartCmd creates the start command.
func newStartCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start <task-id>",
		Short: "Mark an assigned task as running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.coord.StartTask(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "running %s\n", args[0])
				return nil
			})
		},
	}
}

// newProgressCmd creates the progress command.
func newProgressCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <task-id> [fraction]",
		Short: "Report or show task progress (0 to 1)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var report *float64
			if len(args) == 2 {
				p, err := strconv.ParseFloat(args[1], 64)
				if err != nil {
					return fmt.Errorf("parse progress %q: %w", args[1], err)
				}
				report = &p
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if report != nil {
					if err := a.coord.ReportProgress(ctx, args[0], *report); err != nil {
						return err
					}
				}
				p, err := a.coord.Progress(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %.0f%%\n", args[0], p*100)
				return nil
			})
		},
	}
}

// newAggregateCmd creates the aggregate command.
func newAggregateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate <parent-id>",
		Short: "Show the collected results of a decomposed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				agg, err := a.coord.AggregateResults(ctx, args[0])
				if err != nil {
					return err
				}
				progress, err := a.coord.GetAggregateProgress(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), struct {
					*coordinator.AggregateResult
					Progress float64 `json:"progress"`
				}{agg, progress})
			})
		},
	}
}
