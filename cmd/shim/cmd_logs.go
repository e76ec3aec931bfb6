package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"shim/pkg/config"
	"shim/pkg/eventlog"
	"shim/pkg/protocol"

	"github.com/spf13/cobra"
)

// followInterval is how often --follow polls the journal.
const followInterval = time.Second

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	worker string
	task   string
	topic  string
	since  time.Duration
	tail   int
	follow bool
}

// newLogsCmd creates the "shim logs" subcommand.
func newLogsCmd(opts *rootOptions) *cobra.Command {
	var lc logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query and tail the coordination event journal",
		Long:  "Displays notifications journaled by every coordinator sharing the state\ndatabase, oldest first. Filter by worker, task or topic and follow new events.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.home)
			if err != nil {
				return err
			}
			reader, err := eventlog.NewReader(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open event journal: %w", err)
			}
			defer func() { _ = reader.Close() }()

			q := eventlog.QueryOpts{
				WorkerID: lc.worker,
				TaskID:   lc.task,
				Topic:    protocol.Topic(lc.topic),
				Limit:    lc.tail,
			}
			if lc.since > 0 {
				q.Since = time.Now().Add(-lc.since)
			}

			w := cmd.OutOrStdout()
			lastID, err := printLogs(cmd.Context(), reader, w, q, lc.follow)
			if err != nil {
				return err
			}
			if lc.follow {
				return followLogs(cmd.Context(), reader, w, q, lastID)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&lc.worker, "worker", "", "only events about this worker")
	f.StringVar(&lc.task, "task", "", "only events about this task")
	f.StringVar(&lc.topic, "topic", "", "only events on this topic (e.g. task-assigned)")
	f.DurationVar(&lc.since, "since", 0, "only events journaled within this duration")
	f.IntVar(&lc.tail, "tail", 20, "number of recent events to show (0 = all)")
	f.BoolVarP(&lc.follow, "follow", "f", false, "poll for new events every 1s")

	return cmd
}

// printLogs displays the events matching q oldest first and returns the
// newest event ID shown. quiet suppresses the empty-result message.
func printLogs(ctx context.Context, reader *eventlog.Reader, w io.Writer, q eventlog.QueryOpts, quiet bool) (int64, error) {
	events, err := reader.Query(ctx, q)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		if !quiet {
			fmt.Fprintln(w, "no events found")
		}
		return q.AfterID, nil
	}

	slices.Reverse(events)
	for i := range events {
		formatEvent(w, &events[i])
	}
	return events[len(events)-1].ID, nil
}

// followLogs polls for events newer than lastID until ctx is done.
func followLogs(ctx context.Context, reader *eventlog.Reader, w io.Writer, q eventlog.QueryOpts, lastID int64) error {
	q.Limit = 0
	q.Since = time.Time{}
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.AfterID = lastID
			id, err := printLogs(ctx, reader, w, q, true)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			lastID = id
		}
	}
}

// formatEvent writes a single event in a human-readable format.
func formatEvent(w io.Writer, evt *eventlog.Event) {
	// Format: timestamp | topic | task_id | worker_id | payload
	fmt.Fprintf(w, "%s | %-21s | %-15s | %-12s | %s\n",
		evt.CreatedAt.Format(time.RFC3339), evt.Topic, evt.TaskID, evt.WorkerID, evt.Payload)
}
