package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"shim/pkg/inbox"
	"shim/pkg/protocol"

	"github.com/spf13/cobra"
)

type submitOptions struct {
	id         string
	taskType   string
	priority   int
	deadline   string
	depends    []string
	requires   []string
	complexity string
	merge      string
	payload    string
	file       string
}

// newSubmitCmd creates the submit command.
func newSubmitCmd(opts *rootOptions) *cobra.Command {
	so := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task",
		Long: "Submits a task built from flags, or read from a JSON or YAML file with --file.\n" +
			"A task with --complexity is decomposed into subtasks; the parent completes\n" +
			"once every subtask has a result.",
		Example: "  shim submit --id build-1 --type build --requires go --deadline 10m\n" +
			"  shim submit --id index --type index --complexity high --merge concatenate\n" +
			"  shim submit --file task.yaml",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			task, err := so.task(time.Now())
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if task.Complexity != "" {
					subtasks, assignments, err := a.coord.SubmitDecomposed(ctx, task)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string]any{
						"task_id":     task.ID,
						"subtasks":    subtaskIDs(subtasks),
						"assignments": assignments,
					})
				}
				assignment, err := a.coord.SubmitTask(ctx, task)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), assignment)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&so.id, "id", "", "task ID (required unless --file)")
	f.StringVar(&so.taskType, "type", "", "task type (required unless --file)")
	f.IntVar(&so.priority, "priority", 0, "priority, 1 is highest (default from config)")
	f.StringVar(&so.deadline, "deadline", "", "deadline as RFC3339 or a duration from now")
	f.StringSliceVar(&so.depends, "depends", nil, "IDs of tasks that must complete first")
	f.StringSliceVar(&so.requires, "requires", nil, "required worker capabilities")
	f.StringVar(&so.complexity, "complexity", "", "decompose into subtasks: low, medium or high")
	f.StringVar(&so.merge, "merge", "", "merge strategy: concatenate, merge, first or last")
	f.StringVar(&so.payload, "payload", "", "task payload as JSON")
	f.StringVar(&so.file, "file", "", "read the task from a JSON or YAML file")
	return cmd
}

// task builds the task from --file or the flags.
func (so *submitOptions) task(now time.Time) (protocol.Task, error) {
	if so.file != "" {
		data, err := os.ReadFile(so.file)
		if err != nil {
			return protocol.Task{}, fmt.Errorf("read task file: %w", err)
		}
		return inbox.DecodeTask(filepath.Base(so.file), data)
	}

	task := protocol.Task{
		ID:            so.id,
		Type:          so.taskType,
		Priority:      so.priority,
		Dependencies:  so.depends,
		Requirements:  so.requires,
		Complexity:    protocol.Complexity(so.complexity),
		MergeStrategy: protocol.MergeStrategy(so.merge),
	}
	if so.deadline != "" {
		deadline, err := parseDeadline(so.deadline, now)
		if err != nil {
			return protocol.Task{}, err
		}
		task.Deadline = &deadline
	}
	if so.payload != "" {
		if !json.Valid([]byte(so.payload)) {
			return protocol.Task{}, errors.New("--payload is not valid JSON")
		}
		task.Payload = json.RawMessage(so.payload)
	}
	return task, nil
}

// parseDeadline accepts an RFC3339 timestamp or a duration relative to now.
func parseDeadline(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--deadline %q: want RFC3339 or a duration", s)
	}
	return now.Add(d), nil
}

func subtaskIDs(tasks []protocol.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
