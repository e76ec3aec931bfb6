package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shim/pkg/config"
	"shim/pkg/coordinator"
	"shim/pkg/lock"
	"shim/pkg/protocol"
)

// executeCommand runs the root command with the given args and returns stdout, stderr, and error.
func executeCommand(args ...string) (stdout string, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&outBuf)
	cmd.SetErr(&errBuf)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

// setupHome points SHIM_HOME at a fresh directory and clears the other
// overrides.
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv(config.EnvHome, home)
	for _, k := range []string{config.EnvDBPath, config.EnvInbox, config.EnvRouting, config.EnvMaxRetries} {
		t.Setenv(k, "")
	}
	return home
}

// run executes a command that must succeed.
func run(t *testing.T, args ...string) string {
	t.Helper()
	out, stderr, err := executeCommand(args...)
	if err != nil {
		t.Fatalf("shim %s: %v\nstderr: %s", strings.Join(args, " "), err, stderr)
	}
	return out
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	return v
}

func snapshot(t *testing.T) coordinator.Snapshot {
	t.Helper()
	return decode[coordinator.Snapshot](t, run(t, "status", "--json"))
}

func taskStatus(t *testing.T, snap coordinator.Snapshot, id string) protocol.TaskStatus {
	t.Helper()
	for _, v := range snap.Tasks {
		if v.Task.ID == id {
			return v.Task.Status
		}
	}
	t.Fatalf("task %s not in snapshot", id)
	return ""
}

func TestCLICommands(t *testing.T) {
	t.Run("root --help shows usage", func(t *testing.T) {
		out, _, err := executeCommand("--help")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, want := range []string{"shim", "serve", "submit", "result", "worker", "lock", "logs"} {
			if !strings.Contains(out, want) {
				t.Errorf("root help missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("root --version prints version", func(t *testing.T) {
		out, _, err := executeCommand("--version")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.HasPrefix(out, "shim ") {
			t.Errorf("expected version output to start with 'shim ', got: %s", out)
		}
	})

	t.Run("submit --help shows flags", func(t *testing.T) {
		out, _, err := executeCommand("submit", "--help")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, want := range []string{"--id", "--type", "--deadline", "--complexity", "--file"} {
			if !strings.Contains(out, want) {
				t.Errorf("submit help missing %q", want)
			}
		}
	})

	t.Run("unknown command errors", func(t *testing.T) {
		if _, _, err := executeCommand("nonexistent"); err == nil {
			t.Error("expected error for unknown command")
		}
	})
}

func TestSubmitAssignsAndResultCompletes(t *testing.T) {
	setupHome(t)

	run(t, "worker", "register", "w1", "--capabilities", "go", "--capacity", "2")
	a := decode[protocol.Assignment](t, run(t, "submit", "--id", "t1", "--type", "build", "--requires", "go"))
	if a.WorkerID != "w1" || a.Status != protocol.TaskPending || a.Attempt != 1 {
		t.Fatalf("assignment = %+v", a)
	}

	run(t, "start", "t1")
	if out := run(t, "progress", "t1", "0.5"); !strings.Contains(out, "t1 50%") {
		t.Errorf("progress output = %q", out)
	}

	if out := run(t, "result", "t1", `{"ok":true}`); !strings.Contains(out, "completed t1") {
		t.Errorf("result output = %q", out)
	}
	snap := snapshot(t)
	if got := taskStatus(t, snap, "t1"); got != protocol.TaskCompleted {
		t.Errorf("t1 status = %s, want completed", got)
	}
	if snap.Workers[0].Load() != 0 {
		t.Errorf("worker still loaded: %+v", snap.Workers[0])
	}
}

func TestSubmit_QueuedWithoutCapableWorker(t *testing.T) {
	setupHome(t)

	a := decode[protocol.Assignment](t, run(t, "submit", "--id", "gpu-job", "--type", "train", "--requires", "gpu"))
	if a.Status != protocol.TaskQueued || a.Reason != coordinator.ReasonNoCapableWorker {
		t.Fatalf("assignment = %+v", a)
	}

	run(t, "worker", "register", "g1", "--capabilities", "gpu")
	snap := snapshot(t)
	if got := taskStatus(t, snap, "gpu-job"); got != protocol.TaskPending {
		t.Errorf("status after register = %s, want pending", got)
	}
	if snap.QueueDepth != 0 {
		t.Errorf("queue depth = %d", snap.QueueDepth)
	}
}

func TestSubmit_ValidationErrors(t *testing.T) {
	setupHome(t)

	_, _, err := executeCommand("submit", "--type", "build")
	var ve *protocol.ValidationError
	if !errors.As(err, &ve) || ve.Field != "id" {
		t.Errorf("missing id: err = %v", err)
	}

	if _, _, err := executeCommand("submit", "--id", "x", "--type", "build", "--payload", "{nope"); err == nil {
		t.Error("expected error for invalid payload")
	}
	if _, _, err := executeCommand("submit", "--id", "x", "--type", "build", "--deadline", "tomorrow"); err == nil {
		t.Error("expected error for invalid deadline")
	}

	run(t, "submit", "--id", "a", "--type", "build")
	if _, _, err := executeCommand("submit", "--id", "b", "--type", "build", "--depends", "b"); err == nil {
		t.Error("expected self-dependency to be rejected")
	}
}

func TestSubmit_FromYAMLFile(t *testing.T) {
	home := setupHome(t)
	run(t, "worker", "register", "w1")

	path := filepath.Join(home, "job.yaml")
	doc := "id: from-file\ntype: lint\npriority: 2\npayload:\n  target: ./...\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	a := decode[protocol.Assignment](t, run(t, "submit", "--file", path))
	if a.TaskID != "from-file" || a.WorkerID != "w1" {
		t.Fatalf("assignment = %+v", a)
	}
	for _, v := range snapshot(t).Tasks {
		if v.Task.ID == "from-file" && (v.Task.Priority != 2 || !strings.Contains(string(v.Task.Payload), "./...")) {
			t.Errorf("task = %+v", v.Task)
		}
	}
}

func TestDecomposedSubmitAndAggregate(t *testing.T) {
	setupHome(t)
	run(t, "worker", "register", "w1", "--capacity", "4")

	out := decode[struct {
		TaskID   string   `json:"task_id"`
		Subtasks []string `json:"subtasks"`
	}](t, run(t, "submit", "--id", "idx", "--type", "index", "--complexity", "low", "--merge", "concatenate"))
	want := []string{coordinator.SubtaskID("idx", 1), coordinator.SubtaskID("idx", 2)}
	if strings.Join(out.Subtasks, ",") != strings.Join(want, ",") {
		t.Fatalf("subtasks = %v, want %v", out.Subtasks, want)
	}

	run(t, "result", want[0], `{"items":[1,2]}`)
	partial := decode[coordinator.AggregateResult](t, run(t, "aggregate", "idx"))
	if partial.Completed != 1 || partial.Total != 2 || partial.AllCompleted {
		t.Fatalf("partial = %+v", partial)
	}

	run(t, "result", want[1], `{"items":[3]}`)
	final := decode[struct {
		coordinator.AggregateResult
		Progress float64 `json:"progress"`
	}](t, run(t, "aggregate", "idx"))
	if !final.AllCompleted || final.Progress != 1 {
		t.Fatalf("final = %+v", final)
	}
	merged, _ := json.Marshal(final.Merged)
	if string(merged) != `{"items":[1,2,3]}` {
		t.Errorf("merged = %s", merged)
	}
	if got := taskStatus(t, snapshot(t), "idx"); got != protocol.TaskCompleted {
		t.Errorf("parent status = %s", got)
	}
}

func TestFail_TerminalWithoutRetries(t *testing.T) {
	setupHome(t)
	t.Setenv(config.EnvMaxRetries, "1")
	run(t, "worker", "register", "w1")
	run(t, "submit", "--id", "t1", "--type", "build")

	a := decode[protocol.Assignment](t, run(t, "fail", "t1", "--reason", "compiler crashed"))
	if a.Status != protocol.TaskFailed || a.LastError != "compiler crashed" {
		t.Fatalf("assignment = %+v", a)
	}
	if got := taskStatus(t, snapshot(t), "t1"); got != protocol.TaskFailed {
		t.Errorf("task status = %s", got)
	}
}

func TestWorkerCrashAndList(t *testing.T) {
	setupHome(t)
	t.Setenv(config.EnvMaxRetries, "1")
	run(t, "worker", "register", "w1")
	run(t, "submit", "--id", "t1", "--type", "build")

	if out := run(t, "worker", "crash", "w1", "--reason", "oom"); !strings.Contains(out, "failed 1 task(s) of w1") {
		t.Errorf("crash output = %q", out)
	}

	out := run(t, "worker", "list")
	if !strings.Contains(out, "w1") || !strings.Contains(out, "0/1") {
		t.Errorf("list output = %q", out)
	}
	run(t, "worker", "heartbeat", "w1")
	run(t, "worker", "unregister", "w1")
	if out := run(t, "worker", "list"); !strings.Contains(out, "no workers registered") {
		t.Errorf("list after unregister = %q", out)
	}
}

func TestLockLifecycle(t *testing.T) {
	setupHome(t)

	token := strings.TrimSpace(run(t, "lock", "acquire", "deploy", "--ttl", "1m"))
	if token == "" {
		t.Fatal("empty token")
	}
	row := decode[protocol.LockRow](t, run(t, "lock", "show", "deploy"))
	if row.OwnerToken != token {
		t.Errorf("owner = %s, want %s", row.OwnerToken, token)
	}

	_, _, err := executeCommand("lock", "acquire", "deploy")
	if !errors.Is(err, lock.ErrNotAcquired) {
		t.Errorf("second acquire: err = %v, want ErrNotAcquired", err)
	}
	_, _, err = executeCommand("lock", "run", "deploy", "--", "true")
	if !errors.Is(err, lock.ErrNotAcquired) {
		t.Errorf("run while held: err = %v, want ErrNotAcquired", err)
	}

	run(t, "lock", "extend", "deploy", token, "--ttl", "2m")
	if _, _, err := executeCommand("lock", "release", "deploy", "not-the-token"); !errors.Is(err, errLockNotHeld) {
		t.Errorf("release with wrong token: err = %v", err)
	}
	run(t, "lock", "release", "deploy", token)
	if out := run(t, "lock", "show", "deploy"); !strings.Contains(out, "deploy is free") {
		t.Errorf("show after release = %q", out)
	}
}

func TestLogsShowsJournaledEvents(t *testing.T) {
	setupHome(t)
	run(t, "worker", "register", "w1")
	run(t, "submit", "--id", "t1", "--type", "build")
	run(t, "result", "t1")

	out := run(t, "logs", "--topic", string(protocol.TopicTaskAssigned))
	if !strings.Contains(out, "task-assigned") || !strings.Contains(out, "t1") || !strings.Contains(out, "w1") {
		t.Errorf("logs output = %q", out)
	}
	if strings.Contains(out, "task-completed") {
		t.Errorf("topic filter ignored: %q", out)
	}

	all := run(t, "logs", "--task", "t1")
	if strings.Index(all, "task-assigned") > strings.Index(all, "task-completed") {
		t.Errorf("events not oldest first: %q", all)
	}
	if out := run(t, "logs", "--worker", "nobody"); !strings.Contains(out, "no events found") {
		t.Errorf("empty logs output = %q", out)
	}
}

func TestStatusRawNamespace(t *testing.T) {
	setupHome(t)
	run(t, "submit", "--id", "t1", "--type", "build")

	rows := decode[[]protocol.EntryRow](t, run(t, "status", "--raw", protocol.NamespaceTasks))
	if len(rows) != 1 || rows[0].Key != "t1" || rows[0].Version < 1 || !strings.Contains(rows[0].Value, `"queued"`) {
		t.Fatalf("rows = %+v", rows)
	}

	out := run(t, "status")
	for _, want := range []string{"routing: capability", "queued: 1", "t1", coordinator.ReasonNoCapableWorker} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigCmd(t *testing.T) {
	home := setupHome(t)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("routing: least-loaded\nmax_retries: 5\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	out := run(t, "config")
	for _, want := range []string{"routing: least-loaded", "max_retries: 5", "retry_backoff: 1s", filepath.Join(home, "config.yaml")} {
		if !strings.Contains(out, want) {
			t.Errorf("config output missing %q:\n%s", want, out)
		}
	}

	snap := snapshot(t)
	if snap.Strategy != coordinator.LeastLoaded {
		t.Errorf("strategy = %s", snap.Strategy)
	}
}

func TestParseDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseDeadline("90s", now)
	if err != nil || !got.Equal(now.Add(90*time.Second)) {
		t.Errorf("duration: %v, %v", got, err)
	}
	got, err = parseDeadline("2026-03-02T08:00:00Z", now)
	if err != nil || !got.Equal(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("rfc3339: %v, %v", got, err)
	}
	if _, err := parseDeadline("soon", now); err == nil {
		t.Error("expected error")
	}
}
