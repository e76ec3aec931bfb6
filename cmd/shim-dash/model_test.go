package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"shim/pkg/coordinator"
	"shim/pkg/eventlog"
	"shim/pkg/protocol"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testData() Data {
	soon := testNow.Add(90 * time.Second)
	past := testNow.Add(-time.Minute)
	return Data{
		Snapshot: &coordinator.Snapshot{
			TakenAt:  testNow,
			Strategy: coordinator.CapabilityBased,
			Workers: []protocol.Worker{
				{ID: "w1", Status: protocol.WorkerBusy, Health: protocol.HealthHealthy, Capacity: 2,
					ActiveTasks: []string{"build"}, CurrentTask: "build", Capabilities: []string{"go", "lint"},
					LastHeartbeat: testNow.Add(-4 * time.Second)},
				{ID: "w2", Status: protocol.WorkerIdle, Health: protocol.HealthCrashed, Capacity: 1,
					LastHeartbeat: testNow.Add(-2 * time.Minute)},
			},
			Tasks: []coordinator.TaskView{
				{
					Task:       protocol.Task{ID: "build", Type: "build", Status: protocol.TaskRunning, Priority: 3, Deadline: &soon},
					Assignment: &protocol.Assignment{TaskID: "build", WorkerID: "w1", Status: protocol.TaskRunning, Attempt: 2, LastError: "flaky"},
					Progress:   0.4,
				},
				{
					Task:       protocol.Task{ID: "train", Type: "train", Status: protocol.TaskQueued, Priority: 5, Deadline: &past},
					Assignment: &protocol.Assignment{TaskID: "train", Status: protocol.TaskQueued, Attempt: 1, Reason: coordinator.ReasonNoCapableWorker},
				},
			},
			QueueDepth: 1,
			Overdue:    []string{"train"},
		},
		Events: []eventlog.Event{
			{ID: 2, Topic: protocol.TopicTaskOverdue, TaskID: "train", CreatedAt: testNow},
			{ID: 1, Topic: protocol.TopicTaskAssigned, TaskID: "build", WorkerID: "w1", CreatedAt: testNow.Add(-time.Second)},
		},
	}
}

func loaded(t *testing.T) Model {
	t.Helper()
	m, _ := newModel(nil, time.Second).Update(dataMsg{data: testData()})
	return m.(Model)
}

func TestTaskRows(t *testing.T) {
	rows := taskRows(testData().Snapshot)
	if len(rows) != 2 {
		t.Fatalf("rows = %v", rows)
	}
	build := strings.Join(rows[0], "|")
	if want := "build|build|running|3|w1|2| 40%|in 1m30s|flaky"; build != want {
		t.Errorf("build row = %q, want %q", build, want)
	}
	train := rows[1]
	if train[4] != "-" || train[7] != "overdue" || train[8] != coordinator.ReasonNoCapableWorker {
		t.Errorf("train row = %v", train)
	}
	if taskRows(nil) != nil {
		t.Error("nil snapshot should give no rows")
	}
}

func TestWorkerRows(t *testing.T) {
	snap := testData().Snapshot
	rows := workerRows(snap.Workers, snap.TakenAt)
	if got := strings.Join(rows[0], "|"); got != "w1|busy|healthy|1/2|build|go,lint|4s ago" {
		t.Errorf("w1 row = %q", got)
	}
	if got := strings.Join(rows[1], "|"); got != "w2|idle|crashed|0/1|-||2m0s ago" {
		t.Errorf("w2 row = %q", got)
	}
}

func TestUpdate_DataFillsTablesAndHeader(t *testing.T) {
	m := loaded(t)
	if len(m.tasks.Rows()) != 2 || len(m.workers.Rows()) != 2 {
		t.Fatalf("rows: tasks=%d workers=%d", len(m.tasks.Rows()), len(m.workers.Rows()))
	}
	header := m.renderHeader()
	for _, want := range []string{"routing capability", "2 workers", "2 tasks", "1 in flight", "1 queued", "1 overdue"} {
		if !strings.Contains(header, want) {
			t.Errorf("header missing %q: %s", want, header)
		}
	}
}

func TestUpdate_FetchErrorKeepsLastData(t *testing.T) {
	m := loaded(t)
	next, _ := m.Update(dataMsg{err: errors.New("database is locked")})
	m = next.(Model)
	if len(m.tasks.Rows()) != 2 {
		t.Error("rows dropped on fetch error")
	}
	if !strings.Contains(m.View(), "refresh failed: database is locked") {
		t.Errorf("error not shown:\n%s", m.View())
	}
}

func TestUpdate_TabCyclesViews(t *testing.T) {
	m := loaded(t)
	steps := []struct {
		key  tea.KeyMsg
		want ViewType
	}{
		{tea.KeyMsg{Type: tea.KeyTab}, WorkersView},
		{tea.KeyMsg{Type: tea.KeyTab}, EventsView},
		{tea.KeyMsg{Type: tea.KeyTab}, TasksView},
		{tea.KeyMsg{Type: tea.KeyShiftTab}, EventsView},
	}
	for _, s := range steps {
		next, _ := m.Update(s.key)
		m = next.(Model)
		if m.activeView != s.want {
			t.Fatalf("after %s: view = %s, want %s", s.key, m.activeView, s.want)
		}
	}
	view := m.View()
	if !strings.Contains(view, "task-overdue") || !strings.Contains(view, "build @w1") {
		t.Errorf("events view:\n%s", view)
	}
	if strings.Index(view, "task-overdue") > strings.Index(view, "task-assigned") {
		t.Error("events not newest first")
	}
}

func TestUpdate_WorkersViewFocus(t *testing.T) {
	m := loaded(t)
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(Model)
	if m.tasks.Focused() || !m.workers.Focused() {
		t.Error("focus did not follow the view")
	}
	if !strings.Contains(m.View(), "w2") {
		t.Errorf("workers view:\n%s", m.View())
	}
}

func TestUpdate_QuitKey(t *testing.T) {
	_, cmd := loaded(t).Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
}

func TestUpdate_RefreshFetches(t *testing.T) {
	calls := 0
	fetch := func(context.Context) (Data, error) {
		calls++
		return testData(), nil
	}
	m := newModel(fetch, time.Second)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if cmd == nil {
		t.Fatal("expected a fetch command")
	}
	msg, ok := cmd().(dataMsg)
	if !ok || msg.err != nil || calls != 1 {
		t.Fatalf("msg = %#v, calls = %d", msg, calls)
	}
}

func TestView_EmptyStates(t *testing.T) {
	m := newModel(nil, 0)
	if m.interval != 2*time.Second {
		t.Errorf("default interval = %s", m.interval)
	}
	view := m.View()
	if !strings.Contains(view, "loading") || !strings.Contains(view, "No tasks") {
		t.Errorf("empty view:\n%s", view)
	}
}
