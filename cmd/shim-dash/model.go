package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ViewType represents different views in the dashboard.
type ViewType int

const (
	// TasksView shows every task with its assignment.
	TasksView ViewType = iota
	// WorkersView shows the worker registry.
	WorkersView
	// EventsView shows the recent event journal.
	EventsView

	viewCount
)

func (v ViewType) String() string {
	switch v {
	case WorkersView:
		return "Workers"
	case EventsView:
		return "Events"
	default:
		return "Tasks"
	}
}

// chromeHeight is the number of lines around the active view: header,
// tabs, blank line, status line and help.
const chromeHeight = 6

// tickMsg is sent on every refresh interval.
type tickMsg time.Time

// dataMsg carries one fetch result.
type dataMsg struct {
	data Data
	err  error
}

// Model is the Bubble Tea model for the shim dashboard.
type Model struct {
	fetch    fetchFunc
	interval time.Duration

	activeView ViewType
	data       Data
	err        error
	fetchedAt  time.Time

	tasks   table.Model
	workers table.Model

	keys   keyMap
	help   help.Model
	styles Styles

	width  int
	height int
}

// newModel creates a Model showing TasksView.
func newModel(fetch fetchFunc, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	styles := NewStyles(DefaultTheme())
	return Model{
		fetch:    fetch,
		interval: interval,
		tasks: table.New(
			table.WithColumns(taskColumns()),
			table.WithFocused(true),
			table.WithHeight(10),
			table.WithStyles(styles.Table),
		),
		workers: table.New(
			table.WithColumns(workerColumns()),
			table.WithHeight(10),
			table.WithStyles(styles.Table),
		),
		keys:   defaultKeyMap(),
		help:   help.New(),
		styles: styles,
	}
}

func (m Model) fetchCmd() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		data, err := fetch(ctx)
		return dataMsg{data: data, err: err}
	}
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), m.tickCmd())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		h := max(msg.Height-chromeHeight, 3)
		m.tasks.SetHeight(h)
		m.workers.SetHeight(h)
		m.help.Width = msg.Width

	case dataMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.data = msg.data
		m.fetchedAt = time.Now()
		if snap := msg.data.Snapshot; snap != nil {
			m.tasks.SetRows(taskRows(snap))
			m.workers.SetRows(workerRows(snap.Workers, snap.TakenAt))
		}

	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), m.tickCmd())
	}
	return m, nil
}

// handleKeyPress processes keyboard input and returns the updated model.
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.NextView):
		return m.setView((m.activeView + 1) % viewCount), nil
	case key.Matches(msg, m.keys.PrevView):
		return m.setView((m.activeView + viewCount - 1) % viewCount), nil
	case key.Matches(msg, m.keys.Refresh):
		return m, m.fetchCmd()
	}

	var cmd tea.Cmd
	switch m.activeView {
	case TasksView:
		m.tasks, cmd = m.tasks.Update(msg)
	case WorkersView:
		m.workers, cmd = m.workers.Update(msg)
	}
	return m, cmd
}

// setView switches views and moves table focus with it.
func (m Model) setView(v ViewType) Model {
	m.activeView = v
	m.tasks.Blur()
	m.workers.Blur()
	switch v {
	case TasksView:
		m.tasks.Focus()
	case WorkersView:
		m.workers.Focus()
	}
	return m
}

// View implements tea.Model.
func (m Model) View() string {
	var body string
	switch m.activeView {
	case WorkersView:
		body = m.renderWorkers()
	case EventsView:
		body = m.renderEvents()
	default:
		body = m.renderTasks()
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderTabs(),
		m.styles.Body.Render(body),
		m.renderStatusBar(),
		m.help.View(m.keys),
	)
}

func (m Model) renderHeader() string {
	title := m.styles.Title.Render("shim")
	snap := m.data.Snapshot
	if snap == nil {
		return title + " " + m.styles.Muted.Render("loading…")
	}
	inFlight := 0
	for _, w := range snap.Workers {
		inFlight += w.Load()
	}
	parts := []string{
		fmt.Sprintf("routing %s", snap.Strategy),
		fmt.Sprintf("%d workers", len(snap.Workers)),
		fmt.Sprintf("%d tasks", len(snap.Tasks)),
		fmt.Sprintf("%d in flight", inFlight),
	}
	queued := fmt.Sprintf("%d queued", snap.QueueDepth)
	if snap.QueueDepth > 0 {
		queued = m.styles.Warning.Render(queued)
	}
	parts = append(parts, queued)
	if n := len(snap.Overdue); n > 0 {
		parts = append(parts, m.styles.Error.Render(fmt.Sprintf("%d overdue", n)))
	}
	return title + "  " + strings.Join(parts, m.styles.Muted.Render(" · "))
}

func (m Model) renderTabs() string {
	tabs := make([]string, 0, viewCount)
	for v := range viewCount {
		style := m.styles.Tab
		if v == m.activeView {
			style = m.styles.ActiveTab
		}
		tabs = append(tabs, style.Render(v.String()))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (m Model) renderTasks() string {
	if len(m.tasks.Rows()) == 0 {
		return m.styles.Muted.Render("No tasks")
	}
	return m.tasks.View()
}

func (m Model) renderWorkers() string {
	if len(m.workers.Rows()) == 0 {
		return m.styles.Muted.Render("No registered workers")
	}
	return m.workers.View()
}

// renderEvents lists journaled events newest first, as many as fit.
func (m Model) renderEvents() string {
	if len(m.data.Events) == 0 {
		return m.styles.Muted.Render("No events")
	}
	limit := len(m.data.Events)
	if m.height > 0 {
		limit = min(limit, max(m.height-chromeHeight, 1))
	}
	lines := make([]string, 0, limit)
	for _, e := range m.data.Events[:limit] {
		subject := e.TaskID
		if e.WorkerID != "" {
			subject = strings.TrimSpace(subject + " @" + e.WorkerID)
		}
		line := fmt.Sprintf("%s  %-21s %s",
			e.CreatedAt.Local().Format(time.TimeOnly), e.Topic, subject)
		lines = append(lines, m.styles.topicStyle(e.Topic).Render(line))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderStatusBar() string {
	if m.err != nil {
		return m.styles.Error.Render("refresh failed: " + m.err.Error())
	}
	if m.fetchedAt.IsZero() {
		return ""
	}
	return m.styles.Muted.Render("updated " + m.fetchedAt.Format(time.TimeOnly))
}
