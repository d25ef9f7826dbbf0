// Package tui provides the interactive terminal dashboard for attest.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/fentz26/attest/internal/controlplane"
	"github.com/fentz26/attest/internal/models"
)

const refreshInterval = 2 * time.Second

type mode int

const (
	modeList mode = iota
	modeDetail
	modeEscalations
)

var filters = []models.TaskStatus{"", models.TaskStatusPending, models.TaskStatusInProgress, models.TaskStatusClaimed,
	models.TaskStatusAuditing, models.TaskStatusApproved, models.TaskStatusNeedsHuman, models.TaskStatusVerified, models.TaskStatusFailed}

// App is the main TUI application model.
type App struct {
	client       *Client
	tasks        []models.Task
	selectedIdx  int
	escalations  []models.Task
	escIdx       int
	current      *models.Task
	events       []models.AuditEvent
	input        textinput.Model
	viewport     viewport.Model
	width        int
	height       int
	mode         mode
	filterIdx    int
	message      string
	loading      bool
	session      controlplane.SessionStatus
	daemonOnline bool
	suggestions  *Suggestions
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type / for commands, @ to jump to a task"
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 80

	return &App{
		client:      NewClient(apiAddr),
		input:       ti,
		viewport:    viewport.New(80, 20),
		width:       80,
		height:      24,
		suggestions: NewSuggestions(),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.fetchTasks(),
		a.fetchSession(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if a.input.Value() != "" {
				a.input.SetValue("")
				a.suggestions.Update("")
				return a, nil
			}
			if a.mode != modeList {
				a.mode = modeList
				a.current = nil
				return a, a.fetchTasks()
			}

		case "up":
			a.move(-1)
			return a, nil

		case "down":
			a.move(1)
			return a, nil

		case "tab":
			if a.suggestions.IsVisible() {
				return a, a.acceptSuggestion()
			}
			if a.mode == modeList {
				a.filterIdx = (a.filterIdx + 1) % len(filters)
				a.selectedIdx = 0
				return a, a.fetchTasks()
			}

		case "enter":
			if a.suggestions.IsVisible() {
				return a, a.acceptSuggestion()
			}
			if cmd := strings.TrimSpace(a.input.Value()); cmd != "" {
				a.input.SetValue("")
				a.suggestions.Update("")
				return a, a.executeCommand(cmd)
			}
			if t := a.selected(); t != nil && a.mode != modeDetail {
				return a, a.openDetail(t.ID)
			}
			return a, nil

		case "ctrl+e":
			if a.mode == modeEscalations {
				a.mode = modeList
				return a, a.fetchTasks()
			}
			a.mode = modeEscalations
			return a, a.fetchEscalations()

		case "ctrl+r":
			return a, a.refresh()
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6
		a.viewport.Width = msg.Width
		a.viewport.Height = max(msg.Height-10, 5)
		a.syncDetail()

	case tasksLoadedMsg:
		a.loading = false
		a.tasks = msg.tasks
		if a.selectedIdx >= len(a.tasks) {
			a.selectedIdx = max(0, len(a.tasks)-1)
		}

	case escalationsLoadedMsg:
		a.escalations = msg.tasks
		if a.escIdx >= len(a.escalations) {
			a.escIdx = max(0, len(a.escalations)-1)
		}

	case detailLoadedMsg:
		fresh := a.current == nil || a.current.ID != msg.task.ID
		a.current = &msg.task
		a.events = msg.events
		a.syncDetail()
		if fresh {
			a.viewport.GotoTop()
		}

	case sessionMsg:
		a.daemonOnline = msg.online
		if msg.online {
			a.session = msg.status
		}

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tickCmd())

	case commandResultMsg:
		a.message = msg.message
		if msg.deleted && a.mode == modeDetail {
			a.mode = modeList
			a.current = nil
		}
		return a, a.refresh()

	case errMsg:
		a.loading = false
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.suggestions.Update(a.input.Value())
	if strings.HasPrefix(a.input.Value(), "@") {
		a.suggestions.SetTasks(a.tasks)
	}

	return a, tea.Batch(cmds...)
}

// move shifts the selection in the active view.
func (a *App) move(delta int) {
	if a.suggestions.IsVisible() {
		if delta < 0 {
			a.suggestions.Prev()
		} else {
			a.suggestions.Next()
		}
		return
	}
	switch a.mode {
	case modeList:
		a.selectedIdx = clampIndex(a.selectedIdx+delta, len(a.tasks))
	case modeEscalations:
		a.escIdx = clampIndex(a.escIdx+delta, len(a.escalations))
	case modeDetail:
		if delta < 0 {
			a.viewport.LineUp(1)
		} else {
			a.viewport.LineDown(1)
		}
	}
}

func clampIndex(i, n int) int {
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

// selected returns the task the next command applies to.
func (a *App) selected() *models.Task {
	switch a.mode {
	case modeDetail:
		return a.current
	case modeEscalations:
		if a.escIdx < len(a.escalations) {
			return &a.escalations[a.escIdx]
		}
	default:
		if a.selectedIdx < len(a.tasks) {
			return &a.tasks[a.selectedIdx]
		}
	}
	return nil
}

func (a *App) acceptSuggestion() tea.Cmd {
	sel := a.suggestions.Selected()
	if sel == nil {
		return nil
	}
	if sel.Type == "task" {
		a.input.SetValue("")
		a.suggestions.Update("")
		return a.openDetail(sel.Text)
	}
	a.input.SetValue(sel.Text + " ")
	a.input.CursorEnd()
	a.suggestions.Update("")
	return nil
}

func (a *App) syncDetail() {
	if a.current == nil {
		return
	}
	a.viewport.SetContent(renderDetail(*a.current, a.events, a.width))
}

func (a *App) refresh() tea.Cmd {
	cmds := []tea.Cmd{a.fetchTasks(), a.fetchSession()}
	switch a.mode {
	case modeEscalations:
		cmds = append(cmds, a.fetchEscalations())
	case modeDetail:
		if a.current != nil {
			cmds = append(cmds, a.fetchDetail(a.current.ID))
		}
	}
	return tea.Batch(cmds...)
}

func (a *App) openDetail(id string) tea.Cmd {
	a.mode = modeDetail
	return a.fetchDetail(id)
}

func (a *App) fetchTasks() tea.Cmd {
	a.loading = true
	status := string(filters[a.filterIdx])
	return func() tea.Msg {
		tasks, err := a.client.ListTasks(status)
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

func (a *App) fetchEscalations() tea.Cmd {
	return func() tea.Msg {
		tasks, err := a.client.Escalations()
		if err != nil {
			return errMsg{err}
		}
		return escalationsLoadedMsg{tasks}
	}
}

func (a *App) fetchDetail(id string) tea.Cmd {
	return func() tea.Msg {
		task, err := a.client.GetTask(id)
		if err != nil {
			return errMsg{err}
		}
		events, _ := a.client.AuditTrail(id)
		return detailLoadedMsg{task, events}
	}
}

func (a *App) fetchSession() tea.Cmd {
	return func() tea.Msg {
		st, err := a.client.Session()
		return sessionMsg{status: st, online: err == nil}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// executeCommand runs one typed command against the selected task.
func (a *App) executeCommand(input string) tea.Cmd {
	verb, rest, _ := strings.Cut(strings.TrimPrefix(input, "/"), " ")
	rest = strings.TrimSpace(rest)

	var target string
	if t := a.selected(); t != nil {
		target = t.ID
	}

	return func() tea.Msg {
		switch verb {
		case "q", "quit", "exit":
			return tea.Quit()

		case "add", "sub":
			if rest == "" {
				return commandResultMsg{message: "Usage: " + verb + " <content>"}
			}
			parent := ""
			if verb == "sub" {
				if target == "" {
					return commandResultMsg{message: "No task selected"}
				}
				parent = target
			}
			t, err := a.client.CreateTask(rest, parent)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{message: "Created task " + shortID(t.ID)}

		case "pause", "resume", "stop", "begin":
			action := verb
			if verb == "begin" {
				action = "start"
			}
			st, err := a.client.SessionCommand(action, rest)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{message: "Session " + string(st.State)}
		}

		body, problem := commandBody(verb, rest)
		if problem != "" {
			return commandResultMsg{message: problem}
		}
		if target == "" {
			return commandResultMsg{message: "No task selected"}
		}
		t, err := a.client.TaskCommand(target, verb, body)
		if err != nil {
			return errMsg{err}
		}
		if verb == "delete" {
			return commandResultMsg{message: "Deleted " + shortID(target), deleted: true}
		}
		return commandResultMsg{message: fmt.Sprintf("%s %s: %s", verb, shortID(t.ID), t.Status)}
	}
}

// commandBody builds the request body for a task command, or explains why
// the command cannot be sent.
func commandBody(verb, rest string) (map[string]interface{}, string) {
	required := func(field string) (map[string]interface{}, string) {
		if rest == "" {
			return nil, fmt.Sprintf("Usage: %s <%s>", verb, field)
		}
		return map[string]interface{}{field: rest}, ""
	}
	switch verb {
	case "start", "delete", "verify":
		return nil, ""
	case "approve":
		return map[string]interface{}{"note": rest}, ""
	case "reject":
		return required("feedback")
	case "escalate", "abandon":
		return required("reason")
	case "edit":
		return required("content")
	default:
		return nil, fmt.Sprintf("Unknown: %s (type / for commands)", verb)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}

type commandResultMsg struct {
	message string
	deleted bool
}

type errMsg struct {
	err error
}

type tasksLoadedMsg struct {
	tasks []models.Task
}

type escalationsLoadedMsg struct {
	tasks []models.Task
}

type detailLoadedMsg struct {
	task   models.Task
	events []models.AuditEvent
}

type sessionMsg struct {
	status controlplane.SessionStatus
	online bool
}

type tickMsg time.Time
