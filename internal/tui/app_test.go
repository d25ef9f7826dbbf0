package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fentz26/attest/internal/models"
)

type request struct {
	method, path string
	body         map[string]interface{}
}

// fakeAPI answers task commands by echoing a task and records requests.
type fakeAPI struct {
	mu       sync.Mutex
	requests []request
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.requests = append(f.requests, request{r.Method, r.URL.Path, body})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/tasks" && r.Method == http.MethodGet:
		json.NewEncoder(w).Encode(testTasks())
	case r.URL.Path == "/tasks" && r.Method == http.MethodPost:
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(models.Task{ID: "new-task-id", Content: body["content"].(string), Status: models.TaskStatusPending})
	case strings.HasSuffix(r.URL.Path, "/approve"):
		http.Error(w, "invalid transition", http.StatusConflict)
	case strings.HasPrefix(r.URL.Path, "/session/"):
		json.NewEncoder(w).Encode(map[string]string{"state": "paused"})
	default:
		json.NewEncoder(w).Encode(models.Task{ID: "task-aaaaaaaa", Status: models.TaskStatusInProgress})
	}
}

func (f *fakeAPI) last() request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func testTasks() []models.Task {
	return []models.Task{
		{ID: "task-aaaaaaaa", Content: "Build the parser", Status: models.TaskStatusNeedsHuman},
		{ID: "task-bbbbbbbb", Content: "Parse headers", ParentID: "task-aaaaaaaa", Status: models.TaskStatusPending},
	}
}

func newTestApp(t *testing.T) (*App, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a := New(srv.URL)
	a.Update(tasksLoadedMsg{testTasks()})
	return a, api
}

func TestExecuteCommandSendsBody(t *testing.T) {
	tests := []struct {
		input    string
		path     string
		field    string
		value    string
		wantText string
	}{
		{"reject add error handling", "/tasks/task-aaaaaaaa/reject", "feedback", "add error handling", "reject"},
		{"/escalate unclear", "/tasks/task-aaaaaaaa/escalate", "reason", "unclear", "escalate"},
		{"edit Build the lexer", "/tasks/task-aaaaaaaa/edit", "content", "Build the lexer", "edit"},
		{"sub Parse body", "/tasks", "parent_id", "task-aaaaaaaa", "Created task new-task"},
		{"pause lunch", "/session/pause", "reason", "lunch", "Session paused"},
		{"begin next day", "/session/start", "reason", "next day", "Session"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			a, api := newTestApp(t)
			msg := a.executeCommand(tt.input)()
			res, ok := msg.(commandResultMsg)
			if !ok {
				t.Fatalf("Expected commandResultMsg, got %T %v", msg, msg)
			}
			if !strings.Contains(res.message, tt.wantText) {
				t.Errorf("Unexpected message %q", res.message)
			}
			req := api.last()
			if req.path != tt.path || req.method != http.MethodPost {
				t.Errorf("Expected POST %s, got %s %s", tt.path, req.method, req.path)
			}
			if got := req.body[tt.field]; got != tt.value {
				t.Errorf("Expected %s=%q, got %v", tt.field, tt.value, got)
			}
		})
	}
}

func TestExecuteCommandValidation(t *testing.T) {
	a, api := newTestApp(t)
	for _, input := range []string{"reject", "escalate", "launch now", "add"} {
		msg := a.executeCommand(input)()
		res, ok := msg.(commandResultMsg)
		if !ok || res.message == "" {
			t.Errorf("%q: expected usage message, got %T %v", input, msg, msg)
		}
	}
	if len(api.requests) != 0 {
		t.Errorf("Invalid commands should not reach the API, got %d requests", len(api.requests))
	}
}

func TestExecuteCommandAPIError(t *testing.T) {
	a, _ := newTestApp(t)
	msg := a.executeCommand("approve looks good")()
	e, ok := msg.(errMsg)
	if !ok || !strings.Contains(e.err.Error(), "409") {
		t.Fatalf("Expected 409 error, got %T %v", msg, msg)
	}
	a.Update(e)
	if !strings.HasPrefix(a.message, "Error") {
		t.Errorf("Expected error message, got %q", a.message)
	}
}

func TestNavigationAndDetail(t *testing.T) {
	a, _ := newTestApp(t)
	a.Update(tea.KeyMsg{Type: tea.KeyDown})
	if a.selected().ID != "task-bbbbbbbb" {
		t.Fatalf("Expected second task selected, got %s", a.selected().ID)
	}
	a.Update(tea.KeyMsg{Type: tea.KeyDown})
	if a.selectedIdx != 1 {
		t.Errorf("Selection should stop at the last task, got %d", a.selectedIdx)
	}

	_, cmd := a.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if a.mode != modeDetail || cmd == nil {
		t.Fatalf("Expected detail mode with a fetch, got mode %d", a.mode)
	}
	a.Update(detailLoadedMsg{task: testTasks()[1]})
	if !strings.Contains(a.View(), "Parse headers") {
		t.Error("Detail view should show the task content")
	}

	a.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if a.mode != modeList || a.current != nil {
		t.Errorf("Esc should return to the list")
	}
}

func TestTaskSuggestionsOpenDetail(t *testing.T) {
	a, _ := newTestApp(t)
	a.input.SetValue("@head")
	a.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("e")})
	if !a.suggestions.IsVisible() {
		t.Fatal("Expected task suggestions")
	}
	if sel := a.suggestions.Selected(); sel == nil || sel.Text != "task-bbbbbbbb" {
		t.Fatalf("Expected suggestion for the matching task, got %+v", sel)
	}
	a.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if a.mode != modeDetail {
		t.Errorf("Accepting a task suggestion should open it")
	}
}

func TestRenderDetail(t *testing.T) {
	at := time.Now().Add(-time.Minute)
	task := models.Task{
		ID:            "task-1",
		Content:       "Add validation",
		Status:        models.TaskStatusNeedsHuman,
		AuditAttempts: 3,
		Escalation:    &models.Escalation{Trigger: models.TriggerAuditCapExceeded, Reason: "audit cap reached", At: at},
		Feedback:      "cover the empty input case",
		Claim: &models.Claim{
			Explanation: "validation added",
			Attempt:     3,
			Evidence:    []models.Evidence{{Kind: models.EvidenceTestResult, Label: "go test", Content: "ok"}},
		},
		Verdicts: []models.VerdictRecord{{
			Attempt: 3,
			Source:  models.ActorAuditor,
			Verdict: models.Verdict{
				Decision:        models.DecisionChangesRequested,
				Confidence:      0.4,
				Reasons:         []models.Reason{{Reason: "no test for empty input"}},
				RequiredActions: []string{"add a test"},
			},
		}},
	}
	events := []models.AuditEvent{
		{ID: 2, Timestamp: at, Actor: models.ActorWorker, Action: models.ActionTaskClaim},
		{ID: 1, Timestamp: at, Actor: models.ActorHuman, Action: models.ActionTaskCreate},
	}
	out := renderDetail(task, events, 80)
	for _, want := range []string{"Add validation", "audit_cap_exceeded", "cover the empty input case",
		"validation added", "changes_requested", "add a test", "task.create", "minute ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("Detail missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "task.create") > strings.Index(out, "task.claim") {
		t.Error("Audit trail should be in event order")
	}
}

func TestRenderTaskListIndentsSubtasks(t *testing.T) {
	out := renderTaskList(testTasks(), 0, 100, 10, false)
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[1], "    ") || !strings.Contains(lines[1], "Parse headers") {
		t.Errorf("Subtask should be indented: %q", lines[1])
	}
}

func TestWindowKeepsSelectionVisible(t *testing.T) {
	lines := make([]string, 20)
	for i := range lines {
		lines[i] = string(rune('a' + i))
	}
	got := window(lines, 15, 5)
	if len(got) != 5 || got[0] != "n" {
		t.Errorf("Unexpected window %v", got)
	}
}
