package controlplane

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fentz26/attest/internal/models"
	"github.com/fentz26/attest/internal/registry"
	"github.com/fentz26/attest/internal/safeguard"
	"github.com/fentz26/attest/internal/store"
)

func TestHealthEndpoint_OK(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Session != SessionRunning {
		t.Errorf("Expected running session, got %s", health.Session)
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	if w.Result().StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Result().StatusCode)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	s, st := newTestServer(t)

	// Close the store to simulate DB error
	st.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.OK || health.DB == "ok" {
		t.Errorf("Expected DB error in health, got %+v", health)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	var task models.Task
	do(t, h, http.MethodPost, "/tasks", `{"content":"Add input validation"}`, http.StatusCreated, &task)
	if task.Status != models.TaskStatusPending {
		t.Fatalf("Expected pending, got %s", task.Status)
	}
	id := task.ID

	do(t, h, http.MethodPost, "/tasks/"+id+"/start", "", http.StatusOK, &task)
	claim := models.Claim{
		Explanation: "validation added",
		Evidence:    []models.Evidence{models.NewEvidence(models.EvidenceTestResult, "test_output", "", "5 passed")},
	}
	body, _ := json.Marshal(claim)
	do(t, h, http.MethodPost, "/tasks/"+id+"/claim", string(body), http.StatusOK, &task)
	if task.Status != models.TaskStatusClaimed {
		t.Fatalf("Expected claimed, got %s", task.Status)
	}

	do(t, h, http.MethodPost, "/tasks/"+id+"/approve", `{"note":"checked by hand"}`, http.StatusOK, &task)
	if task.Status != models.TaskStatusVerified || task.Review != models.ReviewOverridden {
		t.Errorf("Expected verified/overridden, got %s/%s", task.Status, task.Review)
	}

	var events []models.AuditEvent
	do(t, h, http.MethodGet, "/tasks/"+id+"/audit", "", http.StatusOK, &events)
	want := []string{models.ActionTaskCreate, models.ActionTaskStart, models.ActionTaskClaim, models.ActionHumanOverride}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.Action != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], ev.Action)
		}
	}

	var tasks []models.Task
	do(t, h, http.MethodGet, "/tasks?status=verified", "", http.StatusOK, &tasks)
	if len(tasks) != 1 || tasks[0].ID != id {
		t.Errorf("Expected verified task in list, got %d tasks", len(tasks))
	}
}

func TestErrorStatusMapping(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	var task models.Task
	do(t, h, http.MethodPost, "/tasks", `{"content":"task"}`, http.StatusCreated, &task)
	id := task.ID

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"approve pending", http.MethodPost, "/tasks/" + id + "/approve", "", http.StatusConflict},
		{"missing task", http.MethodGet, "/tasks/nope", "", http.StatusNotFound},
		{"reject without feedback", http.MethodPost, "/tasks/" + id + "/reject", `{}`, http.StatusBadRequest},
		{"empty content", http.MethodPost, "/tasks", `{"content":"  "}`, http.StatusBadRequest},
		{"unknown action", http.MethodPost, "/tasks/" + id + "/launch", "", http.StatusNotFound},
		{"reorder without index", http.MethodPost, "/tasks/" + id + "/reorder", `{}`, http.StatusBadRequest},
		{"invalid json", http.MethodPost, "/tasks", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			do(t, h, tt.method, tt.path, tt.body, tt.want, nil)
		})
	}

	t.Run("incomplete claim", func(t *testing.T) {
		do(t, h, http.MethodPost, "/tasks/"+id+"/start", "", http.StatusOK, nil)
		do(t, h, http.MethodPost, "/tasks/"+id+"/claim", `{"explanation":"done"}`, http.StatusUnprocessableEntity, nil)
	})
}

func TestEscalationPausesSession(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	var task models.Task
	do(t, h, http.MethodPost, "/tasks", `{"content":"task"}`, http.StatusCreated, &task)
	do(t, h, http.MethodPost, "/tasks/"+task.ID+"/escalate", `{"reason":"unclear requirements"}`, http.StatusOK, &task)
	if task.Status != models.TaskStatusNeedsHuman || task.Escalation.Trigger != models.TriggerManual {
		t.Fatalf("Expected manual escalation, got %s %+v", task.Status, task.Escalation)
	}

	var st SessionStatus
	do(t, h, http.MethodGet, "/session", "", http.StatusOK, &st)
	if st.State != SessionPaused || !strings.Contains(st.Reason, task.ID) {
		t.Errorf("Expected session paused for %s, got %+v", task.ID, st)
	}

	var escalations []models.Task
	do(t, h, http.MethodGet, "/escalations", "", http.StatusOK, &escalations)
	if len(escalations) != 1 || escalations[0].Escalation.Reason != "unclear requirements" {
		t.Errorf("Unexpected escalations: %+v", escalations)
	}

	do(t, h, http.MethodPost, "/session/resume", "", http.StatusOK, &st)
	if st.State != SessionRunning {
		t.Errorf("Expected running after resume, got %s", st.State)
	}

	var events []models.AuditEvent
	do(t, h, http.MethodGet, "/audit?prefix=session.", "", http.StatusOK, &events)
	if len(events) != 2 || events[0].Actor != models.ActorSystem || events[1].Actor != models.ActorHuman {
		t.Errorf("Expected system pause then human resume, got %+v", events)
	}
}

func TestStartAfterStopRejected(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	var task models.Task
	do(t, h, http.MethodPost, "/tasks", `{"content":"task"}`, http.StatusCreated, &task)
	do(t, h, http.MethodPost, "/session/stop", `{"reason":"end of day"}`, http.StatusOK, nil)
	do(t, h, http.MethodPost, "/tasks/"+task.ID+"/start", "", http.StatusConflict, nil)
	do(t, h, http.MethodPost, "/session/resume", "", http.StatusConflict, nil)

	var st SessionStatus
	do(t, h, http.MethodPost, "/session/start", `{"reason":"next day"}`, http.StatusOK, &st)
	if st.State != SessionRunning {
		t.Fatalf("Expected a running session after start, got %+v", st)
	}
	do(t, h, http.MethodPost, "/tasks/"+task.ID+"/start", "", http.StatusOK, &task)
	if task.Status != models.TaskStatusInProgress {
		t.Errorf("Expected in_progress, got %s", task.Status)
	}
}

func TestStopEscalatesOpenTasks(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	var running, waiting models.Task
	do(t, h, http.MethodPost, "/tasks", `{"content":"running"}`, http.StatusCreated, &running)
	do(t, h, http.MethodPost, "/tasks", `{"content":"waiting"}`, http.StatusCreated, &waiting)
	do(t, h, http.MethodPost, "/tasks/"+running.ID+"/start", "", http.StatusOK, nil)

	do(t, h, http.MethodPost, "/session/stop", `{"reason":"end of day"}`, http.StatusOK, nil)

	do(t, h, http.MethodGet, "/tasks/"+running.ID, "", http.StatusOK, &running)
	if running.Status != models.TaskStatusNeedsHuman || running.Escalation == nil ||
		running.Escalation.Trigger != models.TriggerSessionStopped {
		t.Fatalf("Expected session_stopped escalation, got %s %+v", running.Status, running.Escalation)
	}
	if !strings.Contains(running.Escalation.Reason, "end of day") {
		t.Errorf("Escalation should carry the stop reason, got %q", running.Escalation.Reason)
	}
	do(t, h, http.MethodGet, "/tasks/"+waiting.ID, "", http.StatusOK, &waiting)
	if waiting.Status != models.TaskStatusPending {
		t.Errorf("Pending task should be left alone, got %s", waiting.Status)
	}

	var st SessionStatus
	do(t, h, http.MethodGet, "/session", "", http.StatusOK, &st)
	if st.State != SessionStopped {
		t.Errorf("Escalations on stop must not reopen the session, got %s", st.State)
	}
}

func TestStatsWithoutScheduler(t *testing.T) {
	s, _ := newTestServer(t)
	do(t, s.Handler(), http.MethodGet, "/stats", "", http.StatusNotFound, nil)
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "attest.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(st, safeguard.New(safeguard.DefaultLimits()), registry.Options{})
	service := NewService(reg, NewSession(st, nil, nil), st, nil)
	return NewServer(service, st, "127.0.0.1:0"), st
}

// do sends one request and decodes a JSON response into out when non-nil.
func do(t *testing.T, h http.Handler, method, path, body string, want int, out interface{}) {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != want {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, want, w.Code, w.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
}
