package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/attest/internal/models"
)

type recorder struct {
	mu   sync.Mutex
	got  []Escalation
	fail error
}

func (r *recorder) Notify(_ context.Context, e Escalation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return r.fail
}

func escalatedTask() models.Task {
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	return models.Task{
		ID:            "task-1",
		Content:       "Add validation",
		Status:        models.TaskStatusNeedsHuman,
		AuditAttempts: 3,
		Escalation:    &models.Escalation{Trigger: models.TriggerAuditCapExceeded, Reason: "audit cap reached (3/3)", At: at},
	}
}

func TestEscalationFor(t *testing.T) {
	e := EscalationFor(escalatedTask())
	if e.TaskID != "task-1" || e.Trigger != models.TriggerAuditCapExceeded || e.Attempts != 3 {
		t.Errorf("Unexpected escalation: %+v", e)
	}
	if e.At.IsZero() {
		t.Error("Expected escalation time")
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))
	if err := n.Notify(context.Background(), EscalationFor(escalatedTask())); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"task=task-1", "trigger=audit_cap_exceeded", "level=WARN"} {
		if !strings.Contains(out, want) {
			t.Errorf("Log output missing %q: %s", want, out)
		}
	}
}

func TestMultiTriesEveryNotifier(t *testing.T) {
	first := &recorder{fail: errors.New("unreachable")}
	second := &recorder{}
	err := Multi{first, second}.Notify(context.Background(), EscalationFor(escalatedTask()))
	if err == nil || !strings.Contains(err.Error(), "unreachable") {
		t.Errorf("Expected joined error, got %v", err)
	}
	if len(second.got) != 1 {
		t.Errorf("Second notifier should still be called, got %d", len(second.got))
	}
}

func TestObserverSwallowsErrors(t *testing.T) {
	rec := &recorder{fail: errors.New("boom")}
	var buf bytes.Buffer
	obs := Observer(rec, time.Second, slog.New(slog.NewTextHandler(&buf, nil)))
	obs(escalatedTask())

	if len(rec.got) != 1 {
		t.Fatalf("Expected one delivery, got %d", len(rec.got))
	}
	if !strings.Contains(buf.String(), "escalation notification failed") {
		t.Errorf("Expected failure to be logged, got %s", buf.String())
	}
}

func TestDialNATSUnreachable(t *testing.T) {
	if _, err := DialNATS("nats://127.0.0.1:1", ""); err == nil {
		t.Error("Expected connection error")
	}
}
