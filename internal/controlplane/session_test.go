package controlplane

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/attest/internal/audit"
	"github.com/fentz26/attest/internal/models"
	"github.com/fentz26/attest/internal/safeguard"
)

func TestSessionWaitBlocksWhilePaused(t *testing.T) {
	log := audit.NewMemoryLog(nil)
	s := NewSession(log, nil, nil)
	ctx := context.Background()

	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait on running session: %v", err)
	}
	if err := s.Pause(ctx, models.ActorHuman, "lunch"); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Wait(ctx) }()
	select {
	case err := <-done:
		t.Fatalf("Wait returned while paused: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := s.Resume(ctx, models.ActorHuman); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait after resume: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after resume")
	}
}

func TestSessionWaitHonoursContext(t *testing.T) {
	s := NewSession(audit.NewMemoryLog(nil), nil, nil)
	if err := s.Pause(context.Background(), models.ActorHuman, ""); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
}

func TestSessionStopIsFinal(t *testing.T) {
	log := audit.NewMemoryLog(nil)
	s := NewSession(log, nil, nil)
	ctx := context.Background()

	if err := s.Pause(ctx, models.ActorHuman, ""); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Wait(ctx) }()

	if err := s.Stop(ctx, models.ActorHuman, "done for today"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, models.ErrSessionStopped) {
			t.Errorf("Expected ErrSessionStopped from waiter, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Waiter not released by stop")
	}
	if err := s.Resume(ctx, models.ActorHuman); !errors.Is(err, models.ErrSessionStopped) {
		t.Errorf("Expected resume after stop to fail, got %v", err)
	}
	if err := s.Stop(ctx, models.ActorHuman, ""); err != nil {
		t.Errorf("Repeated stop should be a no-op, got %v", err)
	}
}

func TestSessionNoOpTransitionsRecordNothing(t *testing.T) {
	log := audit.NewMemoryLog(nil)
	s := NewSession(log, nil, nil)
	ctx := context.Background()

	s.Resume(ctx, models.ActorHuman)
	s.Pause(ctx, models.ActorHuman, "a")
	s.Pause(ctx, models.ActorSystem, "b")
	if n := log.Len(); n != 1 {
		t.Errorf("Expected a single pause event, got %d", n)
	}
	if st := s.Status(); st.Reason != "a" {
		t.Errorf("Second pause should not replace the reason, got %q", st.Reason)
	}
}

func TestSessionLogFailureLeavesStateUntouched(t *testing.T) {
	log := audit.NewMemoryLog(nil)
	log.FailWith = func(models.AuditEvent) error { return errors.New("disk full") }
	s := NewSession(log, nil, nil)

	err := s.Pause(context.Background(), models.ActorHuman, "")
	if !errors.Is(err, models.ErrLogWriteFailure) {
		t.Fatalf("Expected ErrLogWriteFailure, got %v", err)
	}
	if s.Status().State != SessionRunning {
		t.Errorf("State changed despite failed write: %s", s.Status().State)
	}
}

func TestRestoreSession(t *testing.T) {
	log := audit.NewMemoryLog(nil)
	ctx := context.Background()
	s := NewSession(log, nil, nil)
	if err := s.Pause(ctx, models.ActorHuman, "review"); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	restored, err := RestoreSession(ctx, log, nil, nil)
	if err != nil {
		t.Fatalf("RestoreSession failed: %v", err)
	}
	st := restored.Status()
	if st.State != SessionPaused || st.Reason != "review" {
		t.Errorf("Expected paused session with reason, got %+v", st)
	}
	events, _ := log.Events(ctx, audit.Filter{})
	if !restored.StartedAt().Equal(events[0].Timestamp) {
		t.Errorf("Session clock should start at the first event, got %s", restored.StartedAt())
	}
}

// manualClock is a clock tests move by hand.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBeginScopesSessionToRun(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	log := audit.NewMemoryLog(clock.Now)
	ctx := context.Background()

	first := NewSession(log, clock.Now, nil)
	if err := first.Begin(ctx, models.ActorSystem, "daemon started"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := first.Stop(ctx, models.ActorHuman, "end of day"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	clock.Advance(25 * time.Hour)
	restored, err := RestoreSession(ctx, log, clock.Now, nil)
	if err != nil {
		t.Fatalf("RestoreSession failed: %v", err)
	}
	if st := restored.Status(); st.State != SessionStopped {
		t.Fatalf("Expected the stop to survive a restore, got %s", st.State)
	}
	if err := restored.Begin(ctx, models.ActorSystem, "daemon started"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	st := restored.Status()
	if st.State != SessionRunning || st.Reason != "" {
		t.Errorf("Expected a fresh running session, got %+v", st)
	}
	if !st.StartedAt.Equal(clock.Now()) {
		t.Errorf("Session clock should restart at the new run, got %s want %s", st.StartedAt, clock.Now())
	}
	if err := restored.Wait(ctx); err != nil {
		t.Errorf("Wait on a new run: %v", err)
	}

	// A task started in the new run is not timed against the old one.
	now := clock.Now()
	engine := safeguard.New(safeguard.DefaultLimits())
	deadline := engine.TaskDeadline(now)
	task := models.Task{Status: models.TaskStatusInProgress, StartedAt: &now, Deadline: &deadline}
	if timer, expired := engine.Expired(task, restored.StartedAt(), now.Add(time.Minute)); expired {
		t.Errorf("Fresh task expired by the %s timer", timer)
	}

	again, err := RestoreSession(ctx, log, clock.Now, nil)
	if err != nil {
		t.Fatalf("RestoreSession failed: %v", err)
	}
	if got := again.Status(); got.State != SessionRunning || !got.StartedAt.Equal(st.StartedAt) {
		t.Errorf("Replay should take the latest start, got %+v", got)
	}
}

func TestBeginKeepsPause(t *testing.T) {
	log := audit.NewMemoryLog(nil)
	ctx := context.Background()
	s := NewSession(log, nil, nil)
	if err := s.Pause(ctx, models.ActorSystem, "task t1 escalated"); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	restored, err := RestoreSession(ctx, log, nil, nil)
	if err != nil {
		t.Fatalf("RestoreSession failed: %v", err)
	}
	if err := restored.Begin(ctx, models.ActorSystem, "daemon started"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if st := restored.Status(); st.State != SessionPaused || st.Reason != "task t1 escalated" {
		t.Errorf("A pause awaiting review should survive a new run, got %+v", st)
	}
}
