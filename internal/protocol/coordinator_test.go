package protocol

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/attest/internal/audit"
	"github.com/fentz26/attest/internal/connectors"
	"github.com/fentz26/attest/internal/criteria"
	"github.com/fentz26/attest/internal/models"
	"github.com/fentz26/attest/internal/registry"
	"github.com/fentz26/attest/internal/safeguard"
)

func TestDriveToVerified(t *testing.T) {
	dir := t.TempDir()
	exec := &fakeExec{}
	env := newEnv(t, safeguard.DefaultLimits(), dir, exec)
	id := env.task(t, "Add input validation to the signup form",
		models.Criterion{Kind: models.CriterionCommandExitZero, Params: map[string]string{"command": "pytest tests/test_signup.py"}})

	env.auditor.fn = func(_ context.Context, p Packet) (Assessment, error) {
		if p.Explanation == "" || len(p.Evidence) != 1 {
			t.Errorf("Packet missing claim contents: %+v", p)
		}
		return approveAssessment("test_output"), nil
	}

	if err := env.coord.Drive(context.Background(), id); err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	got := env.get(t, id)
	if got.Status != models.TaskStatusVerified {
		t.Fatalf("Expected verified, got %s (feedback %q)", got.Status, got.Feedback)
	}
	if got.AuditAttempts != 1 || got.RevisionAttempts != 0 {
		t.Errorf("Expected 1 audit and 0 revisions, got %d/%d", got.AuditAttempts, got.RevisionAttempts)
	}
	if len(exec.calls) != 1 || exec.calls[0][0] != "pytest" {
		t.Errorf("Expected criterion to be re-run once, got %v", exec.calls)
	}

	events, _ := env.log.Events(context.Background(), audit.Filter{TaskID: id, Action: models.ActionAuditVerdict})
	if len(events) != 1 || events[0].Actor != models.ActorAuditor {
		t.Errorf("Expected one auditor verdict event, got %+v", events)
	}
}

func TestFailingCriterionDowngradesApproval(t *testing.T) {
	dir := t.TempDir()
	env := newEnv(t, safeguard.DefaultLimits(), dir, &fakeExec{exit: 1})
	id := env.task(t, "task",
		models.Criterion{Kind: models.CriterionCommandExitZero, Params: map[string]string{"command": "go test ./..."}})
	env.claimed(t, id)
	env.auditor.fn = func(context.Context, Packet) (Assessment, error) {
		return approveAssessment("test_output"), nil
	}

	out, err := env.coord.RunAttempt(context.Background(), id)
	if err != nil {
		t.Fatalf("RunAttempt failed: %v", err)
	}
	if out != OutcomeChangesRequested {
		t.Fatalf("Expected changes_requested, got %s", out)
	}
	got := env.get(t, id)
	last := got.Verdicts[len(got.Verdicts)-1]
	if last.Verdict.Decision != models.DecisionChangesRequested || !strings.Contains(last.Verdict.Downgrade, "failed") {
		t.Errorf("Expected downgraded verdict, got %+v", last.Verdict)
	}
	if got.RevisionAttempts != 1 {
		t.Errorf("Expected revision_attempts 1, got %d", got.RevisionAttempts)
	}
}

func TestApprovalValidation(t *testing.T) {
	tests := []struct {
		name    string
		verdict models.Verdict
		want    string
	}{
		{
			name:    "unknown citation",
			verdict: models.Verdict{Decision: models.DecisionApproved, Confidence: 0.9, Reasons: []models.Reason{{Reason: "ok"}}, Citations: []string{"made_up"}},
			want:    "matches no submitted evidence",
		},
		{
			name:    "confidence out of range",
			verdict: models.Verdict{Decision: models.DecisionApproved, Confidence: 1.5, Reasons: []models.Reason{{Reason: "ok"}}, Citations: []string{"test_output"}},
			want:    "outside [0,1]",
		},
		{
			name:    "no reasons",
			verdict: models.Verdict{Decision: models.DecisionApproved, Confidence: 0.9, Citations: []string{"test_output"}},
			want:    "no reasons",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, safeguard.DefaultLimits(), t.TempDir(), nil)
			id := env.task(t, tt.name)
			env.claimed(t, id)
			env.auditor.fn = func(context.Context, Packet) (Assessment, error) {
				v := tt.verdict
				return Assessment{Verdict: &v}, nil
			}
			out, err := env.coord.RunAttempt(context.Background(), id)
			if err != nil {
				t.Fatalf("RunAttempt failed: %v", err)
			}
			if out != OutcomeChangesRequested {
				t.Fatalf("Expected changes_requested, got %s", out)
			}
			got := env.get(t, id)
			if d := got.Verdicts[len(got.Verdicts)-1].Verdict.Downgrade; !strings.Contains(d, tt.want) {
				t.Errorf("Expected downgrade containing %q, got %q", tt.want, d)
			}
		})
	}
}

func TestRevisionCapEscalatesBeforeThirdAudit(t *testing.T) {
	env := newEnv(t, safeguard.DefaultLimits(), t.TempDir(), nil)
	id := env.task(t, "flaky fix")
	env.auditor.fn = func(context.Context, Packet) (Assessment, error) {
		v := models.Verdict{
			Decision:        models.DecisionChangesRequested,
			Confidence:      0.7,
			Reasons:         []models.Reason{{Reason: "2 tests still fail"}},
			RequiredActions: []string{"fix test_signup"},
		}
		return Assessment{Verdict: &v}, nil
	}

	if err := env.coord.Drive(context.Background(), id); err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	got := env.get(t, id)
	if got.Status != models.TaskStatusNeedsHuman {
		t.Fatalf("Expected needs_human, got %s", got.Status)
	}
	if got.Escalation == nil || got.Escalation.Trigger != models.TriggerRevisionCapExceeded {
		t.Errorf("Expected revision_cap_exceeded, got %+v", got.Escalation)
	}
	if got.AuditAttempts != 2 || env.auditor.count() != 2 {
		t.Errorf("Expected exactly 2 audits, got attempts=%d calls=%d", got.AuditAttempts, env.auditor.count())
	}
}

func TestFollowUpCapForcesFinalVerdict(t *testing.T) {
	env := newEnv(t, safeguard.DefaultLimits(), t.TempDir(), nil)
	id := env.task(t, "task")
	env.claimed(t, id)

	var finals []bool
	env.auditor.fn = func(_ context.Context, p Packet) (Assessment, error) {
		finals = append(finals, p.Final)
		if p.Final {
			return approveAssessment("test_output"), nil
		}
		return Assessment{FollowUp: &models.FollowUpRequest{Question: fmt.Sprintf("show more (round %d)", p.Round)}}, nil
	}

	out, err := env.coord.RunAttempt(context.Background(), id)
	if err != nil {
		t.Fatalf("RunAttempt failed: %v", err)
	}
	if out != OutcomeApproved {
		t.Fatalf("Expected approved, got %s", out)
	}
	got := env.get(t, id)
	if n := len(got.Claim.Rounds); n != 3 {
		t.Errorf("Expected 3 served follow-up rounds, got %d", n)
	}
	if fmt.Sprint(finals) != "[false false false false true]" {
		t.Errorf("Unexpected final flags: %v", finals)
	}
	if env.worker.followUps() != 3 {
		t.Errorf("Expected worker to answer 3 follow-ups, got %d", env.worker.followUps())
	}
}

func TestFollowUpAfterFinalRoundRequestsChanges(t *testing.T) {
	limits := safeguard.DefaultLimits()
	limits.MaxFollowUpRounds = 1
	env := newEnv(t, limits, t.TempDir(), nil)
	id := env.task(t, "task")
	env.claimed(t, id)
	env.auditor.fn = func(context.Context, Packet) (Assessment, error) {
		return Assessment{FollowUp: &models.FollowUpRequest{Question: "more?"}}, nil
	}

	out, err := env.coord.RunAttempt(context.Background(), id)
	if err != nil {
		t.Fatalf("RunAttempt failed: %v", err)
	}
	if out != OutcomeChangesRequested {
		t.Fatalf("Expected changes_requested, got %s", out)
	}
	got := env.get(t, id)
	last := got.Verdicts[len(got.Verdicts)-1]
	if last.Source != models.ActorSystem || last.Verdict.Downgrade == "" {
		t.Errorf("Expected system-issued downgrade, got %+v", last)
	}
}

func TestFollowUpWithoutNewEvidence(t *testing.T) {
	env := newEnv(t, safeguard.DefaultLimits(), t.TempDir(), nil)
	id := env.task(t, "task")
	env.claimed(t, id)
	env.worker.respond = func(models.FollowUpRequest) models.Response {
		// Same artifact as the claim.
		return models.Response{Answer: "see above", Evidence: []models.Evidence{
			models.NewEvidence(models.EvidenceTestResult, "test_output", "", "claim 1"),
		}}
	}
	env.auditor.fn = func(context.Context, Packet) (Assessment, error) {
		return Assessment{FollowUp: &models.FollowUpRequest{Question: "full log?"}}, nil
	}

	out, err := env.coord.RunAttempt(context.Background(), id)
	if err != nil {
		t.Fatalf("RunAttempt failed: %v", err)
	}
	if out != OutcomeChangesRequested {
		t.Fatalf("Expected changes_requested, got %s", out)
	}
	if got := env.get(t, id); got.Feedback == "" || got.NoProgress != 1 {
		t.Errorf("Expected feedback and no_progress 1, got %q/%d", got.Feedback, got.NoProgress)
	}
	if env.auditor.count() != 1 {
		t.Errorf("Auditor should not be consulted again, got %d calls", env.auditor.count())
	}
}

func TestAuditorFailureAbortsAttempt(t *testing.T) {
	env := newEnv(t, safeguard.DefaultLimits(), t.TempDir(), nil)
	id := env.task(t, "task")
	env.claimed(t, id)
	env.auditor.fn = func(context.Context, Packet) (Assessment, error) {
		return Assessment{}, errors.New("connection refused")
	}

	out, err := env.coord.RunAttempt(context.Background(), id)
	if err != nil {
		t.Fatalf("RunAttempt failed: %v", err)
	}
	if out != OutcomeChangesRequested {
		t.Fatalf("Expected changes_requested, got %s", out)
	}
	got := env.get(t, id)
	if got.AuditAttempts != 1 || got.RevisionAttempts != 0 {
		t.Errorf("Abort should consume the attempt but not a revision, got %d/%d", got.AuditAttempts, got.RevisionAttempts)
	}
	if !strings.Contains(got.Feedback, models.ErrAuditorUnavailable.Error()) {
		t.Errorf("Expected auditor unavailable feedback, got %q", got.Feedback)
	}
}

func TestAttemptDeadline(t *testing.T) {
	limits := safeguard.DefaultLimits()
	limits.AuditAttemptTimeout = 50 * time.Millisecond
	env := newEnv(t, limits, t.TempDir(), nil)
	id := env.task(t, "task")
	env.claimed(t, id)
	env.auditor.fn = func(ctx context.Context, _ Packet) (Assessment, error) {
		<-ctx.Done()
		return Assessment{}, ctx.Err()
	}

	out, err := env.coord.RunAttempt(context.Background(), id)
	if err != nil {
		t.Fatalf("RunAttempt failed: %v", err)
	}
	if out != OutcomeChangesRequested {
		t.Fatalf("Expected changes_requested after timeout, got %s", out)
	}
	got := env.get(t, id)
	if !strings.Contains(got.Feedback, string(safeguard.TimerAttempt)) {
		t.Errorf("Expected attempt timer in feedback, got %q", got.Feedback)
	}
	events, _ := env.log.Events(context.Background(), audit.Filter{TaskID: id, Action: models.ActionAuditAbort})
	if len(events) != 1 || events[0].Payload["timer"] != string(safeguard.TimerAttempt) {
		t.Errorf("Expected abort event with timer, got %+v", events)
	}
}

func TestHumanDecisionDuringAudit(t *testing.T) {
	env := newEnv(t, safeguard.DefaultLimits(), t.TempDir(), nil)
	id := env.task(t, "task")
	env.claimed(t, id)
	env.auditor.fn = func(ctx context.Context, p Packet) (Assessment, error) {
		if _, err := env.reg.HumanApprove(ctx, p.TaskID, "looks right"); err != nil {
			t.Errorf("HumanApprove failed: %v", err)
		}
		v := models.Verdict{Decision: models.DecisionBlocked, Confidence: 0.5, Reasons: []models.Reason{{Reason: "unsure"}}}
		return Assessment{Verdict: &v}, nil
	}

	out, err := env.coord.RunAttempt(context.Background(), id)
	if err != nil {
		t.Fatalf("RunAttempt failed: %v", err)
	}
	if out != OutcomeOverridden {
		t.Fatalf("Expected overridden, got %s", out)
	}
	if got := env.get(t, id); got.Status != models.TaskStatusVerified {
		t.Errorf("Human approval should stand, got %s", got.Status)
	}
	events, _ := env.log.Events(context.Background(), audit.Filter{TaskID: id, Action: models.ActionVerdictOverridden})
	if len(events) != 1 {
		t.Errorf("Expected overridden verdict to be logged, got %d", len(events))
	}
}

func TestPauseHoldsNextRound(t *testing.T) {
	gate := newTestGate()
	env := newEnvWithGate(t, safeguard.DefaultLimits(), t.TempDir(), nil, gate)
	id := env.task(t, "task")
	env.claimed(t, id)
	env.auditor.fn = func(_ context.Context, p Packet) (Assessment, error) {
		if p.Round == 0 {
			gate.pause()
			return Assessment{FollowUp: &models.FollowUpRequest{Question: "coverage?"}}, nil
		}
		return approveAssessment("test_output"), nil
	}

	done := make(chan Outcome, 1)
	go func() {
		out, err := env.coord.RunAttempt(context.Background(), id)
		if err != nil {
			t.Errorf("RunAttempt failed: %v", err)
		}
		done <- out
	}()

	select {
	case <-gate.blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("RunAttempt never waited on the paused gate")
	}
	if n := env.auditor.count(); n != 1 {
		t.Errorf("Expected no new round while paused, got %d evaluations", n)
	}
	gate.resume()

	select {
	case out := <-done:
		if out != OutcomeApproved {
			t.Errorf("Expected approved after resume, got %s", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunAttempt did not finish after resume")
	}
}

func TestStopEscalates(t *testing.T) {
	gate := newTestGate()
	env := newEnvWithGate(t, safeguard.DefaultLimits(), t.TempDir(), nil, gate)
	id := env.task(t, "task")
	gate.stop()

	if err := env.coord.Drive(context.Background(), id); !errors.Is(err, models.ErrSessionStopped) {
		t.Fatalf("Expected ErrSessionStopped, got %v", err)
	}
	got := env.get(t, id)
	if got.Status != models.TaskStatusNeedsHuman || got.Escalation.Trigger != models.TriggerSessionStopped {
		t.Errorf("Expected session_stopped escalation, got %s %+v", got.Status, got.Escalation)
	}
}

func TestDriveRecoversInterruptedAttempt(t *testing.T) {
	env := newEnv(t, safeguard.DefaultLimits(), t.TempDir(), nil)
	id := env.task(t, "task")
	env.claimed(t, id)
	if _, err := env.reg.BeginAudit(context.Background(), id); err != nil {
		t.Fatalf("BeginAudit failed: %v", err)
	}
	env.auditor.fn = func(context.Context, Packet) (Assessment, error) {
		return approveAssessment("test_output"), nil
	}

	if err := env.coord.Drive(context.Background(), id); err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	got := env.get(t, id)
	if got.Status != models.TaskStatusVerified || got.AuditAttempts != 2 {
		t.Errorf("Expected verified on attempt 2, got %s attempt %d", got.Status, got.AuditAttempts)
	}
	events, _ := env.log.Events(context.Background(), audit.Filter{TaskID: id, Action: models.ActionAuditAbort})
	if len(events) != 1 {
		t.Errorf("Expected the stale attempt to be aborted, got %d abort events", len(events))
	}
}

func TestWorkerUnavailableEscalates(t *testing.T) {
	env := newEnv(t, safeguard.DefaultLimits(), t.TempDir(), nil)
	id := env.task(t, "task")
	env.worker.err = errors.New("dial tcp: connection refused")

	if err := env.coord.Drive(context.Background(), id); err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	got := env.get(t, id)
	if got.Status != models.TaskStatusNeedsHuman || got.Escalation.Trigger != models.TriggerTimeout {
		t.Fatalf("Expected timeout escalation, got %s %+v", got.Status, got.Escalation)
	}
	if !strings.Contains(got.Escalation.Reason, models.ErrWorkerUnavailable.Error()) {
		t.Errorf("Expected worker unavailable reason, got %q", got.Escalation.Reason)
	}
	events, _ := env.log.Events(context.Background(), audit.Filter{TaskID: id, Action: models.ActionClaimFailed})
	if len(events) != 2 {
		t.Errorf("Expected 2 failed claim rounds before escalating, got %d", len(events))
	}
}

func TestWorkerRecoversAfterFailedRound(t *testing.T) {
	env := newEnv(t, safeguard.DefaultLimits(), t.TempDir(), nil)
	id := env.task(t, "task")
	env.worker.failures = 1
	env.auditor.fn = func(context.Context, Packet) (Assessment, error) {
		return approveAssessment("test_output"), nil
	}

	if err := env.coord.Drive(context.Background(), id); err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	got := env.get(t, id)
	if got.Status != models.TaskStatusVerified {
		t.Fatalf("Expected verified after the worker came back, got %s %+v", got.Status, got.Escalation)
	}
	if got.NoProgress != 0 {
		t.Errorf("Expected the streak to reset on an accepted claim, got %d", got.NoProgress)
	}
	events, _ := env.log.Events(context.Background(), audit.Filter{TaskID: id, Action: models.ActionClaimFailed})
	if len(events) != 1 || events[0].Payload["streak"] != "1" {
		t.Errorf("Expected one failed round recorded, got %+v", events)
	}
}

func TestDriveReturnsAfterOwnEscalationPauses(t *testing.T) {
	gate := newTestGate()
	env := newEnvWithGate(t, safeguard.DefaultLimits(), t.TempDir(), nil, gate)
	env.reg.OnEscalation(func(models.Task) { gate.pause() })
	id := env.task(t, "task")
	env.worker.err = errors.New("dial tcp: connection refused")

	done := make(chan error, 1)
	go func() { done <- env.coord.Drive(context.Background(), id) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Drive failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Drive blocked on the gate after escalating its own task")
	}
	if got := env.get(t, id); got.Status != models.TaskStatusNeedsHuman {
		t.Errorf("Expected needs_human, got %s", got.Status)
	}
}

func TestToolsStayInsideRoot(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	tools := NewTools(dir, criteria.NewSuite(nil), time.Second)
	ctx := context.Background()

	got, err := tools.ReadFile(ctx, "a.txt")
	if err != nil || got != "hello" {
		t.Fatalf("ReadFile = %q, %v", got, err)
	}
	for _, p := range []string{"../outside.txt", "/etc/hostname"} {
		if _, err := tools.ReadFile(ctx, p); err == nil {
			t.Errorf("ReadFile(%q) should be refused", p)
		}
	}
	fi, err := tools.Stat(ctx, "a.txt")
	if err != nil || fi.Size != 5 || fi.IsDir {
		t.Errorf("Stat = %+v, %v", fi, err)
	}
	res, err := tools.RunCheck(ctx, models.Criterion{Kind: models.CriterionFileContains, Params: map[string]string{"path": "a.txt", "text": "hell"}})
	if err != nil || !res.Passed {
		t.Errorf("RunCheck = %+v, %v", res, err)
	}
}

// test environment

type env struct {
	reg     *registry.Registry
	log     *audit.MemoryLog
	coord   *Coordinator
	worker  *fakeWorker
	auditor *fakeAuditor
}

func newEnv(t *testing.T, limits safeguard.Limits, dir string, exec connectors.Connector) *env {
	return newEnvWithGate(t, limits, dir, exec, nil)
}

func newEnvWithGate(t *testing.T, limits safeguard.Limits, dir string, exec connectors.Connector, gate Gate) *env {
	t.Helper()
	log := audit.NewMemoryLog(nil)
	reg := registry.New(log, safeguard.New(limits), registry.Options{})
	w := &fakeWorker{}
	a := &fakeAuditor{}
	var suite *criteria.Suite
	if exec != nil {
		suite = criteria.NewSuite(exec)
	}
	coord := New(reg, w, a, Options{Gate: gate, Suite: suite, WorkDir: dir, RetryDelay: time.Millisecond})
	return &env{reg: reg, log: log, coord: coord, worker: w, auditor: a}
}

func (e *env) task(t *testing.T, content string, crit ...models.Criterion) string {
	t.Helper()
	task, err := e.reg.Create(context.Background(), registry.NewTask{Content: content, Criteria: crit})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := e.reg.Start(context.Background(), task.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return task.ID
}

// claimed records the worker's first claim without running an audit.
func (e *env) claimed(t *testing.T, id string) {
	t.Helper()
	c, _ := e.worker.SubmitClaim(context.Background(), id)
	if _, err := e.reg.Claim(context.Background(), id, c); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
}

func (e *env) get(t *testing.T, id string) models.Task {
	t.Helper()
	task, err := e.reg.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return task
}

// fakeWorker submits a claim with fresh test output every time.
type fakeWorker struct {
	mu       sync.Mutex
	claims   int
	answers  int
	err      error
	failures int
	respond  func(models.FollowUpRequest) models.Response
}

func (w *fakeWorker) SubmitClaim(_ context.Context, _ string) (models.Claim, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return models.Claim{}, w.err
	}
	if w.failures > 0 {
		w.failures--
		return models.Claim{}, errors.New("connection reset by peer")
	}
	w.claims++
	return models.Claim{
		Explanation: "implemented validation and added tests",
		Evidence: []models.Evidence{
			models.NewEvidence(models.EvidenceTestResult, "test_output", "", fmt.Sprintf("claim %d", w.claims)),
		},
		TouchedFiles: []string{"signup.py"},
	}, nil
}

func (w *fakeWorker) RespondToFollowUp(_ context.Context, _ string, req models.FollowUpRequest) (models.Response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.answers++
	if w.respond != nil {
		return w.respond(req), nil
	}
	return models.Response{
		Answer:   "attached",
		Evidence: []models.Evidence{models.NewEvidence(models.EvidenceCommandOutput, "", "", fmt.Sprintf("answer %d", w.answers))},
	}, nil
}

func (w *fakeWorker) followUps() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.answers
}

type fakeAuditor struct {
	mu    sync.Mutex
	calls int
	fn    func(context.Context, Packet) (Assessment, error)
}

func (a *fakeAuditor) Evaluate(ctx context.Context, p Packet) (Assessment, error) {
	a.mu.Lock()
	a.calls++
	fn := a.fn
	a.mu.Unlock()
	return fn(ctx, p)
}

func (a *fakeAuditor) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func approveAssessment(citation string) Assessment {
	return Assessment{Verdict: &models.Verdict{
		Decision:   models.DecisionApproved,
		Confidence: 0.92,
		Reasons:    []models.Reason{{Reason: "all tests pass", EvidenceRef: citation}},
		Citations:  []string{citation},
	}}
}

type fakeExec struct {
	mu    sync.Mutex
	exit  int
	calls [][]string
}

func (f *fakeExec) Name() string                    { return "fake" }
func (f *fakeExec) WorkDir() string                 { return "" }
func (f *fakeExec) IsAllowed(string, []string) bool { return true }
func (f *fakeExec) Execute(_ context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{cmd}, args...))
	return &connectors.ExecResult{Command: cmd, Args: args, ExitCode: f.exit, Stdout: "collected 5 items"}, nil
}

// testGate is a minimal pause switch.
type testGate struct {
	mu      sync.Mutex
	paused  bool
	stopped bool
	release chan struct{}
	started time.Time
	blocked chan struct{}
}

func newTestGate() *testGate {
	return &testGate{started: time.Now().UTC(), blocked: make(chan struct{}, 1)}
}

func (g *testGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return models.ErrSessionStopped
	}
	if !g.paused {
		g.mu.Unlock()
		return ctx.Err()
	}
	ch := g.release
	g.mu.Unlock()

	select {
	case g.blocked <- struct{}{}:
	default:
	}
	select {
	case <-ch:
		return g.Wait(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *testGate) StartedAt() time.Time { return g.started }

func (g *testGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.release = make(chan struct{})
	}
}

func (g *testGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.release)
	}
}

func (g *testGate) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	if g.paused {
		g.paused = false
		close(g.release)
	}
}
