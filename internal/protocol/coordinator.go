package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fentz26/attest/internal/audit"
	"github.com/fentz26/attest/internal/criteria"
	"github.com/fentz26/attest/internal/models"
	"github.com/fentz26/attest/internal/registry"
	"github.com/fentz26/attest/internal/safeguard"
)

// commitTimeout bounds registry writes made after the caller's context or
// the attempt deadline has ended.
const commitTimeout = 10 * time.Second

const defaultRetryDelay = 5 * time.Second

// Options configures a Coordinator.
type Options struct {
	Gate    Gate
	Suite   *criteria.Suite
	Tools   *Tools
	WorkDir string
	Logger  *slog.Logger
	Clock   audit.Clock
	// RetryDelay is the pause before asking an unreachable worker again.
	RetryDelay time.Duration
}

// Coordinator runs audit attempts for tasks. It holds no task state of its
// own; every decision is made against the registry.
type Coordinator struct {
	reg     *registry.Registry
	worker  Worker
	auditor Auditor
	gate    Gate
	suite   *criteria.Suite
	tools   *Tools
	workDir string
	logger  *slog.Logger
	clock   audit.Clock
	retry   time.Duration
}

// New creates a coordinator.
func New(reg *registry.Registry, worker Worker, auditor Auditor, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = audit.SystemClock
	}
	if opts.Gate == nil {
		opts.Gate = openGate{started: opts.Clock()}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Suite == nil {
		opts.Suite = criteria.NewSuite(nil)
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Tools == nil {
		opts.Tools = NewTools(opts.WorkDir, opts.Suite, reg.Engine().Limits().ToolCallTimeout)
	}
	return &Coordinator{
		reg:     reg,
		worker:  worker,
		auditor: auditor,
		gate:    opts.Gate,
		suite:   opts.Suite,
		tools:   opts.Tools,
		workDir: opts.WorkDir,
		logger:  opts.Logger.With("component", "coordinator"),
		clock:   opts.Clock,
		retry:   opts.RetryDelay,
	}
}

func (c *Coordinator) engine() *safeguard.Engine {
	return c.reg.Engine()
}

// Drive moves one task through claims and audit attempts until it needs no
// more automated work: verified, waiting on children, escalated, failed or
// deleted. It returns models.ErrSessionStopped if the session stops.
func (c *Coordinator) Drive(ctx context.Context, id string) error {
	for {
		t, done, err := c.load(ctx, id)
		if done || err != nil {
			return err
		}
		if err := c.gate.Wait(ctx); err != nil {
			if errors.Is(err, models.ErrSessionStopped) {
				c.stopped(ctx, id)
			}
			return err
		}
		// The task may have moved while the session was paused.
		if t, done, err = c.load(ctx, id); done || err != nil {
			return err
		}

		switch t.Status {
		case models.TaskStatusInProgress:
			if err := c.claimRound(ctx, t); err != nil {
				return err
			}
		case models.TaskStatusClaimed:
			if _, err := c.RunAttempt(ctx, id); err != nil {
				return err
			}
		case models.TaskStatusAuditing:
			// Left behind by a run that ended before its verdict.
			_, err := c.reg.AbortAudit(ctx, id, t.AuditAttempts, "", "audit attempt interrupted before a verdict")
			if err != nil && !errors.Is(err, models.ErrAttemptClosed) {
				return err
			}
		}
	}
}

// load reads task id and settles it when no protocol work is left. done
// reports that Drive should return.
func (c *Coordinator) load(ctx context.Context, id string) (t models.Task, done bool, err error) {
	t, err = c.reg.Get(id)
	if errors.Is(err, models.ErrTaskNotFound) {
		return t, true, nil
	}
	if err != nil {
		return t, true, err
	}
	switch t.Status {
	case models.TaskStatusInProgress, models.TaskStatusClaimed, models.TaskStatusAuditing:
		return t, false, nil
	case models.TaskStatusApproved:
		_, err = c.reg.Verify(ctx, id)
		return t, true, err
	}
	return t, true, nil
}

// claimRound asks the worker for a claim and records it.
func (c *Coordinator) claimRound(ctx context.Context, t models.Task) error {
	started := c.gate.StartedAt()
	if timer, expired := c.engine().Expired(t, started, c.clock()); expired {
		return c.escalate(ctx, t.ID, models.TriggerTimeout, fmt.Sprintf("%s timeout expired before a claim was submitted", timer))
	}

	cctx, span := startClaimSpan(ctx, t.ID)
	cancel := func() {}
	if deadline, _ := c.engine().Deadline(t, started); !deadline.IsZero() {
		cctx, cancel = context.WithDeadline(cctx, deadline)
	}
	claim, err := c.worker.SubmitClaim(cctx, t.ID)
	cancel()
	endSpan(span, err)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return c.escalate(ctx, t.ID, models.TriggerTimeout, "timeout expired while waiting for a claim")
		}
		return c.unavailable(ctx, t.ID, err)
	}

	_, err = c.reg.Claim(ctx, t.ID, claim)
	switch {
	case err == nil:
		c.logger.Info("claim accepted", "task", t.ID, "evidence", len(claim.Evidence))
		return nil
	case errors.Is(err, models.ErrIncompleteClaim),
		errors.Is(err, models.ErrNoNewEvidence),
		errors.Is(err, models.ErrCapExceeded),
		errors.Is(err, models.ErrInvalidTransition):
		// Already recorded as a state change; the next loop picks it up.
		return nil
	}
	return err
}

// unavailable records a failed claim round and waits before the next one
// unless the round escalated the task.
func (c *Coordinator) unavailable(ctx context.Context, id string, cause error) error {
	t, err := c.reg.ClaimUnavailable(ctx, id, cause.Error())
	if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrTaskNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if t.Status != models.TaskStatusInProgress {
		return nil
	}
	timer := time.NewTimer(c.retry)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunAttempt runs one audit attempt for a claimed task and reports its
// outcome. It never leaves the task in auditing unless ctx itself ends.
func (c *Coordinator) RunAttempt(ctx context.Context, id string) (outcome Outcome, err error) {
	ctx, span := startAttemptSpan(ctx, id)
	attempt := 0
	defer func() { endAttemptSpan(span, attempt, outcome, err) }()

	if err := c.gate.Wait(ctx); err != nil {
		if errors.Is(err, models.ErrSessionStopped) {
			c.stopped(ctx, id)
		}
		return "", err
	}
	t, err := c.reg.BeginAudit(ctx, id)
	if errors.Is(err, models.ErrCapExceeded) {
		return OutcomeNeedsHuman, nil
	}
	if err != nil {
		return "", err
	}
	attempt = t.AuditAttempts
	c.logger.Info("audit attempt started", "task", id, "attempt", attempt)

	deadline, timer := c.engine().Deadline(t, c.gate.StartedAt())
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if deadline.IsZero() {
		actx, cancel = context.WithCancel(ctx)
	} else {
		actx, cancel = context.WithDeadline(ctx, deadline)
	}
	defer cancel()

	served, final := 0, false
	for round := 0; ; round++ {
		cur, err := c.reg.Get(id)
		if err != nil {
			return "", err
		}
		if cur.Status != models.TaskStatusAuditing || cur.AuditAttempts != attempt {
			c.logger.Info("audit attempt closed externally", "task", id, "attempt", attempt, "status", cur.Status)
			return OutcomeOverridden, nil
		}
		if round > 0 {
			if err := c.gate.Wait(actx); err != nil {
				return c.interrupted(ctx, actx, id, attempt, timer, err)
			}
		}

		asmt, err := c.evaluate(actx, NewPacket(cur, c.tools, round, final))
		if err != nil {
			return c.interrupted(ctx, actx, id, attempt, timer, err)
		}

		switch {
		case asmt.Verdict != nil:
			v := c.validate(actx, cur, *asmt.Verdict)
			return c.apply(ctx, id, attempt, v, models.ActorAuditor)

		case asmt.FollowUp != nil && final:
			return c.apply(ctx, id, attempt, models.Verdict{
				Decision:  models.DecisionChangesRequested,
				Reasons:   []models.Reason{{Reason: "auditor requested more evidence after the final round"}},
				Downgrade: "no terminal verdict after the final round",
			}, models.ActorSystem)

		case asmt.FollowUp != nil && !c.engine().MayFollowUp(served):
			c.logger.Info("follow-up cap reached, forcing final verdict", "task", id, "attempt", attempt, "rounds", served)
			final = true

		case asmt.FollowUp != nil:
			req := *asmt.FollowUp
			resp, err := c.worker.RespondToFollowUp(actx, id, req)
			if err != nil {
				return c.interrupted(ctx, actx, id, attempt, timer, fmt.Errorf("%w: %v", models.ErrWorkerUnavailable, err))
			}
			after, err := c.reg.RecordFollowUp(ctx, id, attempt, req, resp)
			switch {
			case errors.Is(err, models.ErrNoNewEvidence):
				c.logger.Warn("follow-up response carried no new evidence", "task", id, "attempt", attempt)
				return outcomeOf(after), nil
			case errors.Is(err, models.ErrAttemptClosed):
				return OutcomeOverridden, nil
			case err != nil:
				return "", err
			}
			served++

		default:
			return c.interrupted(ctx, actx, id, attempt, timer,
				fmt.Errorf("%w: empty assessment", models.ErrAuditorUnavailable))
		}
	}
}

func (c *Coordinator) evaluate(ctx context.Context, p Packet) (Assessment, error) {
	ctx, span := startRoundSpan(ctx, p)
	asmt, err := c.auditor.Evaluate(ctx, p)
	endSpan(span, err)
	if err != nil && ctx.Err() == nil && !errors.Is(err, models.ErrAuditorUnavailable) {
		err = fmt.Errorf("%w: %v", models.ErrAuditorUnavailable, err)
	}
	return asmt, err
}

// validate downgrades an approval that is not backed by the submitted
// evidence or whose automatically checkable criteria do not pass when
// re-run here.
func (c *Coordinator) validate(ctx context.Context, t models.Task, v models.Verdict) models.Verdict {
	if v.Decision != models.DecisionApproved {
		return v
	}
	downgrade := func(reason string) models.Verdict {
		c.logger.Warn("approval downgraded", "task", t.ID, "reason", reason)
		v.Decision = models.DecisionChangesRequested
		v.Downgrade = reason
		v.RequiredActions = append(v.RequiredActions, reason)
		return v
	}

	if v.Confidence < 0 || v.Confidence > 1 {
		return downgrade(fmt.Sprintf("confidence %.2f outside [0,1]", v.Confidence))
	}
	if len(v.Reasons) == 0 {
		return downgrade("approval gave no reasons")
	}
	if len(v.Citations) == 0 {
		return downgrade("approval cited no evidence")
	}
	var evidence []models.Evidence
	if t.Claim != nil {
		evidence = t.Claim.Evidence
	}
	for _, ref := range v.Citations {
		if !cites(evidence, ref) {
			return downgrade(fmt.Sprintf("citation %q matches no submitted evidence", ref))
		}
	}

	for _, cr := range t.Criteria {
		if !c.suite.Supports(cr.Kind) {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, c.engine().Limits().ToolCallTimeout)
		res, err := c.suite.Check(cctx, cr, criteria.WorkingContext{Dir: c.workDir})
		cancel()
		if err != nil {
			return downgrade(fmt.Sprintf("acceptance criterion %s could not be checked: %v", cr.Kind, err))
		}
		if !res.Passed {
			return downgrade(fmt.Sprintf("acceptance criterion %s failed: %s", cr.Kind, res.Detail))
		}
		c.logger.Info("acceptance criterion passed", "task", t.ID, "kind", cr.Kind, "detail", res.Detail)
	}
	return v
}

func cites(evidence []models.Evidence, ref string) bool {
	for _, e := range evidence {
		if e.Matches(ref) {
			return true
		}
	}
	return false
}

func (c *Coordinator) apply(ctx context.Context, id string, attempt int, v models.Verdict, source models.Actor) (Outcome, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	after, err := c.reg.ApplyVerdict(wctx, id, attempt, v, source)
	if errors.Is(err, models.ErrVerdictOverridden) {
		return OutcomeOverridden, nil
	}
	if err != nil {
		return "", err
	}
	out := outcomeOf(after)
	c.logger.Info("verdict applied", "task", id, "attempt", attempt, "decision", v.Decision, "outcome", out)
	return out, nil
}

// interrupted converts a failed round into a blocked-equivalent signal. If
// ctx itself ended the attempt is left for the next run to recover.
func (c *Coordinator) interrupted(ctx, actx context.Context, id string, attempt int, timer safeguard.Timer, cause error) (Outcome, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if errors.Is(cause, models.ErrSessionStopped) {
		c.stopped(ctx, id)
		return OutcomeNeedsHuman, nil
	}

	signal, detail := safeguard.Timer(""), cause.Error()
	if errors.Is(actx.Err(), context.DeadlineExceeded) {
		signal, detail = timer, fmt.Sprintf("%s deadline exceeded", timer)
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	after, err := c.reg.AbortAudit(wctx, id, attempt, signal, detail)
	if errors.Is(err, models.ErrAttemptClosed) {
		return OutcomeOverridden, nil
	}
	if err != nil {
		return "", err
	}
	return outcomeOf(after), nil
}

func (c *Coordinator) stopped(ctx context.Context, id string) {
	if err := c.escalate(ctx, id, models.TriggerSessionStopped, "session stopped"); err != nil {
		c.logger.Warn("escalation on stop failed", "task", id, "error", err)
	}
}

func (c *Coordinator) escalate(ctx context.Context, id string, trigger models.EscalationTrigger, reason string) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	_, err := c.reg.Escalate(wctx, id, models.ActorSystem, trigger, reason)
	if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrTaskNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	c.logger.Warn("task escalated by coordinator", "task", id, "trigger", trigger, "reason", strings.TrimSpace(reason))
	return nil
}
