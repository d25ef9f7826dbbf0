// Package registry owns task state for attest.
//
// Every mutation of a task runs inside that task's exclusive section, is
// appended to the audit log, and only then becomes visible to readers. The
// in-memory state is nothing more than the fold of the committed events, so
// Replay over the same log yields the same tasks.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/attest/internal/audit"
	"github.com/fentz26/attest/internal/models"
	"github.com/fentz26/attest/internal/safeguard"
)

// ErrEmptyContent is returned when a task is created or edited without content.
var ErrEmptyContent = errors.New("task content is required")

// Options configures a Registry.
type Options struct {
	Clock  audit.Clock
	Logger *slog.Logger
	NewID  func() string
}

// Registry is the single serialized entry point for task mutations.
type Registry struct {
	log    audit.Log
	engine *safeguard.Engine
	clock  audit.Clock
	logger *slog.Logger
	newID  func() string

	mu    sync.RWMutex
	tasks map[string]*models.Task
	roots []string

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	// commitMu makes append+apply atomic so replay order equals live order.
	commitMu sync.Mutex

	obsMu     sync.RWMutex
	observers []func(models.Task)
}

// New creates an empty registry writing to log.
func New(log audit.Log, engine *safeguard.Engine, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = audit.SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Registry{
		log:    log,
		engine: engine,
		clock:  opts.Clock,
		logger: opts.Logger.With("component", "registry"),
		newID:  opts.NewID,
		tasks:  make(map[string]*models.Task),
		locks:  make(map[string]chan struct{}),
	}
}

// Replay rebuilds a registry from every event in log.
func Replay(ctx context.Context, log audit.Log, engine *safeguard.Engine, opts Options) (*Registry, error) {
	r := New(log, engine, opts)
	events, err := log.Events(ctx, audit.Filter{})
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	r.mu.Lock()
	for _, ev := range events {
		r.apply(ev)
	}
	r.mu.Unlock()
	r.logger.Info("registry replayed", "events", len(events), "tasks", len(r.tasks))
	return r, nil
}

// Engine returns the safeguard engine the registry consults.
func (r *Registry) Engine() *safeguard.Engine {
	return r.engine
}

// OnEscalation registers fn to be called after a task enters needs_human.
// fn runs outside the task's exclusive section.
func (r *Registry) OnEscalation(fn func(models.Task)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, fn)
}

// acquire enters the exclusive section for id. Callers block until the
// section is free; if ctx ends first they get ErrTaskBusy.
func (r *Registry) acquire(ctx context.Context, id string) (func(), error) {
	r.locksMu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		r.locks[id] = l
	}
	r.locksMu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", models.ErrTaskBusy, id, ctx.Err())
	}
}

// change describes the event a mutation wants to record.
type change struct {
	actor   models.Actor
	action  string
	payload map[string]string
	// err is returned to the caller once the event has committed.
	err error
	// skip means there is nothing to record.
	skip bool
	// remove records the task's deletion.
	remove bool
}

// mutate runs fn on a private copy of task id inside its exclusive section
// and commits the result. If fn fails or the log write fails, nothing changes.
func (r *Registry) mutate(ctx context.Context, id string, fn func(t *models.Task, now time.Time) (change, error)) (models.Task, error) {
	release, err := r.acquire(ctx, id)
	if err != nil {
		return models.Task{}, err
	}
	before, ok := r.snapshot(id)
	if !ok {
		release()
		return models.Task{}, fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}

	t := before.Clone()
	ch, err := fn(t, r.clock().UTC())
	if err != nil || ch.skip {
		release()
		if err == nil {
			err = ch.err
		}
		return *before, err
	}

	ev := models.AuditEvent{
		TaskID:  id,
		Actor:   ch.actor,
		Action:  ch.action,
		Before:  before,
		After:   t,
		Payload: ch.payload,
	}
	if ch.remove {
		ev.After = nil
	}
	after, err := r.commit(ctx, ev)
	release()
	if err != nil {
		return *before, err
	}
	if after == nil {
		return *before, ch.err
	}
	r.afterCommit(ctx, *before, *after)
	return *after, ch.err
}

// commit appends ev and applies the persisted record. It returns the task as
// it stands after the event, or nil if the task no longer exists.
func (r *Registry) commit(ctx context.Context, ev models.AuditEvent) (*models.Task, error) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	// The task (or, for a create, its parent) may have been removed along
	// with an ancestor since the caller took its snapshot.
	mustExist := ev.TaskID
	if ev.Action == models.ActionTaskCreate {
		mustExist = ev.After.ParentID
	}
	if mustExist != "" {
		r.mu.RLock()
		_, ok := r.tasks[mustExist]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", models.ErrTaskNotFound, mustExist)
		}
	}

	written, err := r.log.Append(ctx, ev)
	if err != nil {
		r.logger.Error("audit log append failed", "task", ev.TaskID, "action", ev.Action, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", models.ErrLogWriteFailure, ev.Action, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.apply(written)
	return r.tasks[ev.TaskID].Clone(), nil
}

func (r *Registry) afterCommit(ctx context.Context, before, after models.Task) {
	if after.Status == needsHuman && before.Status != needsHuman {
		reason := ""
		if after.Escalation != nil {
			reason = after.Escalation.Reason
		}
		r.logger.Info("task escalated", "task", after.ID, "reason", reason)
		r.obsMu.RLock()
		observers := append([]func(models.Task){}, r.observers...)
		r.obsMu.RUnlock()
		for _, fn := range observers {
			fn(after)
		}
	}
	if after.Status == verified && before.Status != verified && after.ParentID != "" {
		vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := r.Verify(vctx, after.ParentID); err != nil && !errors.Is(err, models.ErrTaskNotFound) {
			r.logger.Warn("parent verification failed", "task", after.ParentID, "error", err)
		}
	}
}

// apply folds one committed event into the in-memory state. Callers hold mu.
// Structure (children and root order) changes only on create, delete and
// reorder; every other event replaces the task's record but keeps its
// current children.
func (r *Registry) apply(ev models.AuditEvent) {
	if ev.TaskID == "" {
		return
	}
	switch ev.Action {
	case models.ActionTaskCreate:
		if ev.After == nil {
			return
		}
		t := ev.After.Clone()
		t.Children = nil
		r.tasks[t.ID] = t
		if p, ok := r.tasks[t.ParentID]; ok && t.ParentID != "" {
			p.Children = append(p.Children, t.ID)
		} else {
			r.roots = append(r.roots, t.ID)
		}
	case models.ActionTaskDelete:
		r.remove(ev.TaskID)
	case models.ActionTaskReorder:
		idx, _ := strconv.Atoi(ev.Payload["index"])
		r.reposition(ev.TaskID, idx)
	default:
		cur, ok := r.tasks[ev.TaskID]
		if !ok || ev.After == nil {
			return
		}
		t := ev.After.Clone()
		t.Children = cur.Children
		r.tasks[ev.TaskID] = t
	}
}

func (r *Registry) siblings(id string) *[]string {
	t, ok := r.tasks[id]
	if !ok {
		return nil
	}
	if p, ok := r.tasks[t.ParentID]; ok && t.ParentID != "" {
		return &p.Children
	}
	return &r.roots
}

func (r *Registry) remove(id string) {
	if s := r.siblings(id); s != nil {
		*s = without(*s, id)
	}
	var drop func(string)
	drop = func(id string) {
		t, ok := r.tasks[id]
		if !ok {
			return
		}
		for _, c := range t.Children {
			drop(c)
		}
		delete(r.tasks, id)
	}
	drop(id)
}

func (r *Registry) reposition(id string, idx int) {
	s := r.siblings(id)
	if s == nil {
		return
	}
	rest := without(*s, id)
	idx = clamp(idx, len(rest))
	out := make([]string, 0, len(rest)+1)
	out = append(out, rest[:idx]...)
	out = append(out, id)
	out = append(out, rest[idx:]...)
	*s = out
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func clamp(idx, n int) int {
	if idx < 0 {
		return 0
	}
	if idx > n {
		return n
	}
	return idx
}

func (r *Registry) snapshot(id string) (*models.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// childrenVerified reports whether every child of t is verified.
func (r *Registry) childrenVerified(t *models.Task) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.tasks[t.ID]
	if !ok {
		return false
	}
	for _, c := range cur.Children {
		child, ok := r.tasks[c]
		if !ok || child.Status != verified {
			return false
		}
	}
	return true
}

// Get returns a copy of task id.
func (r *Registry) Get(id string) (models.Task, error) {
	t, ok := r.snapshot(id)
	if !ok {
		return models.Task{}, fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	return *t, nil
}

// ListFilter selects tasks. Zero fields match everything.
type ListFilter struct {
	Statuses []models.TaskStatus
	ParentID string
	RootOnly bool
}

func (f ListFilter) match(t *models.Task) bool {
	if f.RootOnly && t.ParentID != "" {
		return false
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

// List returns matching tasks depth-first in sibling order, so a parent
// always precedes its children.
func (r *Registry) List(f ListFilter) []models.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Task
	var walk func(ids []string)
	walk = func(ids []string) {
		for _, id := range ids {
			t, ok := r.tasks[id]
			if !ok {
				continue
			}
			if f.match(t) {
				out = append(out, *t.Clone())
			}
			walk(t.Children)
		}
	}
	walk(r.roots)
	return out
}

// Escalations returns every task currently in needs_human, oldest first.
func (r *Registry) Escalations() []models.Task {
	tasks := r.List(ListFilter{Statuses: []models.TaskStatus{needsHuman}})
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].StatusChangedAt.Before(tasks[j].StatusChangedAt)
	})
	return tasks
}
