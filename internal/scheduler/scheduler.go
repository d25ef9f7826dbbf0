package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/attest/internal/models"
	"github.com/fentz26/attest/internal/registry"
)

// Driver moves one task forward until it needs no more automated work.
type Driver interface {
	Drive(ctx context.Context, id string) error
}

// Lister is the registry view the scheduler polls.
type Lister interface {
	List(f registry.ListFilter) []models.Task
}

// drivable are the statuses that still have automated work to do.
var drivable = []models.TaskStatus{
	models.TaskStatusInProgress,
	models.TaskStatusClaimed,
	models.TaskStatusAuditing,
}

// Stats is a snapshot of scheduler activity.
type Stats struct {
	ActiveWorkers int      `json:"active_workers"`
	GlobalMax     int      `json:"global_max"`
	Driving       []string `json:"driving"`
	Dispatched    int64    `json:"dispatched"`
}

// Scheduler runs a Driver for every drivable task, at most one driver per
// task and at most GlobalMax at once.
type Scheduler struct {
	tasks  Lister
	driver Driver
	config *Config
	logger *slog.Logger

	// Worker pool state
	mu         sync.Mutex
	active     map[string]struct{}
	dispatched int64

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}
}

// New creates a new scheduler.
func New(tasks Lister, driver Driver, cfg *Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	c.normalize()
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		tasks:  tasks,
		driver: driver,
		config: &c,
		logger: logger.With("component", "scheduler"),
		active: make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
	}
}

// Start begins the scheduler loop.
func (sch *Scheduler) Start() {
	sch.wg.Add(1)
	go sch.schedulerLoop()
	sch.logger.Info("scheduler started", "global_max", sch.config.GlobalMax, "poll_interval", sch.config.PollInterval)
}

// Stop cancels running drivers and waits for them to return.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	sch.logger.Info("scheduler stopped")
}

// Kick requests an immediate poll, e.g. after a task was started.
func (sch *Scheduler) Kick() {
	select {
	case sch.kick <- struct{}{}:
	default:
	}
}

func (sch *Scheduler) schedulerLoop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.PollInterval)
	defer ticker.Stop()

	for {
		sch.pollAndDispatch()
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
		case <-sch.kick:
		}
	}
}

// pollAndDispatch starts drivers for drivable tasks up to capacity. Tasks
// that have waited longest since their last status change go first.
func (sch *Scheduler) pollAndDispatch() {
	candidates := sch.tasks.List(registry.ListFilter{Statuses: drivable})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].StatusChangedAt.Before(candidates[j].StatusChangedAt)
	})

	for _, t := range candidates {
		if sch.ctx.Err() != nil {
			return
		}
		sch.mu.Lock()
		if len(sch.active) >= sch.config.GlobalMax {
			sch.mu.Unlock()
			return
		}
		if _, busy := sch.active[t.ID]; busy {
			sch.mu.Unlock()
			continue
		}
		sch.active[t.ID] = struct{}{}
		sch.dispatched++
		sch.mu.Unlock()

		sch.logger.Info("dispatched task", "task", t.ID, "status", t.Status)
		sch.wg.Add(1)
		go sch.runDriver(t.ID)
	}
}

func (sch *Scheduler) runDriver(id string) {
	defer sch.wg.Done()
	err := sch.driver.Drive(sch.ctx, id)

	sch.mu.Lock()
	delete(sch.active, id)
	sch.mu.Unlock()

	switch {
	case err == nil:
		sch.logger.Debug("driver finished", "task", id)
		// A slot is free; failed drivers wait for the next tick instead.
		sch.Kick()
	case errors.Is(err, context.Canceled) && sch.ctx.Err() != nil:
		sch.logger.Info("driver interrupted", "task", id)
	case errors.Is(err, models.ErrSessionStopped):
		sch.logger.Info("driver halted by session stop", "task", id)
	default:
		sch.logger.Error("driver failed", "task", id, "error", err)
	}
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	driving := make([]string, 0, len(sch.active))
	for id := range sch.active {
		driving = append(driving, id)
	}
	sort.Strings(driving)

	return Stats{
		ActiveWorkers: len(sch.active),
		GlobalMax:     sch.config.GlobalMax,
		Driving:       driving,
		Dispatched:    sch.dispatched,
	}
}
