// Package deadline runs the periodic sweep that keeps workflows moving when
// an agent never answers: dispatched tasks past their timeout are failed,
// pending tasks are republished, and running workflows left without a task
// are dispatched again.
package deadline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/c360studio/semflow/errs"
	"github.com/c360studio/semflow/kv"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/reliability"
	"github.com/c360studio/semflow/workflow"
)

// Defaults applied by New.
const (
	DefaultSchedule = "@every 30s"
	DefaultGrace    = 30 * time.Second
)

// Dispatcher is the part of the dispatcher the sweeper drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, wf *workflow.Workflow) (*workflow.Task, error)
	Republish(ctx context.Context, task *workflow.Task) error
}

// Config configures a Sweeper.
type Config struct {
	// Schedule is a cron spec, e.g. "@every 30s".
	Schedule string
	// Grace is added to a task's timeout before it is failed, and is how
	// long a pending task or an idle stage may wait before it is retried.
	Grace time.Duration
}

// Deps holds the collaborators of a Sweeper.
type Deps struct {
	Engine     *workflow.Engine
	Workflows  workflow.Store
	Tasks      workflow.TaskStore
	Dispatcher Dispatcher
	// KV holds the sweep lock so only one instance sweeps at a time.
	KV      kv.Store
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Report counts what one sweep did.
type Report struct {
	TimedOut     int
	Republished  int
	Redispatched int
}

// Sweeper runs Sweep on a cron schedule.
type Sweeper struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New validates cfg and creates a Sweeper.
func New(cfg Config, deps Deps) (*Sweeper, error) {
	if deps.Engine == nil || deps.Workflows == nil || deps.Tasks == nil || deps.Dispatcher == nil {
		return nil, fmt.Errorf("deadline sweeper: engine, stores and dispatcher required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("deadline sweeper schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:  cfg,
		deps: deps,
		log:  logger.With("component", "deadline-sweeper"),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start schedules the sweep. Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("deadline sweeper already running")
	}

	runCtx := context.WithoutCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(runCtx); err != nil {
			s.log.Error("Deadline sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule deadline sweep: %w", err)
	}
	c.Start()
	s.cron = c

	s.log.Info("Deadline sweeper started", "schedule", s.cfg.Schedule, "grace", s.cfg.Grace)
	return nil
}

// Stop unschedules the sweep and waits for a running one to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		s.log.Info("Deadline sweeper stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop deadline sweeper: %w", ctx.Err())
	}
}

// Sweep runs one pass. When another instance holds the sweep lock it does
// nothing.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	if s.deps.KV != nil {
		release, err := reliability.TryLock(ctx, s.deps.KV, reliability.LockKey("deadline-sweeper"), s.cfg.Grace)
		if errors.Is(err, reliability.ErrLocked) {
			s.log.Debug("Sweep skipped, another instance holds the lock")
			return report, nil
		}
		if err != nil {
			return report, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("Failed to release sweep lock", "error", err)
			}
		}()
	}

	now := s.now()
	var sweepErrs []error

	timedOut, err := s.failOverdue(ctx, now)
	report.TimedOut = timedOut
	sweepErrs = append(sweepErrs, err)

	republished, err := s.republishPending(ctx, now)
	report.Republished = republished
	sweepErrs = append(sweepErrs, err)

	redispatched, err := s.redispatchIdle(ctx, now)
	report.Redispatched = redispatched
	sweepErrs = append(sweepErrs, err)

	if report != (Report{}) {
		s.log.Info("Deadline sweep acted",
			"timed_out", report.TimedOut,
			"republished", report.Republished,
			"redispatched", report.Redispatched)
	}
	return report, errors.Join(sweepErrs...)
}

// failOverdue fails the stage of every dispatched task past its deadline.
// The event is applied before the task is closed so a failed close is
// finished by the next sweep.
func (s *Sweeper) failOverdue(ctx context.Context, now time.Time) (int, error) {
	tasks, err := s.deps.Tasks.ListTasksByStatus(ctx, workflow.TaskStatusDispatched)
	if err != nil {
		return 0, fmt.Errorf("list dispatched tasks: %w", err)
	}

	count := 0
	for _, task := range tasks {
		deadline, ok := task.Deadline()
		if !ok || !now.After(deadline.Add(s.cfg.Grace)) {
			continue
		}

		msg := fmt.Sprintf("no result within %dms", task.TimeoutMS)
		_, err := s.deps.Engine.Apply(ctx, task.WorkflowID,
			workflow.StageFailed(task.Stage, errs.CodeTimeout, msg))
		if err != nil && !workflow.IsIgnorable(err) {
			s.log.Warn("Failed to time out stage",
				"workflow_id", task.WorkflowID,
				"task_id", task.ID,
				"stage", task.Stage,
				"error", err)
			continue
		}

		_, err = s.deps.Tasks.UpdateTask(ctx, task.ID,
			[]workflow.TaskStatus{workflow.TaskStatusDispatched},
			workflow.TaskStatusFailed,
			workflow.MarkTerminal(now, errs.CodeTimeout))
		if errors.Is(err, workflow.ErrTaskStatus) {
			// The result arrived first.
			continue
		}
		if err != nil {
			s.log.Warn("Failed to close timed out task", "task_id", task.ID, "error", err)
			continue
		}

		count++
		if s.deps.Metrics != nil {
			s.deps.Metrics.TasksTimedOutTotal.WithLabelValues(task.AgentType).Inc()
		}
		s.log.Warn("Task timed out",
			"workflow_id", task.WorkflowID,
			"task_id", task.ID,
			"stage", task.Stage,
			"agent_type", task.AgentType,
			"deadline", deadline)
	}
	return count, nil
}

// republishPending resends tasks stuck between create and publish.
func (s *Sweeper) republishPending(ctx context.Context, now time.Time) (int, error) {
	tasks, err := s.deps.Tasks.ListTasksByStatus(ctx, workflow.TaskStatusPending)
	if err != nil {
		return 0, fmt.Errorf("list pending tasks: %w", err)
	}

	count := 0
	for _, task := range tasks {
		if now.Sub(task.CreatedAt) <= s.cfg.Grace {
			continue
		}
		if err := s.deps.Dispatcher.Republish(ctx, task); err != nil {
			s.log.Warn("Failed to republish task", "task_id", task.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// redispatchIdle dispatches running workflows whose current stage has no
// open task, such as after a crash between commit and dispatch.
func (s *Sweeper) redispatchIdle(ctx context.Context, now time.Time) (int, error) {
	running, err := s.deps.Workflows.ListWorkflows(ctx, workflow.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running workflows: %w", err)
	}

	count := 0
	for _, wf := range running {
		if now.Sub(wf.UpdatedAt) <= s.cfg.Grace {
			continue
		}
		tasks, err := s.deps.Tasks.ListTasks(ctx, wf.ID)
		if err != nil {
			s.log.Warn("Failed to list workflow tasks", "workflow_id", wf.ID, "error", err)
			continue
		}
		if hasOpenTask(tasks, wf.CurrentStage) {
			continue
		}
		task, err := s.deps.Dispatcher.Dispatch(ctx, wf)
		if err != nil {
			s.log.Warn("Failed to redispatch stage", "workflow_id", wf.ID, "stage", wf.CurrentStage, "error", err)
			continue
		}
		if task != nil {
			count++
		}
	}
	return count, nil
}

func hasOpenTask(tasks []*workflow.Task, stage string) bool {
	for _, t := range tasks {
		if t.Stage == stage && !t.Status.IsTerminal() {
			return true
		}
	}
	return false
}
