package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"governance_engine/pkg/config"
	"governance_engine/pkg/utils"
)

// TaskStatus represents the current state of a scheduled task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusComplete  TaskStatus = "complete"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

var ErrTaskNotFound = errors.New("task not found")

// Task is one periodic piece of engine housekeeping
type Task struct {
	ID       string
	Name     string
	Schedule string
	// MaxRetries is the number of extra attempts after a failed run
	MaxRetries int
	// Timeout bounds one run including retries; zero uses the scheduler default
	Timeout     time.Duration
	ExecutionFn func(context.Context) error

	Status       TaskStatus
	Error        error
	RetryCount   int
	Runs         int64
	Failures     int64
	LastRun      time.Time
	LastDuration time.Duration
	NextRun      time.Time

	entryID cron.EntryID
}

// Stats summarizes every registered task
type Stats struct {
	Tasks    int
	Running  int
	Runs     int64
	Failures int64
	LastRun  time.Time
}

// Parser accepts standard five-field specs, six-field specs with seconds and
// descriptors such as "@every 30s"
var Parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler fires engine tasks on cron schedules through a bounded worker pool
type Scheduler struct {
	cron    *cron.Cron
	tasks   map[string]*Task
	config  *config.SchedConfig
	clock   clock.Clock
	logger  *zap.Logger
	workers chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	mu       sync.RWMutex
}

// cronLogger routes cron's internal logging into zap
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// NewScheduler creates a scheduler. Run timestamps come from clk while cron
// itself follows the wall clock.
func NewScheduler(cfg *config.SchedConfig, clk clock.Clock, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	clog := cronLogger{sugar: logger.Named("cron").Sugar()}

	workers := cfg.MaxConcurrent
	if workers <= 0 {
		workers = 1
	}

	return &Scheduler{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLogger(clog),
			cron.WithChain(cron.SkipIfStillRunning(clog)),
		),
		tasks:   make(map[string]*Task),
		config:  cfg,
		clock:   clk,
		logger:  logger,
		workers: make(chan struct{}, workers),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins firing scheduled tasks
func (s *Scheduler) Start() error {
	s.logger.Info("Starting scheduler", zap.Int("maxConcurrent", cap(s.workers)))
	s.cron.Start()
	return nil
}

// Stop cancels running tasks and waits for them to return. It is safe to
// call more than once.
func (s *Scheduler) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		s.cancel()
		<-s.cron.Stop().Done()
	})
	return nil
}

// ScheduleTask registers task under its cron schedule
func (s *Scheduler) ScheduleTask(task *Task) error {
	if err := validateTask(task); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}

	id, err := s.cron.AddFunc(task.Schedule, func() { s.execute(task) })
	if err != nil {
		return fmt.Errorf("scheduling task: %w", err)
	}
	task.entryID = id
	task.Status = TaskStatusPending
	task.NextRun = s.cron.Entry(id).Next
	s.tasks[task.ID] = task

	s.logger.Info("Task scheduled",
		zap.String("taskID", task.ID),
		zap.String("schedule", task.Schedule))
	return nil
}

// UnscheduleTask removes a task
func (s *Scheduler) UnscheduleTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	s.cron.Remove(task.entryID)
	delete(s.tasks, taskID)

	s.logger.Info("Task unscheduled", zap.String("taskID", taskID))
	return nil
}

// RunNow executes a task immediately and returns the outcome of that run
func (s *Scheduler) RunNow(taskID string) error {
	s.mu.RLock()
	task, exists := s.tasks[taskID]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return s.execute(task)
}

// GetTask returns a snapshot of a task
func (s *Scheduler) GetTask(taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return *task, nil
}

// ListTasks returns snapshots of every task
func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, *task)
	}
	return tasks
}

// Stats aggregates run counters across tasks
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Tasks: len(s.tasks)}
	for _, task := range s.tasks {
		if task.Status == TaskStatusRunning {
			stats.Running++
		}
		stats.Runs += task.Runs
		stats.Failures += task.Failures
		if task.LastRun.After(stats.LastRun) {
			stats.LastRun = task.LastRun
		}
	}
	return stats
}

func (s *Scheduler) execute(task *Task) error {
	select {
	case s.workers <- struct{}{}:
		defer func() { <-s.workers }()
	case <-s.ctx.Done():
		return s.ctx.Err()
	}

	s.mu.Lock()
	task.Status = TaskStatusRunning
	task.LastRun = s.clock.Now()
	timeout := task.Timeout
	s.mu.Unlock()

	if timeout <= 0 {
		timeout = s.config.TaskTimeout
	}
	ctx := s.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	attempts, err := s.runWithRetries(ctx, task)
	elapsed := time.Since(start)

	s.mu.Lock()
	task.Runs++
	task.RetryCount = attempts - 1
	task.LastDuration = elapsed
	task.Error = err
	switch {
	case err == nil:
		task.Status = TaskStatusComplete
	case s.ctx.Err() != nil:
		task.Status = TaskStatusCancelled
	default:
		task.Status = TaskStatusFailed
		task.Failures++
	}
	task.NextRun = s.cron.Entry(task.entryID).Next
	s.mu.Unlock()

	if err != nil && task.Status == TaskStatusFailed {
		s.logger.Warn("Task failed",
			zap.String("taskID", task.ID),
			zap.Int("attempts", attempts),
			zap.Error(err))
	} else {
		s.logger.Debug("Task finished",
			zap.String("taskID", task.ID),
			zap.Duration("duration", elapsed),
			zap.Error(err))
	}
	return err
}

// runWithRetries returns the number of attempts made and the final error
func (s *Scheduler) runWithRetries(ctx context.Context, task *Task) (int, error) {
	delay := s.config.RetryDelay
	retry := &utils.RetryConfig{
		MaxAttempts:   task.MaxRetries + 1,
		InitialDelay:  delay,
		MaxDelay:      delay * 8,
		BackoffFactor: 2,
		FatalErrors:   []error{context.Canceled, context.DeadlineExceeded},
	}

	attempts := 0
	err := utils.RetryWithBackoff(ctx, func() error {
		attempts++
		return s.invoke(ctx, task)
	}, retry)
	return attempts, err
}

// invoke runs the task function, converting a panic into an error
func (s *Scheduler) invoke(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in task",
				zap.String("taskID", task.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.ExecutionFn(ctx)
}

func validateTask(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if task.Schedule == "" {
		return fmt.Errorf("task schedule cannot be empty")
	}
	if task.ExecutionFn == nil {
		return fmt.Errorf("task execution function cannot be nil")
	}
	if task.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if _, err := Parser.Parse(task.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}
	return nil
}
