package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"governance_engine/pkg/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func setupTestScheduler(t *testing.T) *Scheduler {
	logger := zaptest.NewLogger(t)
	cfg := &config.SchedConfig{
		MaxConcurrent: 5,
		RetryDelay:    10 * time.Millisecond,
	}
	clk := clock.NewMock()
	clk.Set(epoch)

	scheduler := NewScheduler(cfg, clk, logger)
	require.NoError(t, scheduler.Start())
	t.Cleanup(func() { scheduler.Stop() })

	return scheduler
}

func noop(ctx context.Context) error { return nil }

func TestScheduleTask(t *testing.T) {
	scheduler := setupTestScheduler(t)

	t.Run("ValidTask", func(t *testing.T) {
		task := &Task{
			ID:          "monitor-scan",
			Name:        "Security scan",
			Schedule:    "@every 30s",
			MaxRetries:  3,
			ExecutionFn: noop,
		}

		err := scheduler.ScheduleTask(task)
		require.NoError(t, err)

		// Verify task was scheduled
		scheduledTask, err := scheduler.GetTask(task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.ID, scheduledTask.ID)
		assert.Equal(t, TaskStatusPending, scheduledTask.Status)
		assert.False(t, scheduledTask.NextRun.IsZero())
	})

	t.Run("AcceptedSpecFormats", func(t *testing.T) {
		for i, spec := range []string{"*/5 * * * *", "*/10 * * * * *", "@hourly"} {
			task := &Task{
				ID:          fmt.Sprintf("spec-%d", i),
				Schedule:    spec,
				ExecutionFn: noop,
			}
			assert.NoError(t, scheduler.ScheduleTask(task), spec)
		}
	})

	t.Run("InvalidSchedule", func(t *testing.T) {
		task := &Task{
			ID:          "bad-schedule",
			Schedule:    "invalid",
			ExecutionFn: noop,
		}

		err := scheduler.ScheduleTask(task)
		assert.Error(t, err)
	})

	t.Run("MissingFunction", func(t *testing.T) {
		err := scheduler.ScheduleTask(&Task{ID: "no-fn", Schedule: "@every 1m"})
		assert.Error(t, err)
	})

	t.Run("DuplicateTask", func(t *testing.T) {
		task := &Task{
			ID:          "session-sweep",
			Schedule:    "@every 5m",
			ExecutionFn: noop,
		}

		require.NoError(t, scheduler.ScheduleTask(task))
		assert.Error(t, scheduler.ScheduleTask(task))
	})

	t.Run("Unschedule", func(t *testing.T) {
		require.NoError(t, scheduler.UnscheduleTask("session-sweep"))
		_, err := scheduler.GetTask("session-sweep")
		assert.Error(t, err)
		assert.ErrorIs(t, scheduler.UnscheduleTask("session-sweep"), ErrTaskNotFound)
	})
}

func TestTaskExecution(t *testing.T) {
	scheduler := setupTestScheduler(t)

	t.Run("SuccessfulExecution", func(t *testing.T) {
		var runs int32
		task := &Task{
			ID:       "tick",
			Schedule: "@every 1h",
			ExecutionFn: func(ctx context.Context) error {
				atomic.AddInt32(&runs, 1)
				return nil
			},
		}
		require.NoError(t, scheduler.ScheduleTask(task))

		require.NoError(t, scheduler.RunNow(task.ID))

		scheduledTask, err := scheduler.GetTask(task.ID)
		require.NoError(t, err)
		assert.Equal(t, TaskStatusComplete, scheduledTask.Status)
		assert.Nil(t, scheduledTask.Error)
		assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
		assert.Equal(t, int64(1), scheduledTask.Runs)
		assert.Equal(t, epoch, scheduledTask.LastRun)
	})

	t.Run("FailedExecution", func(t *testing.T) {
		expectedErr := errors.New("execution failed")
		task := &Task{
			ID:         "failing",
			Schedule:   "@every 1h",
			MaxRetries: 1,
			ExecutionFn: func(ctx context.Context) error {
				return expectedErr
			},
		}
		require.NoError(t, scheduler.ScheduleTask(task))

		err := scheduler.RunNow(task.ID)
		assert.ErrorIs(t, err, expectedErr)

		scheduledTask, err := scheduler.GetTask(task.ID)
		require.NoError(t, err)
		assert.Equal(t, TaskStatusFailed, scheduledTask.Status)
		assert.ErrorIs(t, scheduledTask.Error, expectedErr)
		assert.Equal(t, 1, scheduledTask.RetryCount)
		assert.Equal(t, int64(1), scheduledTask.Failures)
	})

	t.Run("RetryThenSucceed", func(t *testing.T) {
		attempts := 0
		task := &Task{
			ID:         "flaky",
			Schedule:   "@every 1h",
			MaxRetries: 2,
			ExecutionFn: func(ctx context.Context) error {
				attempts++
				if attempts <= 2 {
					return errors.New("temporary failure")
				}
				return nil
			},
		}
		require.NoError(t, scheduler.ScheduleTask(task))

		require.NoError(t, scheduler.RunNow(task.ID))
		scheduledTask, err := scheduler.GetTask(task.ID)
		require.NoError(t, err)
		assert.Equal(t, TaskStatusComplete, scheduledTask.Status)
		assert.Equal(t, 2, scheduledTask.RetryCount)
	})

	t.Run("PanicRecovery", func(t *testing.T) {
		calls := 0
		task := &Task{
			ID:         "panicky",
			Schedule:   "@every 1h",
			MaxRetries: 1,
			ExecutionFn: func(ctx context.Context) error {
				calls++
				if calls == 1 {
					panic("unexpected panic")
				}
				return nil
			},
		}
		require.NoError(t, scheduler.ScheduleTask(task))

		require.NoError(t, scheduler.RunNow(task.ID))
		scheduledTask, err := scheduler.GetTask(task.ID)
		require.NoError(t, err)
		assert.Equal(t, TaskStatusComplete, scheduledTask.Status)
		assert.Equal(t, 1, scheduledTask.RetryCount)
	})

	t.Run("Timeout", func(t *testing.T) {
		task := &Task{
			ID:       "slow",
			Schedule: "@every 1h",
			Timeout:  20 * time.Millisecond,
			ExecutionFn: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		}
		require.NoError(t, scheduler.ScheduleTask(task))

		err := scheduler.RunNow(task.ID)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestCronTriggersTask(t *testing.T) {
	scheduler := setupTestScheduler(t)

	executed := make(chan struct{}, 4)
	task := &Task{
		ID:       "every-second",
		Schedule: "* * * * * *",
		ExecutionFn: func(ctx context.Context) error {
			select {
			case executed <- struct{}{}:
			default:
			}
			return nil
		},
	}
	require.NoError(t, scheduler.ScheduleTask(task))

	select {
	case <-executed:
	case <-time.After(3 * time.Second):
		t.Fatal("Task execution timeout")
	}
}

func TestSchedulerStats(t *testing.T) {
	scheduler := setupTestScheduler(t)

	require.NoError(t, scheduler.ScheduleTask(&Task{
		ID:          "ok",
		Schedule:    "@every 1h",
		ExecutionFn: noop,
	}))
	require.NoError(t, scheduler.ScheduleTask(&Task{
		ID:       "bad",
		Schedule: "@every 1h",
		ExecutionFn: func(ctx context.Context) error {
			return errors.New("task failed")
		},
	}))

	require.NoError(t, scheduler.RunNow("ok"))
	require.NoError(t, scheduler.RunNow("ok"))
	require.Error(t, scheduler.RunNow("bad"))
	assert.ErrorIs(t, scheduler.RunNow("missing"), ErrTaskNotFound)

	stats := scheduler.Stats()
	assert.Equal(t, 2, stats.Tasks)
	assert.Equal(t, int64(3), stats.Runs)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Zero(t, stats.Running)
	assert.Equal(t, epoch, stats.LastRun)
	assert.Len(t, scheduler.ListTasks(), 2)
}

func TestSchedulerGracefulShutdown(t *testing.T) {
	scheduler := NewScheduler(&config.SchedConfig{MaxConcurrent: 2}, clock.New(), zaptest.NewLogger(t))
	require.NoError(t, scheduler.Start())

	started := make(chan struct{})
	task := &Task{
		ID:       "long",
		Schedule: "* * * * * *",
		ExecutionFn: func(ctx context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}
	require.NoError(t, scheduler.ScheduleTask(task))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}

	done := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Scheduler shutdown timeout")
	}

	// Stop is idempotent
	assert.NoError(t, scheduler.Stop())

	final, err := scheduler.GetTask("long")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCancelled, final.Status)
}
