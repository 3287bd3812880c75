// Package executor runs scheduled prompt tasks when their works fire.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/model"
	"github.com/t77yq/promptcron/internal/notify"
	"github.com/t77yq/promptcron/internal/scheduler"
	"github.com/t77yq/promptcron/internal/storage"
)

const (
	defaultTimeout          = 30 * time.Minute
	defaultErrorLimit       = 8000
	defaultStatusErrorLimit = 200

	successFallback = "Task completed"
	failureFallback = "Task failed"
	unknownError    = "unknown error"
)

// Pipeline executes the prompt of a task
type Pipeline interface {
	Execute(ctx context.Context, task model.ScheduledTask, opts model.ExecutionOptions) (model.ReplySummary, error)
}

// Config defines configuration for the executor
type Config struct {
	Timeout          time.Duration
	ErrorLimit       int
	StatusErrorLimit int
	Retention        int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.ErrorLimit <= 0 {
		c.ErrorLimit = defaultErrorLimit
	}
	if c.StatusErrorLimit <= 0 {
		c.StatusErrorLimit = defaultStatusErrorLimit
	}
	if c.Retention <= 0 {
		c.Retention = storage.DefaultRetention
	}
	return c
}

// TaskExecutor runs one task per firing and records the outcome in the
// ledger and on the task itself
type TaskExecutor struct {
	logger   *zap.Logger
	store    storage.SettingsStore
	ledger   storage.RunLedger
	pipeline Pipeline
	notifier notify.Notifier
	config   Config
	now      func() time.Time
}

// Option configures a TaskExecutor
type Option func(*TaskExecutor)

// WithClock overrides the executor clock
func WithClock(now func() time.Time) Option {
	return func(e *TaskExecutor) { e.now = now }
}

// NewTaskExecutor creates a new executor. A nil notifier disables notifications.
func NewTaskExecutor(
	store storage.SettingsStore,
	ledger storage.RunLedger,
	pipeline Pipeline,
	notifier notify.Notifier,
	config Config,
	logger *zap.Logger,
	opts ...Option,
) *TaskExecutor {
	if notifier == nil {
		notifier = notify.NoOpNotifier{}
	}
	e := &TaskExecutor{
		logger:   logger.Named("executor"),
		store:    store,
		ledger:   ledger,
		pipeline: pipeline,
		notifier: notifier,
		config:   config.withDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute implements scheduler.Worker
func (e *TaskExecutor) Execute(ctx context.Context, firing scheduler.Firing) scheduler.Result {
	taskID := firing.TaskID
	if taskID == "" {
		taskID, _ = scheduler.TaskIDFromTags(firing.Tags)
	}
	e.logger.Info("Executing scheduled task",
		zap.String("task_id", taskID),
		zap.String("kind", firing.Kind),
		zap.Int("attempt", firing.Attempt))

	_, result := e.Run(ctx, taskID)
	return result
}

// Run executes the task once. It returns the closed run record, or nil when
// the task was skipped or the run could not be opened.
func (e *TaskExecutor) Run(ctx context.Context, taskID string) (*model.RunRecord, scheduler.Result) {
	settings, err := e.store.Snapshot(ctx)
	if err != nil {
		e.logger.Error("Failed to read settings", zap.String("task_id", taskID), zap.Error(err))
		return nil, scheduler.ResultRetry
	}

	task, ok := settings.FindTask(taskID)
	if !ok || !task.Eligible() {
		e.logger.Info("Task is no longer eligible, skipping", zap.String("task_id", taskID))
		return nil, scheduler.ResultSuccess
	}

	run, err := e.open(ctx, settings, task)
	if err != nil {
		e.logger.Error("Failed to open run", zap.String("task_id", taskID), zap.Error(err))
		return nil, scheduler.ResultRetry
	}

	execCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	summary, execErr := e.pipeline.Execute(execCtx, task, ResolveOptions(settings, task))
	cancel()
	if errors.Is(execErr, context.DeadlineExceeded) {
		execErr = fmt.Errorf("execution timed out after %s: %w", e.config.Timeout, execErr)
	}

	if execErr != nil {
		e.fail(ctx, task, run, execErr)
		return run, scheduler.ResultRetry
	}
	e.succeed(ctx, task, run, summary)
	return run, scheduler.ResultSuccess
}

// open inserts the RUNNING record and marks the task as running.
func (e *TaskExecutor) open(ctx context.Context, settings model.Settings, task model.ScheduledTask) (*model.RunRecord, error) {
	assistantID := task.AssistantID
	if assistantID == "" {
		assistantID = settings.Assistant.ID
	}
	run := &model.RunRecord{
		ID:                  uuid.New().String(),
		TaskID:              task.ID,
		TaskTitleSnapshot:   task.DisplayTitle(),
		AssistantIDSnapshot: assistantID,
		Status:              model.RunStatusRunning,
		StartedAt:           e.now().UnixMilli(),
		PromptSnapshot:      task.Prompt,
	}
	if err := e.ledger.Insert(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}

	e.updateTask(ctx, task.ID, func(t model.ScheduledTask) model.ScheduledTask {
		t.LastStatus = model.TaskStatusRunning
		t.LastError = ""
		t.LastRunID = run.ID
		return t
	})
	return run, nil
}

func (e *TaskExecutor) succeed(ctx context.Context, task model.ScheduledTask, run *model.RunRecord, summary model.ReplySummary) {
	e.close(run)
	run.Status = model.RunStatusSuccess
	run.ResultText = summary.ReplyText
	run.ModelIDSnapshot = summary.ModelID
	run.ProviderNameSnapshot = summary.ProviderName
	if err := e.ledger.Finish(ctx, run); err != nil {
		e.logger.Error("Failed to finish run", zap.String("run_id", run.ID), zap.Error(err))
	}

	e.updateTask(ctx, task.ID, func(t model.ScheduledTask) model.ScheduledTask {
		t.LastStatus = model.TaskStatusSuccess
		t.LastRunAt = run.StartedAt
		t.LastError = ""
		return t
	})
	e.prune(ctx, task.ID)

	e.logger.Info("Scheduled task succeeded",
		zap.String("task_id", task.ID),
		zap.String("run_id", run.ID),
		zap.Int64("duration_ms", run.DurationMs))

	body := summary.ReplyPreview
	if body == "" {
		body = successFallback
	}
	e.notify(ctx, notify.Notification{
		TaskID: task.ID,
		RunID:  run.ID,
		Level:  notify.LevelSuccess,
		Title:  "Scheduled task finished: " + task.DisplayTitle(),
		Body:   body,
	})
}

func (e *TaskExecutor) fail(ctx context.Context, task model.ScheduledTask, run *model.RunRecord, execErr error) {
	message := execErr.Error()
	if message == "" {
		message = unknownError
	}

	e.close(run)
	run.Status = model.RunStatusFailed
	run.ErrorText = truncate(message, e.config.ErrorLimit)
	if err := e.ledger.Finish(ctx, run); err != nil {
		e.logger.Error("Failed to finish run", zap.String("run_id", run.ID), zap.Error(err))
	}

	e.updateTask(ctx, task.ID, func(t model.ScheduledTask) model.ScheduledTask {
		t.LastStatus = model.TaskStatusFailed
		t.LastRunAt = run.StartedAt
		t.LastError = truncate(message, e.config.StatusErrorLimit)
		return t
	})
	e.prune(ctx, task.ID)

	e.logger.Error("Scheduled task failed",
		zap.String("task_id", task.ID),
		zap.String("run_id", run.ID),
		zap.Error(execErr))

	e.notify(ctx, notify.Notification{
		TaskID: task.ID,
		RunID:  run.ID,
		Level:  notify.LevelFailure,
		Title:  "Scheduled task failed: " + task.DisplayTitle(),
		Body:   message,
	})
}

func (e *TaskExecutor) close(run *model.RunRecord) {
	run.FinishedAt = e.now().UnixMilli()
	run.DurationMs = run.FinishedAt - run.StartedAt
	if run.DurationMs < 0 {
		run.DurationMs = 0
	}
}

func (e *TaskExecutor) updateTask(ctx context.Context, taskID string, transform func(model.ScheduledTask) model.ScheduledTask) {
	if err := storage.UpdateTask(ctx, e.store, taskID, transform); err != nil {
		e.logger.Warn("Failed to update task", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (e *TaskExecutor) prune(ctx context.Context, taskID string) {
	deleted, err := e.ledger.Prune(ctx, taskID, e.config.Retention)
	if err != nil {
		e.logger.Warn("Failed to prune runs", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if deleted > 0 {
		e.logger.Debug("Pruned runs", zap.String("task_id", taskID), zap.Int64("deleted", deleted))
	}
}

// notify sends n when task notifications are enabled in the latest settings.
func (e *TaskExecutor) notify(ctx context.Context, n notify.Notification) {
	settings, err := e.store.Snapshot(ctx)
	if err != nil || !settings.EnableTaskNotification {
		return
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("Failed to send notification", zap.String("task_id", n.TaskID), zap.Error(err))
	}
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
