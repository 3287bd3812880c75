package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/model"
	"github.com/t77yq/promptcron/internal/recurrence"
	"github.com/t77yq/promptcron/internal/storage"
)

// InterruptedError is stored on a task whose run vanished without reporting back.
const InterruptedError = "interrupted"

// armSlack absorbs the gap between the reconciler clock and the scheduler
// clock when comparing an armed trigger with the computed one.
const armSlack = 2 * time.Second

// Reconciler keeps the scheduler's works in line with the eligible tasks in settings
type Reconciler struct {
	logger          *zap.Logger
	store           storage.SettingsStore
	scheduler       Scheduler
	now             func() time.Time
	minInitialDelay time.Duration

	mu       sync.Mutex
	lastSeen map[string]struct{}
	started  atomic.Bool
}

// ReconcilerOption configures a Reconciler
type ReconcilerOption func(*Reconciler)

// WithNow overrides the reconciler clock
func WithNow(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// WithMinInitialDelay overrides the floor applied to the first trigger delay
func WithMinInitialDelay(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.minInitialDelay = d }
}

// NewReconciler creates a new reconciler
func NewReconciler(store storage.SettingsStore, scheduler Scheduler, logger *zap.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		logger:          logger.Named("reconciler"),
		store:           store,
		scheduler:       scheduler,
		now:             time.Now,
		minInitialDelay: recurrence.MinInitialDelay,
		lastSeen:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start observes settings and reconciles on every snapshot. Calling it again is a no-op.
func (r *Reconciler) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	updates := r.store.Subscribe(ctx)

	go func() {
		r.logger.Info("Observing settings")
		for settings := range updates {
			r.safeReconcile(ctx, settings)
		}
		r.logger.Info("Stopped observing settings")
	}()
}

func (r *Reconciler) safeReconcile(ctx context.Context, settings model.Settings) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Reconcile panicked", zap.Any("panic", p))
		}
	}()
	if err := r.Reconcile(ctx, settings); err != nil {
		r.logger.Warn("Reconcile finished with errors", zap.Error(err))
	}
}

// ReconcileCurrent reads the latest settings and reconciles them
func (r *Reconciler) ReconcileCurrent(ctx context.Context) error {
	settings, err := r.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	return r.Reconcile(ctx, settings)
}

// Reconcile cancels the works of tasks that are no longer eligible, re-registers
// the periodic work of every eligible task and enqueues owed catch-up runs.
// A failing scheduler call is logged and the pass goes on with the next task.
func (r *Reconciler) Reconcile(ctx context.Context, settings model.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	eligible := make(map[string]model.ScheduledTask)
	for _, task := range settings.EligibleTasks() {
		eligible[task.ID] = task
	}

	var errs []error

	for id := range r.staleTaskIDs(ctx, eligible) {
		if err := r.scheduler.CancelByTag(ctx, TaskTag(id)); err != nil {
			r.logger.Error("Failed to cancel works", zap.String("task_id", id), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		r.logger.Info("Cancelled works of ineligible task", zap.String("task_id", id))
	}

	for _, task := range eligible {
		if err := r.registerPeriodic(ctx, task, now); err != nil {
			r.logger.Error("Failed to register periodic work", zap.String("task_id", task.ID), zap.Error(err))
			errs = append(errs, err)
		}

		if task.LastStatus == model.TaskStatusRunning {
			r.reapIfAbandoned(ctx, task)
			continue
		}

		if recurrence.ShouldRunCatchUp(task, now) {
			if err := r.enqueueExecution(ctx, task.ID, KindCatchUp); err != nil {
				r.logger.Error("Failed to enqueue catch-up", zap.String("task_id", task.ID), zap.Error(err))
				errs = append(errs, err)
			}
		}
	}

	r.lastSeen = make(map[string]struct{}, len(eligible))
	for id := range eligible {
		r.lastSeen[id] = struct{}{}
	}

	r.logger.Debug("Reconciled", zap.Int("eligible", len(eligible)), zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// OnExternalTriggerFired handles a periodic firing: it re-arms the next
// periodic work and then enqueues one execution.
func (r *Reconciler) OnExternalTriggerFired(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	settings, err := r.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}

	task, ok := settings.FindTask(taskID)
	if !ok || !task.Eligible() {
		r.logger.Info("Trigger fired for ineligible task, cancelling", zap.String("task_id", taskID))
		return r.scheduler.CancelByTag(ctx, TaskTag(taskID))
	}

	if err := r.registerPeriodic(ctx, task, r.now()); err != nil {
		return err
	}
	return r.enqueueExecution(ctx, taskID, KindTriggered)
}

// PeriodicWorker returns the worker that handles periodic firings
func (r *Reconciler) PeriodicWorker() Worker {
	return WorkerFunc(func(ctx context.Context, firing Firing) Result {
		taskID := firing.TaskID
		if taskID == "" {
			taskID, _ = TaskIDFromTags(firing.Tags)
		}
		if err := r.OnExternalTriggerFired(ctx, taskID); err != nil {
			r.logger.Error("Failed to handle trigger", zap.String("task_id", taskID), zap.Error(err))
		}
		return ResultSuccess
	})
}

func (r *Reconciler) staleTaskIDs(ctx context.Context, eligible map[string]model.ScheduledTask) map[string]struct{} {
	stale := make(map[string]struct{})
	for id := range r.lastSeen {
		stale[id] = struct{}{}
	}

	works, err := r.scheduler.EnumerateByTag(ctx, TagScheduledPrompt)
	if err != nil {
		r.logger.Warn("Failed to enumerate works", zap.Error(err))
	}
	for _, w := range works {
		id := w.TaskID
		if id == "" {
			id, _ = TaskIDFromTags(w.Tags)
		}
		if id != "" {
			stale[id] = struct{}{}
		}
	}

	for id := range eligible {
		delete(stale, id)
	}
	return stale
}

// registerPeriodic arms the periodic work of task. A work already armed for
// the upcoming trigger is left alone, so repeated passes do not push a trigger
// that is due within the floor further out.
func (r *Reconciler) registerPeriodic(ctx context.Context, task model.ScheduledTask, now time.Time) error {
	period := recurrence.Period(task.Recurrence)
	delay := recurrence.InitialDelayWithFloor(task.Recurrence, now, r.minInitialDelay)
	next := recurrence.NextTriggerAt(task.Recurrence, now)
	if r.periodicArmed(ctx, task.ID, period, next, now.Add(delay)) {
		return nil
	}

	return r.scheduler.ScheduleRecurring(ctx, RecurringSpec{
		Key:          WorkKey(KindPeriodic, task.ID),
		Kind:         KindPeriodic,
		TaskID:       task.ID,
		Tags:         TaskTags(task.ID),
		Period:       period,
		InitialDelay: delay,
		Policy:       PolicyReplace,
	})
}

// periodicArmed reports whether the task's periodic work has the given period
// and fires no earlier than next and no later than latest.
func (r *Reconciler) periodicArmed(ctx context.Context, taskID string, period time.Duration, next, latest time.Time) bool {
	works, err := r.scheduler.EnumerateByTag(ctx, TaskTag(taskID))
	if err != nil {
		return false
	}
	key := WorkKey(KindPeriodic, taskID)
	for _, w := range works {
		if w.Key != key || w.Period != period || w.NextRunAt.IsZero() {
			continue
		}
		if w.NextRunAt.Before(next.Add(-armSlack)) || w.NextRunAt.After(latest.Add(armSlack)) {
			return false
		}
		return true
	}
	return false
}

func (r *Reconciler) enqueueExecution(ctx context.Context, taskID, kind string) error {
	return r.scheduler.ScheduleOneShot(ctx, OneShotSpec{
		Key:    WorkKey(kind, taskID),
		Kind:   kind,
		TaskID: taskID,
		Tags:   TaskTags(taskID),
		Group:  TaskTag(taskID),
		Policy: PolicyKeep,
	})
}

// reapIfAbandoned resets a task stuck in RUNNING when no execution work of it
// is running or waiting. A live run leaves the settings untouched. The status
// is checked again inside the settings update so a run that finishes
// concurrently is never overwritten.
func (r *Reconciler) reapIfAbandoned(ctx context.Context, snapshot model.ScheduledTask) {
	if r.hasActiveExecution(ctx, snapshot.ID) {
		return
	}

	reaped := false
	err := storage.UpdateTask(ctx, r.store, snapshot.ID, func(task model.ScheduledTask) model.ScheduledTask {
		if task.LastStatus != model.TaskStatusRunning || task.LastRunID != snapshot.LastRunID {
			return task
		}
		if r.hasActiveExecution(ctx, task.ID) {
			return task
		}
		task.LastStatus = model.TaskStatusFailed
		task.LastError = InterruptedError
		reaped = true
		return task
	})
	if err != nil && !errors.Is(err, storage.ErrTaskNotFound) {
		r.logger.Error("Failed to reset abandoned task", zap.String("task_id", snapshot.ID), zap.Error(err))
		return
	}
	if reaped {
		r.logger.Warn("Reset task left running by an interrupted run",
			zap.String("task_id", snapshot.ID),
			zap.String("run_id", snapshot.LastRunID))
	}
}

func (r *Reconciler) hasActiveExecution(ctx context.Context, taskID string) bool {
	works, err := r.scheduler.EnumerateByTag(ctx, TaskTag(taskID))
	if err != nil {
		return true
	}
	for _, w := range works {
		if w.Kind == KindPeriodic {
			continue
		}
		if w.State == WorkStateRunning || w.State == WorkStateBlocked {
			return true
		}
	}
	return false
}
