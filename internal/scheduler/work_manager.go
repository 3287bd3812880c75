package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// WorkManager implements Scheduler on top of cron. Every registration gets a
// fresh work id, so the outcome of a replaced or cancelled work is dropped.
type WorkManager struct {
	logger     *zap.Logger
	cron       *cron.Cron
	dispatcher Dispatcher
	retry      RetryStrategy
	now        func() time.Time

	mu      sync.Mutex
	works   map[string]*work  // by key
	workers map[string]Worker // by kind
	groups  map[string]string // group -> id of the work holding it
	waiting map[string][]*work

	baseCtx context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

type work struct {
	id        string
	key       string
	kind      string
	taskID    string
	tags      []string
	group     string
	recurring bool
	period    time.Duration
	entryID   cron.EntryID
	state     WorkState
	attempt   int
	nextRunAt time.Time
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// WorkManagerOption configures a WorkManager
type WorkManagerOption func(*WorkManager)

// WithRetryStrategy overrides the default backoff
func WithRetryStrategy(strategy RetryStrategy) WorkManagerOption {
	return func(m *WorkManager) { m.retry = strategy }
}

// WithDispatcher overrides the in-process dispatcher
func WithDispatcher(d Dispatcher) WorkManagerOption {
	return func(m *WorkManager) { m.dispatcher = d }
}

// NewWorkManager creates a new work manager
func NewWorkManager(logger *zap.Logger, opts ...WorkManagerOption) *WorkManager {
	logger = logger.Named("work-manager")
	cronLogger := &cronLogger{logger: logger.Named("cron")}

	m := &WorkManager{
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger)),
		),
		dispatcher: NewLocalDispatcher(),
		retry:      DefaultBackoff(),
		now:        time.Now,
		works:      make(map[string]*work),
		workers:    make(map[string]Worker),
		groups:     make(map[string]string),
		waiting:    make(map[string][]*work),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.baseCtx, m.cancel = context.WithCancel(context.Background())
	return m
}

// RegisterWorker installs the worker for a work kind
func (m *WorkManager) RegisterWorker(kind string, worker Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[kind] = worker
}

// Start binds the dispatcher and starts the cron loop
func (m *WorkManager) Start(ctx context.Context) error {
	if err := m.dispatcher.Bind(ctx, m.handle); err != nil {
		return fmt.Errorf("failed to bind dispatcher: %w", err)
	}
	m.cron.Start()
	m.logger.Info("Work manager started")
	return nil
}

// Stop stops firing new works and waits for in-flight ones until ctx is done
func (m *WorkManager) Stop(ctx context.Context) {
	stopped := m.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		m.running.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Stopping with works still in flight")
		m.cancel()
	}
	m.cancel()

	if err := m.dispatcher.Close(); err != nil {
		m.logger.Error("Failed to close dispatcher", zap.Error(err))
	}
	m.logger.Info("Work manager stopped")
}

// ScheduleOneShot implements Scheduler
func (m *WorkManager) ScheduleOneShot(ctx context.Context, spec OneShotSpec) error {
	if spec.Key == "" || spec.Kind == "" {
		return fmt.Errorf("%w: key and kind are required", ErrInvalidSpec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.works[spec.Key]; ok {
		if spec.Policy == PolicyKeep {
			m.logger.Debug("Keeping existing work",
				zap.String("key", spec.Key),
				zap.String("state", string(existing.state)))
			return nil
		}
		m.removeLocked(existing)
	}

	w := &work{
		id:     uuid.New().String(),
		key:    spec.Key,
		kind:   spec.Kind,
		taskID: spec.TaskID,
		tags:   append([]string(nil), spec.Tags...),
		group:  spec.Group,
		state:  WorkStateEnqueued,
	}
	m.armOnceLocked(w, spec.Delay)
	m.works[w.key] = w

	m.logger.Info("Scheduled one-shot work",
		zap.String("key", w.key),
		zap.String("work_id", w.id),
		zap.Time("run_at", w.nextRunAt))
	return nil
}

// ScheduleRecurring implements Scheduler
func (m *WorkManager) ScheduleRecurring(ctx context.Context, spec RecurringSpec) error {
	if spec.Key == "" || spec.Kind == "" || spec.Period <= 0 {
		return fmt.Errorf("%w: key, kind and a positive period are required", ErrInvalidSpec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.works[spec.Key]; ok {
		if spec.Policy == PolicyKeep {
			return nil
		}
		m.removeLocked(existing)
	}

	initialDelay := spec.InitialDelay
	if initialDelay < 0 {
		initialDelay = 0
	}
	w := &work{
		id:        uuid.New().String(),
		key:       spec.Key,
		kind:      spec.Kind,
		taskID:    spec.TaskID,
		tags:      append([]string(nil), spec.Tags...),
		group:     spec.Group,
		recurring: true,
		period:    spec.Period,
		state:     WorkStateEnqueued,
	}
	first := m.now().Add(initialDelay)
	w.nextRunAt = first
	w.entryID = m.cron.Schedule(periodicSchedule{first: first, period: spec.Period}, m.job(w))
	m.works[w.key] = w

	m.logger.Info("Scheduled recurring work",
		zap.String("key", w.key),
		zap.String("work_id", w.id),
		zap.Time("first_run", first),
		zap.Duration("period", spec.Period))
	return nil
}

// CancelByTag implements Scheduler. Works already running finish, but their
// outcome is ignored.
func (m *WorkManager) CancelByTag(ctx context.Context, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancelled := 0
	for _, w := range m.works {
		if hasTag(w.tags, tag) {
			m.removeLocked(w)
			cancelled++
		}
	}
	if cancelled > 0 {
		m.logger.Info("Cancelled works", zap.String("tag", tag), zap.Int("count", cancelled))
	}
	return nil
}

// EnumerateByTag implements Scheduler
func (m *WorkManager) EnumerateByTag(ctx context.Context, tag string) ([]WorkInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []WorkInfo
	for _, w := range m.works {
		if hasTag(w.tags, tag) {
			infos = append(infos, w.info())
		}
	}
	return infos, nil
}

// Work returns the work registered under key
func (m *WorkManager) Work(key string) (WorkInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.works[key]
	if !ok {
		return WorkInfo{}, ErrWorkNotFound
	}
	return w.info(), nil
}

// Pending returns the number of registered works
func (m *WorkManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.works)
}

func (m *WorkManager) job(w *work) cron.Job {
	id, key := w.id, w.key
	return cron.FuncJob(func() { m.fire(id, key) })
}

func (m *WorkManager) armOnceLocked(w *work, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	w.nextRunAt = m.now().Add(delay)
	w.entryID = m.cron.Schedule(&onceSchedule{at: w.nextRunAt}, m.job(w))
}

// removeLocked drops a registration and its cron entry.
func (m *WorkManager) removeLocked(w *work) {
	if w.entryID != 0 {
		m.cron.Remove(w.entryID)
		w.entryID = 0
	}
	if w.state == WorkStateBlocked {
		m.unblockLocked(w)
	}
	if m.works[w.key] == w {
		delete(m.works, w.key)
	}
}

func (m *WorkManager) unblockLocked(w *work) {
	queue := m.waiting[w.group]
	for i, queued := range queue {
		if queued == w {
			m.waiting[w.group] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(m.waiting[w.group]) == 0 {
		delete(m.waiting, w.group)
	}
}

// fire is the cron callback of a work.
func (m *WorkManager) fire(id, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.works[key]
	if !ok || w.id != id {
		return
	}
	if w.recurring {
		w.nextRunAt = w.nextRunAt.Add(w.period)
		if next := m.cron.Entry(w.entryID).Next; !next.IsZero() {
			w.nextRunAt = next
		}
	}

	switch w.state {
	case WorkStateRunning, WorkStateBlocked:
		m.logger.Debug("Work still pending, skipping fire", zap.String("key", w.key))
		return
	}

	if w.group != "" {
		if holder, busy := m.groups[w.group]; busy && holder != w.id {
			w.state = WorkStateBlocked
			m.waiting[w.group] = append(m.waiting[w.group], w)
			m.logger.Info("Work blocked by group",
				zap.String("key", w.key),
				zap.String("group", w.group))
			return
		}
	}
	m.startLocked(w)
}

func (m *WorkManager) startLocked(w *work) {
	w.state = WorkStateRunning
	if w.group != "" {
		m.groups[w.group] = w.id
	}

	firing := Firing{
		WorkID:  w.id,
		FireID:  uuid.New().String(),
		Key:     w.key,
		Kind:    w.kind,
		TaskID:  w.taskID,
		Tags:    append([]string(nil), w.tags...),
		Attempt: w.attempt,
		FiredAt: m.now(),
	}

	m.running.Add(1)
	go func() {
		defer m.running.Done()

		result, err := m.dispatcher.Dispatch(m.baseCtx, firing)
		if err != nil {
			m.logger.Error("Failed to dispatch work",
				zap.String("key", firing.Key),
				zap.String("fire_id", firing.FireID),
				zap.Error(err))
			result = ResultRetry
		}
		m.complete(w, result)
	}()
}

// handle runs a firing on the worker registered for its kind.
func (m *WorkManager) handle(ctx context.Context, firing Firing) (result Result) {
	m.mu.Lock()
	worker, ok := m.workers[firing.Kind]
	m.mu.Unlock()

	if !ok {
		m.logger.Error("No worker for work kind",
			zap.String("kind", firing.Kind),
			zap.Error(ErrNoWorker))
		return ResultFailure
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Worker panicked",
				zap.String("key", firing.Key),
				zap.Any("panic", r))
			result = ResultRetry
		}
	}()
	return worker.Execute(ctx, firing)
}

func (m *WorkManager) complete(w *work, result Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug("Work finished",
		zap.String("key", w.key),
		zap.String("work_id", w.id),
		zap.Stringer("result", result))

	m.releaseGroupLocked(w)

	if m.works[w.key] != w {
		return
	}
	if m.baseCtx.Err() != nil {
		w.state = WorkStateEnqueued
		return
	}

	if w.recurring {
		w.state = WorkStateEnqueued
		w.attempt = 0
		if result == ResultRetry {
			m.logger.Warn("Recurring work asked for retry, waiting for next period", zap.String("key", w.key))
		}
		return
	}

	switch result {
	case ResultRetry:
		delay := m.retry.NextRetry(w.attempt)
		w.attempt++
		w.state = WorkStateEnqueued
		if w.entryID != 0 {
			m.cron.Remove(w.entryID)
		}
		m.armOnceLocked(w, delay)
		m.logger.Info("Work scheduled for retry",
			zap.String("key", w.key),
			zap.Int("attempt", w.attempt),
			zap.Duration("delay", delay))
	default:
		m.removeLocked(w)
	}
}

// releaseGroupLocked frees the group held by w and starts the next waiting work.
func (m *WorkManager) releaseGroupLocked(w *work) {
	if w.group == "" || m.groups[w.group] != w.id {
		return
	}
	delete(m.groups, w.group)

	for len(m.waiting[w.group]) > 0 {
		next := m.waiting[w.group][0]
		m.waiting[w.group] = m.waiting[w.group][1:]
		if m.works[next.key] != next {
			continue
		}
		m.startLocked(next)
		break
	}
	if len(m.waiting[w.group]) == 0 {
		delete(m.waiting, w.group)
	}
}

func (w *work) info() WorkInfo {
	return WorkInfo{
		ID:        w.id,
		Key:       w.key,
		Kind:      w.kind,
		TaskID:    w.taskID,
		Tags:      append([]string(nil), w.tags...),
		State:     w.state,
		Recurring: w.recurring,
		Period:    w.period,
		Attempt:   w.attempt,
		NextRunAt: w.nextRunAt,
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
