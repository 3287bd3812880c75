package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultClockCheckInterval  = time.Minute
	defaultClockDriftThreshold = time.Minute
)

// CurrentReconciler re-registers triggers from the latest settings
type CurrentReconciler interface {
	ReconcileCurrent(ctx context.Context) error
}

// ClockWatcher reconciles again when the wall clock jumps relative to the
// monotonic clock, as it does when the host time is set. Cron entries are
// armed on monotonic timers and would otherwise fire at the old wall time.
type ClockWatcher struct {
	logger     *zap.Logger
	reconciler CurrentReconciler
	interval   time.Duration
	threshold  time.Duration
	wall       func() time.Time
	monotonic  func() time.Duration

	lastWall time.Time
	lastMono time.Duration
}

// ClockWatcherOption configures a ClockWatcher
type ClockWatcherOption func(*ClockWatcher)

// WithClocks overrides the wall and monotonic clock readings
func WithClocks(wall func() time.Time, monotonic func() time.Duration) ClockWatcherOption {
	return func(w *ClockWatcher) {
		w.wall = wall
		w.monotonic = monotonic
	}
}

// NewClockWatcher creates a watcher that samples both clocks every interval
// and reconciles when they disagree by more than threshold.
func NewClockWatcher(reconciler CurrentReconciler, interval, threshold time.Duration, logger *zap.Logger, opts ...ClockWatcherOption) *ClockWatcher {
	if interval <= 0 {
		interval = defaultClockCheckInterval
	}
	if threshold <= 0 {
		threshold = defaultClockDriftThreshold
	}
	start := time.Now()
	w := &ClockWatcher{
		logger:     logger.Named("clock-watcher"),
		reconciler: reconciler,
		interval:   interval,
		threshold:  threshold,
		wall:       func() time.Time { return time.Now().Round(0) },
		monotonic:  func() time.Duration { return time.Since(start) },
	}
	for _, opt := range opts {
		opt(w)
	}
	w.mark()
	return w
}

// Run checks the clocks until ctx is done
func (w *ClockWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.mark()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check compares the clocks with the previous sample and reconciles when the
// wall clock moved by more than threshold beyond the monotonic one. It
// reports whether a reconcile was attempted.
func (w *ClockWatcher) check(ctx context.Context) bool {
	wall, mono := w.wall(), w.monotonic()
	drift := wall.Sub(w.lastWall) - (mono - w.lastMono)
	w.lastWall, w.lastMono = wall, mono

	if drift < 0 {
		drift = -drift
	}
	if drift <= w.threshold {
		return false
	}

	w.logger.Warn("Wall clock jumped, reconciling triggers", zap.Duration("drift", drift))
	if err := w.reconciler.ReconcileCurrent(ctx); err != nil {
		w.logger.Error("Reconcile after clock change failed", zap.Error(err))
	}
	return true
}

func (w *ClockWatcher) mark() {
	w.lastWall, w.lastMono = w.wall(), w.monotonic()
}
