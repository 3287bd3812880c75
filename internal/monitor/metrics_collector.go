// Package monitor samples host and run statistics for operators.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/model"
)

const (
	metricsStreamName = "METRICS"
	metricsSubject    = "metrics.system"
	metricsMaxAge     = 24 * time.Hour
)

// RunCounter counts ledger runs per status
type RunCounter interface {
	CountByStatus(ctx context.Context) (model.RunCounts, error)
}

// WorkCounter reports how many works are registered
type WorkCounter interface {
	Pending() int
}

// MetricsCollector periodically samples host usage, run counts and pending
// works, and publishes each snapshot when a JetStream context is set
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	runs     RunCounter
	works    WorkCounter
	interval time.Duration

	mu     sync.RWMutex
	latest model.MetricsSnapshot
	stop   chan struct{}
	once   sync.Once
}

// NewMetricsCollector creates a new metrics collector. js and works may be nil.
func NewMetricsCollector(js nats.JetStreamContext, runs RunCounter, works WorkCounter, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		runs:     runs,
		works:    works,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start prepares the metrics stream and starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))

	if c.js != nil {
		if err := c.setupStream(); err != nil {
			return err
		}
	}

	go c.collectLoop(ctx)
	return nil
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.once.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
}

func (c *MetricsCollector) setupStream() error {
	_, err := c.js.StreamInfo(metricsStreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:      metricsStreamName,
		Subjects:  []string{"metrics.*"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    metricsMaxAge,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// collectLoop runs the metrics collection loop
func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			snapshot, err := c.Collect(ctx)
			if err != nil {
				c.logger.Error("Failed to collect metrics", zap.Error(err))
				continue
			}
			c.publish(snapshot)
		}
	}
}

// Collect takes one snapshot and keeps it as the latest
func (c *MetricsCollector) Collect(ctx context.Context) (model.MetricsSnapshot, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return model.MetricsSnapshot{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.MetricsSnapshot{}, fmt.Errorf("failed to get memory usage: %w", err)
	}

	snapshot := model.MetricsSnapshot{
		MemoryUsage: memInfo.UsedPercent,
		CollectedAt: time.Now(),
	}
	if len(cpuPercent) > 0 {
		snapshot.CPUUsage = cpuPercent[0]
	}

	if c.runs != nil {
		counts, err := c.runs.CountByStatus(ctx)
		if err != nil {
			return model.MetricsSnapshot{}, fmt.Errorf("failed to count runs: %w", err)
		}
		snapshot.Runs = counts
	}
	if c.works != nil {
		snapshot.PendingWork = c.works.Pending()
	}

	c.mu.Lock()
	c.latest = snapshot
	c.mu.Unlock()

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", snapshot.CPUUsage),
		zap.Float64("memory_usage", snapshot.MemoryUsage),
		zap.Int("running", snapshot.Runs.Running),
		zap.Int("pending_work", snapshot.PendingWork))
	return snapshot, nil
}

func (c *MetricsCollector) publish(snapshot model.MetricsSnapshot) {
	if c.js == nil {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Error("Failed to marshal metrics", zap.Error(err))
		return
	}
	if _, err := c.js.Publish(metricsSubject, data); err != nil {
		c.logger.Error("Failed to publish metrics", zap.Error(err))
	}
}

// Latest returns the most recent snapshot
func (c *MetricsCollector) Latest() model.MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}
