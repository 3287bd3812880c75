package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/promptcron/internal/model"
	"github.com/t77yq/promptcron/internal/testutil"
)

type staticRuns model.RunCounts

func (s staticRuns) CountByStatus(context.Context) (model.RunCounts, error) {
	return model.RunCounts(s), nil
}

type staticWorks int

func (s staticWorks) Pending() int { return int(s) }

func TestMetricsCollector_Collect(t *testing.T) {
	collector := NewMetricsCollector(nil, staticRuns{Running: 1, Success: 4, Failed: 2}, staticWorks(3), time.Second, zaptest.NewLogger(t))

	snapshot, err := collector.Collect(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, snapshot.CPUUsage, 0.0)
	assert.Greater(t, snapshot.MemoryUsage, 0.0)
	assert.Equal(t, model.RunCounts{Running: 1, Success: 4, Failed: 2}, snapshot.Runs)
	assert.Equal(t, 3, snapshot.PendingWork)
	assert.False(t, snapshot.CollectedAt.IsZero())
	assert.Equal(t, snapshot, collector.Latest())
}

func TestMetricsCollector_Publishes(t *testing.T) {
	env := testutil.StartJetStream(t)

	collector := NewMetricsCollector(env.JS, staticRuns{Success: 1}, nil, 100*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, collector.Start(ctx))
	defer collector.Stop()

	sub, err := env.JS.SubscribeSync(metricsSubject, nats.DeliverAll())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)

	var snapshot model.MetricsSnapshot
	require.NoError(t, json.Unmarshal(msg.Data, &snapshot))
	assert.Equal(t, 1, snapshot.Runs.Success)
	assert.False(t, snapshot.CollectedAt.IsZero())
}
