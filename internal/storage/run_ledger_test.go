package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/promptcron/internal/model"
)

func newTestLedger(t *testing.T) *SQLiteRunLedger {
	t.Helper()
	ledger, err := NewSQLiteRunLedger(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "runs", "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func runningRecord(taskID string, startedAt int64) *model.RunRecord {
	return &model.RunRecord{
		ID:                  uuid.New().String(),
		TaskID:              taskID,
		TaskTitleSnapshot:   "title",
		AssistantIDSnapshot: "assistant",
		Status:              model.RunStatusRunning,
		StartedAt:           startedAt,
		PromptSnapshot:      "prompt",
	}
}

func finish(run *model.RunRecord, status model.RunStatus) *model.RunRecord {
	closed := *run
	closed.Status = status
	closed.FinishedAt = run.StartedAt + 1500
	closed.DurationMs = 1500
	return &closed
}

func TestRunLedgerInsertAndFinish(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	run := runningRecord("task-1", 1_000)
	require.NoError(t, ledger.Insert(ctx, run))

	stored, err := ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run, stored)
	assert.Nil(t, stored.ModelIDSnapshot)

	modelID := "gpt-4o-mini"
	closed := finish(run, model.RunStatusSuccess)
	closed.ResultText = "done"
	closed.ModelIDSnapshot = &modelID
	closed.ProviderNameSnapshot = "openai"
	require.NoError(t, ledger.Finish(ctx, closed))

	stored, err = ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, stored.Status)
	assert.Equal(t, int64(2_500), stored.FinishedAt)
	assert.Equal(t, int64(1_500), stored.DurationMs)
	assert.Equal(t, "done", stored.ResultText)
	require.NotNil(t, stored.ModelIDSnapshot)
	assert.Equal(t, modelID, *stored.ModelIDSnapshot)
	assert.Equal(t, "prompt", stored.PromptSnapshot)
}

func TestRunLedgerSingleTerminalTransition(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	run := runningRecord("task-1", 1_000)
	require.NoError(t, ledger.Insert(ctx, run))
	require.NoError(t, ledger.Finish(ctx, finish(run, model.RunStatusFailed)))

	err := ledger.Finish(ctx, finish(run, model.RunStatusSuccess))
	assert.ErrorIs(t, err, ErrRunClosed)

	reopen := *run
	assert.Error(t, ledger.Finish(ctx, &reopen))

	stored, err := ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, stored.Status)

	_, err = ledger.MarkStaleRunning(ctx, "interrupted")
	require.NoError(t, err)
	stored, err = ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, stored.Status)
	assert.Empty(t, stored.ErrorText)
}

func TestRunLedgerMissingRun(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	_, err := ledger.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	err = ledger.Finish(ctx, &model.RunRecord{ID: "missing", Status: model.RunStatusSuccess})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunLedgerPrune(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	var ids []string
	for i := 0; i < 60; i++ {
		run := runningRecord("task-1", int64(1_000+i))
		ids = append(ids, run.ID)
		require.NoError(t, ledger.Insert(ctx, run))
	}
	other := runningRecord("task-2", 1)
	require.NoError(t, ledger.Insert(ctx, other))

	deleted, err := ledger.Prune(ctx, "task-1", DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(10), deleted)

	runs, err := ledger.ListByTask(ctx, "task-1", 100)
	require.NoError(t, err)
	require.Len(t, runs, 50)
	assert.Equal(t, ids[59], runs[0].ID)
	assert.Equal(t, ids[10], runs[49].ID)
	for _, id := range ids[:10] {
		_, err := ledger.Get(ctx, id)
		assert.ErrorIs(t, err, ErrRunNotFound)
	}

	_, err = ledger.Get(ctx, other.ID)
	assert.NoError(t, err)

	t.Run("keep is at least one", func(t *testing.T) {
		_, err := ledger.Prune(ctx, "task-1", 0)
		require.NoError(t, err)
		runs, err := ledger.ListByTask(ctx, "task-1", 100)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, ids[59], runs[0].ID)
	})
}

func TestRunLedgerRecentFinished(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	statuses := []model.RunStatus{model.RunStatusSuccess, model.RunStatusFailed, model.RunStatusRunning, model.RunStatusSuccess}
	var finished []string
	for i, status := range statuses {
		run := runningRecord(fmt.Sprintf("task-%d", i%2), int64(1_000*(i+1)))
		require.NoError(t, ledger.Insert(ctx, run))
		if status != model.RunStatusRunning {
			require.NoError(t, ledger.Finish(ctx, finish(run, status)))
			finished = append([]string{run.ID}, finished...)
		}
	}

	runs, err := ledger.RecentFinished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for i, run := range runs {
		assert.Equal(t, finished[i], run.ID)
		assert.True(t, run.Status.Terminal())
	}

	runs, err = ledger.RecentFinished(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	counts, err := ledger.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunCounts{Running: 1, Success: 2, Failed: 1}, counts)
}

func TestRunLedgerMarkStaleRunning(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	started := time.Now().Add(-time.Minute).UnixMilli()
	dangling := runningRecord("task-1", started)
	require.NoError(t, ledger.Insert(ctx, dangling))
	done := runningRecord("task-1", started)
	require.NoError(t, ledger.Insert(ctx, done))
	require.NoError(t, ledger.Finish(ctx, finish(done, model.RunStatusSuccess)))

	n, err := ledger.MarkStaleRunning(ctx, "interrupted before completion")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, err := ledger.Get(ctx, dangling.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, stored.Status)
	assert.Equal(t, "interrupted before completion", stored.ErrorText)
	assert.GreaterOrEqual(t, stored.DurationMs, int64(time.Minute/time.Millisecond))

	stored, err = ledger.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, stored.Status)
}

func TestRunLedgerWatchRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ledger := newTestLedger(t)

	run := runningRecord("task-1", 1_000)
	require.NoError(t, ledger.Insert(ctx, run))

	updates := ledger.WatchRun(ctx, run.ID)
	first := <-updates
	require.NotNil(t, first)
	assert.Equal(t, model.RunStatusRunning, first.Status)

	require.NoError(t, ledger.Finish(ctx, finish(run, model.RunStatusSuccess)))

	var last *model.RunRecord
	for update := range updates {
		last = update
	}
	require.NotNil(t, last)
	assert.Equal(t, model.RunStatusSuccess, last.Status)

	_, open := <-ledger.WatchRun(ctx, "missing")
	assert.False(t, open)
}

func TestRunLedgerWatchRecentFinished(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ledger := newTestLedger(t)

	updates := ledger.WatchRecentFinished(ctx, 5)
	initial := <-updates
	assert.Empty(t, initial)

	run := runningRecord("task-1", 1_000)
	require.NoError(t, ledger.Insert(ctx, run))
	require.NoError(t, ledger.Finish(ctx, finish(run, model.RunStatusSuccess)))

	require.Eventually(t, func() bool {
		select {
		case runs := <-updates:
			return len(runs) == 1 && runs[0].ID == run.ID
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
