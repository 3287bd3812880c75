package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startManager(t *testing.T, opts ...WorkManagerOption) *WorkManager {
	t.Helper()
	m := NewWorkManager(zaptest.NewLogger(t), opts...)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
}

func TestWorkManager_OneShotRunsOnceAndRetires(t *testing.T) {
	m := startManager(t)

	var calls atomic.Int32
	fired := make(chan Firing, 1)
	m.RegisterWorker(KindTriggered, WorkerFunc(func(ctx context.Context, f Firing) Result {
		calls.Add(1)
		fired <- f
		return ResultSuccess
	}))

	err := m.ScheduleOneShot(context.Background(), OneShotSpec{
		Key:    WorkKey(KindTriggered, "t1"),
		Kind:   KindTriggered,
		TaskID: "t1",
		Tags:   TaskTags("t1"),
	})
	require.NoError(t, err)

	select {
	case f := <-fired:
		assert.Equal(t, "t1", f.TaskID)
		assert.Equal(t, KindTriggered, f.Kind)
		assert.NotEmpty(t, f.FireID)
	case <-time.After(5 * time.Second):
		t.Fatal("work did not fire")
	}

	assert.Eventually(t, func() bool { return m.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorkManager_KeepAndReplace(t *testing.T) {
	m := startManager(t)
	ctx := context.Background()
	key := WorkKey(KindCatchUp, "t1")

	spec := OneShotSpec{Key: key, Kind: KindCatchUp, TaskID: "t1", Tags: TaskTags("t1"), Delay: time.Hour, Policy: PolicyKeep}
	require.NoError(t, m.ScheduleOneShot(ctx, spec))
	first, err := m.Work(key)
	require.NoError(t, err)

	require.NoError(t, m.ScheduleOneShot(ctx, spec))
	kept, err := m.Work(key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, kept.ID)
	assert.Equal(t, 1, m.Pending())

	spec.Policy = PolicyReplace
	require.NoError(t, m.ScheduleOneShot(ctx, spec))
	replaced, err := m.Work(key)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, replaced.ID)
	assert.Equal(t, 1, m.Pending())
}

func TestWorkManager_CancelAndEnumerateByTag(t *testing.T) {
	m := startManager(t)
	ctx := context.Background()

	require.NoError(t, m.ScheduleRecurring(ctx, RecurringSpec{
		Key: WorkKey(KindPeriodic, "a"), Kind: KindPeriodic, TaskID: "a", Tags: TaskTags("a"),
		Period: 24 * time.Hour, InitialDelay: time.Hour,
	}))
	require.NoError(t, m.ScheduleOneShot(ctx, OneShotSpec{
		Key: WorkKey(KindCatchUp, "a"), Kind: KindCatchUp, TaskID: "a", Tags: TaskTags("a"), Delay: time.Hour,
	}))
	require.NoError(t, m.ScheduleRecurring(ctx, RecurringSpec{
		Key: WorkKey(KindPeriodic, "b"), Kind: KindPeriodic, TaskID: "b", Tags: TaskTags("b"),
		Period: 24 * time.Hour, InitialDelay: time.Hour,
	}))

	all, err := m.EnumerateByTag(ctx, TagScheduledPrompt)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, m.CancelByTag(ctx, TaskTag("a")))

	remaining, err := m.EnumerateByTag(ctx, TagScheduledPrompt)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "b", remaining[0].TaskID)
	assert.True(t, remaining[0].Recurring)

	_, err = m.Work(WorkKey(KindCatchUp, "a"))
	assert.ErrorIs(t, err, ErrWorkNotFound)
}

func TestWorkManager_GroupRunsOneAtATime(t *testing.T) {
	m := startManager(t)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan string, 2)
	var active, maxActive atomic.Int32
	worker := WorkerFunc(func(ctx context.Context, f Firing) Result {
		n := active.Add(1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		started <- f.Kind
		<-release
		active.Add(-1)
		return ResultSuccess
	})
	m.RegisterWorker(KindCatchUp, worker)
	m.RegisterWorker(KindTriggered, worker)

	group := TaskTag("t1")
	require.NoError(t, m.ScheduleOneShot(ctx, OneShotSpec{
		Key: WorkKey(KindCatchUp, "t1"), Kind: KindCatchUp, TaskID: "t1", Tags: TaskTags("t1"), Group: group,
	}))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first work did not start")
	}

	require.NoError(t, m.ScheduleOneShot(ctx, OneShotSpec{
		Key: WorkKey(KindTriggered, "t1"), Kind: KindTriggered, TaskID: "t1", Tags: TaskTags("t1"), Group: group,
	}))

	assert.Eventually(t, func() bool {
		info, err := m.Work(WorkKey(KindTriggered, "t1"))
		return err == nil && info.State == WorkStateBlocked
	}, 2*time.Second, 10*time.Millisecond)

	close(release)

	select {
	case kind := <-started:
		assert.Equal(t, KindTriggered, kind)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked work did not start")
	}

	assert.Eventually(t, func() bool { return m.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestWorkManager_RetryRearmsWithBackoff(t *testing.T) {
	m := startManager(t, WithRetryStrategy(&ExponentialBackoff{
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
	}))

	var mu sync.Mutex
	var attempts []int
	m.RegisterWorker(KindTriggered, WorkerFunc(func(ctx context.Context, f Firing) Result {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, f.Attempt)
		if len(attempts) < 3 {
			return ResultRetry
		}
		return ResultSuccess
	}))

	require.NoError(t, m.ScheduleOneShot(context.Background(), OneShotSpec{
		Key: WorkKey(KindTriggered, "t1"), Kind: KindTriggered, TaskID: "t1", Tags: TaskTags("t1"),
	}))

	assert.Eventually(t, func() bool { return m.Pending() == 0 }, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, attempts)
}

func TestWorkManager_FailureRetiresWithoutRetry(t *testing.T) {
	m := startManager(t, WithRetryStrategy(&ExponentialBackoff{InitialDelay: 10 * time.Millisecond, Multiplier: 1}))

	var calls atomic.Int32
	m.RegisterWorker(KindTriggered, WorkerFunc(func(ctx context.Context, f Firing) Result {
		calls.Add(1)
		return ResultFailure
	}))

	require.NoError(t, m.ScheduleOneShot(context.Background(), OneShotSpec{
		Key: WorkKey(KindTriggered, "t1"), Kind: KindTriggered, TaskID: "t1",
	}))

	assert.Eventually(t, func() bool { return m.Pending() == 0 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorkManager_MissingWorkerFails(t *testing.T) {
	m := startManager(t)

	require.NoError(t, m.ScheduleOneShot(context.Background(), OneShotSpec{
		Key: WorkKey(KindTriggered, "t1"), Kind: KindTriggered, TaskID: "t1",
	}))

	assert.Eventually(t, func() bool { return m.Pending() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestWorkManager_RecurringFiresEveryPeriod(t *testing.T) {
	m := startManager(t)

	var calls atomic.Int32
	m.RegisterWorker(KindPeriodic, WorkerFunc(func(ctx context.Context, f Firing) Result {
		calls.Add(1)
		return ResultSuccess
	}))

	require.NoError(t, m.ScheduleRecurring(context.Background(), RecurringSpec{
		Key: WorkKey(KindPeriodic, "t1"), Kind: KindPeriodic, TaskID: "t1", Tags: TaskTags("t1"),
		Period: 50 * time.Millisecond,
	}))

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)

	info, err := m.Work(WorkKey(KindPeriodic, "t1"))
	require.NoError(t, err)
	assert.True(t, info.Recurring)
}

func TestWorkManager_InvalidSpec(t *testing.T) {
	m := NewWorkManager(zaptest.NewLogger(t))
	ctx := context.Background()

	assert.ErrorIs(t, m.ScheduleOneShot(ctx, OneShotSpec{Kind: KindTriggered}), ErrInvalidSpec)
	assert.ErrorIs(t, m.ScheduleRecurring(ctx, RecurringSpec{Key: "k", Kind: KindPeriodic}), ErrInvalidSpec)
}

func TestPeriodicSchedule_Next(t *testing.T) {
	first := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	s := periodicSchedule{first: first, period: time.Hour}

	assert.Equal(t, first, s.Next(first.Add(-time.Minute)))
	assert.Equal(t, first.Add(time.Hour), s.Next(first))
	assert.Equal(t, first.Add(3*time.Hour), s.Next(first.Add(2*time.Hour+time.Second)))
}

func TestOnceSchedule_Next(t *testing.T) {
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	s := &onceSchedule{at: now.Add(-time.Second)}

	assert.Equal(t, now, s.Next(now))
	assert.True(t, s.Next(now.Add(time.Hour)).IsZero())
}
