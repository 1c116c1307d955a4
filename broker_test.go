package emberq

import (
	"context"
	"testing"
	"time"

	"github.com/emberq/emberq/internal/keys"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		s.Close()
	}
	return rdb, cleanup
}

func TestBroker_Enqueue_Basics(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	task, err := b.Enqueue(ctx, "send_email", map[string]string{"to": "a@b.com"})
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)
	require.Equal(t, DefaultQueue, task.Queue)
	require.Equal(t, DefaultPriority, task.Priority)

	card, _ := rdb.ZCard(ctx, keys.Pending(DefaultQueue)).Result()
	require.Equal(t, int64(1), card)

	queues, _ := rdb.SMembers(ctx, keys.Queues()).Result()
	require.Contains(t, queues, DefaultQueue)
}

func TestBroker_Enqueue_DuplicateID(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "t", nil, TaskID("fixed-id"))
	require.NoError(t, err)

	_, err = b.Enqueue(ctx, "t", nil, TaskID("fixed-id"))
	require.ErrorIs(t, err, ErrConflict)
}

func TestBroker_Enqueue_InvalidInput(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "t", nil, Priority(0))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = b.Enqueue(ctx, "t", nil, Priority(11))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = b.Enqueue(ctx, "", nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestBroker_Dequeue_PriorityOrder(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	low, err := b.Enqueue(ctx, "noop", nil, Priority(1))
	require.NoError(t, err)
	mid, err := b.Enqueue(ctx, "noop", nil, Priority(5))
	require.NoError(t, err)
	high, err := b.Enqueue(ctx, "noop", nil, Priority(10))
	require.NoError(t, err)

	first, err := b.Dequeue(ctx, []string{DefaultQueue}, 0)
	require.NoError(t, err)
	require.Equal(t, high.ID, first.ID)
	require.Equal(t, StatusProcessing, first.Status)

	second, err := b.Dequeue(ctx, []string{DefaultQueue}, 0)
	require.NoError(t, err)
	require.Equal(t, mid.ID, second.ID)

	third, err := b.Dequeue(ctx, []string{DefaultQueue}, 0)
	require.NoError(t, err)
	require.Equal(t, low.ID, third.ID)
}

func TestBroker_Dequeue_ScansInSuppliedOrder(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	taskB, err := b.Enqueue(ctx, "t", nil, Queue("q-b"))
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, "t", nil, Queue("q-a"))
	require.NoError(t, err)

	got, err := b.Dequeue(ctx, []string{"q-b", "q-a"}, 0)
	require.NoError(t, err)
	require.Equal(t, taskB.ID, got.ID)
}

func TestBroker_Dequeue_TimeoutWithNoWork(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	got, err := b.Dequeue(ctx, []string{"empty-queue"}, 10*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestBroker_Dequeue_SkipsPausedQueue(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "t", nil, Queue("paused-q"))
	require.NoError(t, err)
	require.NoError(t, b.Pause(ctx, "paused-q"))

	got, err := b.Dequeue(ctx, []string{"paused-q"}, 10*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, b.Resume(ctx, "paused-q"))
	got, err = b.Dequeue(ctx, []string{"paused-q"}, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestBroker_CompleteAndFailMembership(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()
	k := keys.For(DefaultQueue)

	task, err := b.Enqueue(ctx, "t", nil)
	require.NoError(t, err)
	got, err := b.Dequeue(ctx, []string{DefaultQueue}, 0)
	require.NoError(t, err)
	require.Equal(t, task.ID, got.ID)

	require.NoError(t, b.Complete(ctx, got, map[string]int{"ok": 1}))
	require.Equal(t, StatusCompleted, got.Status)

	inProcessing, _ := rdb.SIsMember(ctx, k.Processing, task.ID).Result()
	require.False(t, inProcessing)
	inCompleted, _ := rdb.SIsMember(ctx, k.Completed, task.ID).Result()
	require.True(t, inCompleted)
}

func TestBroker_Fail_RetriesThenDeadLetters(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb, WithRetryBackoff(time.Millisecond, 10*time.Millisecond))
	ctx := context.Background()
	k := keys.For(DefaultQueue)

	_, err := b.Enqueue(ctx, "flaky", nil, MaxRetries(2))
	require.NoError(t, err)

	t1, err := b.Dequeue(ctx, []string{DefaultQueue}, 0)
	require.NoError(t, err)
	require.NoError(t, b.Fail(ctx, t1, "boom-1"))
	require.Equal(t, StatusPending, t1.Status)
	require.Equal(t, 1, t1.Retries)

	delayedCard, _ := rdb.ZCard(ctx, k.Delayed).Result()
	require.Equal(t, int64(1), delayedCard)

	time.Sleep(20 * time.Millisecond)
	moved, err := scheduleDueNow(ctx, b, DefaultQueue)
	require.NoError(t, err)
	require.True(t, moved)

	t2, err := b.Dequeue(ctx, []string{DefaultQueue}, 0)
	require.NoError(t, err)
	require.NoError(t, b.Fail(ctx, t2, "boom-2"))
	require.Equal(t, StatusPending, t2.Status)
	require.Equal(t, 2, t2.Retries)

	time.Sleep(20 * time.Millisecond)
	moved, err = scheduleDueNow(ctx, b, DefaultQueue)
	require.NoError(t, err)
	require.True(t, moved)

	t3, err := b.Dequeue(ctx, []string{DefaultQueue}, 0)
	require.NoError(t, err)
	require.NoError(t, b.Fail(ctx, t3, "boom-3"))
	require.Equal(t, StatusFailed, t3.Status)
	require.Equal(t, 2, t3.Retries, "retries must not exceed max_retries")

	stats, err := b.QueueStats(ctx, DefaultQueue)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Failed)
}

// scheduleDueNow drains due entries from queue's delayed set into pending,
// the same call the worker runtime's scheduler loop makes on a timer.
func scheduleDueNow(ctx context.Context, b *Broker, queue string) (bool, error) {
	moved, err := b.ScheduleDue(ctx, queue, 100)
	if err != nil {
		return false, err
	}
	return len(moved) > 0, nil
}

func TestBroker_GetTask_NotFound(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	_, err := b.GetTask(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBroker_ListTasks_PendingOrderAndPagination(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.Enqueue(ctx, "t", nil, Priority(5))
		require.NoError(t, err)
	}

	page1, total, err := b.ListTasks(ctx, DefaultQueue, StatusPending, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, page1, 2)

	page2, _, err := b.ListTasks(ctx, DefaultQueue, StatusPending, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.NotEqual(t, page1[0].ID, page2[0].ID)
}

func TestBroker_PauseResume(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	require.NoError(t, b.Pause(ctx, "q1"))
	stats, err := b.QueueStats(ctx, "q1")
	require.NoError(t, err)
	require.True(t, stats.Paused)

	require.NoError(t, b.Resume(ctx, "q1"))
	stats, err = b.QueueStats(ctx, "q1")
	require.NoError(t, err)
	require.False(t, stats.Paused)
}

func TestBroker_PurgeDeadLetter(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	task, err := b.Enqueue(ctx, "t", nil, MaxRetries(0))
	require.NoError(t, err)
	got, err := b.Dequeue(ctx, []string{DefaultQueue}, 0)
	require.NoError(t, err)
	require.NoError(t, b.Fail(ctx, got, "dead"))
	require.Equal(t, StatusFailed, got.Status)

	n, err := b.PurgeDeadLetter(ctx, DefaultQueue)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = b.GetTask(ctx, task.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBroker_RequeueDeadLetter(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	task, err := b.Enqueue(ctx, "t", nil, MaxRetries(0))
	require.NoError(t, err)
	got, err := b.Dequeue(ctx, []string{DefaultQueue}, 0)
	require.NoError(t, err)
	require.NoError(t, b.Fail(ctx, got, "dead"))

	ok, err := b.RequeueDeadLetter(ctx, DefaultQueue, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	reloaded, err := b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, reloaded.Status)
	require.Equal(t, 0, reloaded.Retries)
}

func TestBroker_CancelTask_Pending(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	task, err := b.Enqueue(ctx, "t", nil)
	require.NoError(t, err)

	ok, err := b.CancelTask(ctx, DefaultQueue, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	reloaded, err := b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, reloaded.Status)
	require.Equal(t, "cancelled", reloaded.Error)
}

func TestBroker_CancelTask_Processing(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "t", nil)
	require.NoError(t, err)
	got, err := b.Dequeue(ctx, []string{DefaultQueue}, 0)
	require.NoError(t, err)

	ok, err := b.CancelTask(ctx, DefaultQueue, got.ID)
	require.NoError(t, err)
	require.True(t, ok)

	reloaded, err := b.GetTask(ctx, got.ID)
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, reloaded.Status)
	require.True(t, reloaded.CancelRequested)
}

func TestBroker_RetryTask(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	task, err := b.Enqueue(ctx, "t", nil, MaxRetries(0))
	require.NoError(t, err)
	got, err := b.Dequeue(ctx, []string{DefaultQueue}, 0)
	require.NoError(t, err)
	require.NoError(t, b.Complete(ctx, got, nil))

	ok, err := b.RetryTask(ctx, DefaultQueue, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	reloaded, err := b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, reloaded.Status)

	_, err = b.RetryTask(ctx, DefaultQueue, task.ID)
	require.ErrorIs(t, err, ErrConflict)
}

func TestBroker_WorkerLifecycle(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	st := WorkerState{WorkerID: "w1", Status: WorkerStarting, Queues: []string{DefaultQueue}, StartedAt: 1000}
	require.NoError(t, b.RegisterWorker(ctx, st))

	workers, err := b.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)

	st.Status = WorkerIdle
	st.LastHeartbeat = 2000
	require.NoError(t, b.Heartbeat(ctx, "w1", st))

	got, err := b.WorkerStats(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, WorkerIdle, got.Status)
	require.Equal(t, int64(2000), got.LastHeartbeat)

	require.NoError(t, b.UnregisterWorker(ctx, "w1"))
	_, err = b.WorkerStats(ctx, "w1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBroker_SweepStale_RetriesThenDeadLetters(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb, WithRetryBackoff(time.Millisecond, 10*time.Millisecond))
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "slow", nil, MaxRetries(1))
	require.NoError(t, err)
	got, err := b.Dequeue(ctx, []string{DefaultQueue}, 0)
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, got.Status)

	time.Sleep(5 * time.Millisecond)

	swept, err := b.SweepStale(ctx, DefaultQueue, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	require.Equal(t, StatusPending, swept[0].Status)
	require.Equal(t, 1, swept[0].Retries)

	noneStale, err := b.SweepStale(ctx, DefaultQueue, time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, noneStale, "sweep must be idempotent: nothing left in processing")
}

func TestBroker_SubscribeTask_ReceivesUpdates(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	task, err := b.Enqueue(ctx, "t", nil)
	require.NoError(t, err)

	sub := b.SubscribeTask(task.ID)
	defer sub.Close()

	got, err := b.Dequeue(ctx, []string{DefaultQueue}, 0)
	require.NoError(t, err)
	require.NoError(t, b.Complete(ctx, got, map[string]int{"ok": 1}))

	var last TaskEvent
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C:
			last = ev
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for task event")
		}
	}
	require.Equal(t, StatusCompleted, last.Status)
}

func TestBroker_QueueStats_Total(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "t", nil)
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, "t", nil)
	require.NoError(t, err)

	stats, err := b.QueueStats(ctx, DefaultQueue)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Pending)
	require.Equal(t, int64(2), stats.Total)
}
