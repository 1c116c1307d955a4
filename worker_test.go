package emberq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForStatus(t *testing.T, b *Broker, id string, want Status, timeout time.Duration) *Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := b.GetTask(context.Background(), id)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %s in time", id, want)
	return nil
}

func TestWorker_ProcessesTaskToCompletion(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	mux := NewMux()
	mux.Handle("add", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var in struct{ A, B int }
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"sum": in.A + in.B})
	})

	w := NewWorker(b, mux, WorkerConfig{
		WorkerID:          "w1",
		Queues:            []string{DefaultQueue},
		HeartbeatInterval: 50 * time.Millisecond,
	})
	w.Start()
	defer w.Stop()

	task, err := b.Enqueue(context.Background(), "add", map[string]int{"A": 2, "B": 3})
	require.NoError(t, err)

	completed := waitForStatus(t, b, task.ID, StatusCompleted, 2*time.Second)
	var out struct{ Sum int }
	require.NoError(t, json.Unmarshal(completed.Result, &out))
	require.Equal(t, 5, out.Sum)
}

func TestWorker_UnknownHandlerDeadLettersWithoutRetry(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	mux := NewMux()

	w := NewWorker(b, mux, WorkerConfig{WorkerID: "w1", Queues: []string{DefaultQueue}})
	w.Start()
	defer w.Stop()

	task, err := b.Enqueue(context.Background(), "mystery", nil, MaxRetries(5))
	require.NoError(t, err)

	failed := waitForStatus(t, b, task.ID, StatusFailed, 2*time.Second)
	require.Equal(t, 0, failed.Retries, "unknown handler must not consume retry budget")
	require.Equal(t, UnknownTaskMessage, failed.Error)
}

func TestWorker_HandlerErrorRetriesThenDeadLetters(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb, WithRetryBackoff(time.Millisecond, 5*time.Millisecond))
	mux := NewMux()
	mux.Handle("flaky", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errAlwaysFails
	})

	w := NewWorker(b, mux, WorkerConfig{
		WorkerID:          "w1",
		Queues:            []string{DefaultQueue},
		HeartbeatInterval: 50 * time.Millisecond,
	})
	w.Start()
	defer w.Stop()

	task, err := b.Enqueue(context.Background(), "flaky", nil, MaxRetries(1))
	require.NoError(t, err)

	failed := waitForStatus(t, b, task.ID, StatusFailed, 2*time.Second)
	require.Equal(t, 1, failed.Retries)
}

func TestWorker_RegistersAndHeartbeats(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	mux := NewMux()

	w := NewWorker(b, mux, WorkerConfig{
		WorkerID:          "w-reg",
		Queues:            []string{DefaultQueue},
		HeartbeatInterval: 20 * time.Millisecond,
	})
	w.Start()

	require.Eventually(t, func() bool {
		st, err := b.WorkerStats(context.Background(), "w-reg")
		return err == nil && st.LastHeartbeat > 0
	}, time.Second, 10*time.Millisecond)

	w.Stop()

	_, err := b.WorkerStats(context.Background(), "w-reg")
	require.ErrorIs(t, err, ErrNotFound, "Stop must unregister the worker")
}

func TestWorker_HandlerObservesCooperativeCancel(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	b := NewBroker(rdb)
	mux := NewMux()

	observed := make(chan struct{}, 1)
	mux.Handle("loop", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		for {
			if Cancelled(ctx) {
				observed <- struct{}{}
				return nil, context.Canceled
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	})

	w := NewWorker(b, mux, WorkerConfig{
		WorkerID:          "w1",
		Queues:            []string{DefaultQueue},
		HeartbeatInterval: 50 * time.Millisecond,
		TaskTimeout:       5 * time.Second,
	})
	w.Start()
	defer w.Stop()

	task, err := b.Enqueue(context.Background(), "loop", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tk, err := b.GetTask(context.Background(), task.ID)
		return err == nil && tk.Status == StatusProcessing
	}, time.Second, 10*time.Millisecond)

	_, err = b.CancelTask(context.Background(), DefaultQueue, task.ID)
	require.NoError(t, err)

	select {
	case <-observed:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never observed Cancelled(ctx) after CancelTask")
	}
}

type sentinelErr struct{ msg string }

func (e *sentinelErr) Error() string { return e.msg }

var errAlwaysFails = &sentinelErr{msg: "boom"}
