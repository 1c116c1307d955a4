package emberq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emberq/emberq/internal/runtime"
	"github.com/google/uuid"
)

// WorkerConfig configures a Worker. Retry backoff is configured on the
// Broker (WithRetryBackoff), not here, since it governs durable task
// state shared by every worker rather than any one process's loop.
type WorkerConfig struct {
	// WorkerID identifies this process in worker registry listings and
	// dashboard snapshots. Defaults to a generated UUID.
	WorkerID string

	// Queues lists the queues this worker polls, in scan order. Defaults
	// to []string{DefaultQueue}.
	Queues []string

	// Concurrency is the number of tasks this worker processes at once.
	// Default 1.
	Concurrency int

	// HeartbeatInterval is how often the worker refreshes its liveness
	// record, and also the interval on which it garbage-collects other
	// workers' records once they go 5x this interval stale. Default 10s.
	HeartbeatInterval time.Duration

	// ShutdownTimeout bounds how long Stop waits for in-flight tasks to
	// finish before returning anyway. Default 30s.
	ShutdownTimeout time.Duration

	// TaskTimeout bounds how long a single handler invocation may run
	// before its context is cancelled and the task is failed with a
	// "timeout" error. It also governs the stale-claim cutoff used to
	// recover tasks from a crashed worker (3x this duration), since the
	// processing claim timestamp is never refreshed mid-run. Default 300s.
	TaskTimeout time.Duration

	// Logger overrides the worker's logger. Default is a no-op logger.
	Logger Logger
}

// Worker polls a Broker's queues and dispatches leased tasks to handlers
// registered on a Mux, running the heartbeat, retry-scheduling,
// stale-claim sweep, and retention-reap maintenance loops alongside.
type Worker struct {
	rt *runtime.Runtime
}

// NewWorker constructs a Worker over broker, dispatching to handlers
// registered on mux, per cfg.
func NewWorker(broker *Broker, mux *Mux, cfg WorkerConfig) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{DefaultQueue}
	}
	log := cfg.Logger
	if log == nil {
		log = noopLogger{}
	}

	adapter := &brokerStore{broker: broker}
	exec := func(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
		h, ok := mux.Lookup(name)
		if !ok {
			// Wrapped with both sentinels: ErrUnknownTask is this package's
			// documented meaning for the condition, runtime.ErrNoHandler is
			// what the runtime's own dead-lettering check matches on.
			return nil, fmt.Errorf("%w: %w", ErrUnknownTask, runtime.ErrNoHandler)
		}
		return h(ctx, payload)
	}

	rt := runtime.New(adapter, runtime.Config{
		WorkerID:          cfg.WorkerID,
		Queues:            cfg.Queues,
		Concurrency:       cfg.Concurrency,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		TaskTimeout:       cfg.TaskTimeout,
		Logger:            runtimeLoggerAdapter{log},
	}, exec)

	return &Worker{rt: rt}
}

// Start launches the worker's processing and maintenance loops. Safe to
// call only once.
func (w *Worker) Start() { w.rt.Start() }

// Stop signals every loop to stop picking up new work and waits for
// in-flight tasks to finish, up to WorkerConfig.ShutdownTimeout. Safe to
// call only once after Start.
func (w *Worker) Stop() { w.rt.Stop() }

// runtimeLoggerAdapter satisfies runtime.Logger over the root Logger
// interface; the two are structurally identical but kept as distinct
// types so internal/runtime never imports this package.
type runtimeLoggerAdapter struct{ Logger }

// brokerStore adapts *Broker to the runtime.Store interface, translating
// between the root package's Task/WorkerState types and the runtime
// package's storage-agnostic primitives.
type brokerStore struct {
	broker *Broker
}

func (s *brokerStore) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*runtime.TaskHandle, error) {
	t, err := s.broker.Dequeue(ctx, queues, timeout)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	return &runtime.TaskHandle{ID: t.ID, Name: t.Name, Payload: t.Payload}, nil
}

func (s *brokerStore) CheckCancelled(ctx context.Context, id string) bool {
	t, err := s.broker.GetTask(ctx, id)
	if err != nil {
		return false
	}
	return t.CancelRequested
}

func (s *brokerStore) Complete(ctx context.Context, id string, result json.RawMessage) error {
	t, err := s.broker.GetTask(ctx, id)
	if err != nil {
		return err
	}
	var payload any
	if len(result) > 0 {
		payload = result
	}
	return s.broker.Complete(ctx, t, payload)
}

func (s *brokerStore) Fail(ctx context.Context, id string, errMsg string) error {
	t, err := s.broker.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return s.broker.Fail(ctx, t, errMsg)
}

func (s *brokerStore) FailTerminal(ctx context.Context, id string, errMsg string) error {
	t, err := s.broker.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return s.broker.FailTerminal(ctx, t, errMsg)
}

func (s *brokerStore) ScheduleDue(ctx context.Context, queue string, batch int) (int, error) {
	ids, err := s.broker.ScheduleDue(ctx, queue, batch)
	return len(ids), err
}

func (s *brokerStore) SweepStale(ctx context.Context, queue string, maxAge time.Duration) (int, error) {
	tasks, err := s.broker.SweepStale(ctx, queue, maxAge)
	return len(tasks), err
}

func (s *brokerStore) ReapExpired(ctx context.Context, queue string, batch int) (int, error) {
	return s.broker.ReapExpired(ctx, queue, batch)
}

func (s *brokerStore) RegisterWorker(ctx context.Context, st runtime.WorkerSnapshot) error {
	return s.broker.RegisterWorker(ctx, snapshotToState(st))
}

func (s *brokerStore) Heartbeat(ctx context.Context, st runtime.WorkerSnapshot) error {
	return s.broker.Heartbeat(ctx, st.WorkerID, snapshotToState(st))
}

func (s *brokerStore) UnregisterWorker(ctx context.Context, workerID string) error {
	return s.broker.UnregisterWorker(ctx, workerID)
}

func (s *brokerStore) ListWorkers(ctx context.Context) ([]runtime.WorkerSnapshot, error) {
	states, err := s.broker.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]runtime.WorkerSnapshot, 0, len(states))
	for _, st := range states {
		out = append(out, runtime.WorkerSnapshot{
			WorkerID:       st.WorkerID,
			Status:         string(st.Status),
			Queues:         st.Queues,
			CurrentTask:    st.CurrentTask,
			LastHeartbeat:  st.LastHeartbeat,
			TasksCompleted: st.TasksCompleted,
			TasksFailed:    st.TasksFailed,
			StartedAt:      st.StartedAt,
		})
	}
	return out, nil
}

func snapshotToState(st runtime.WorkerSnapshot) WorkerState {
	status := WorkerStatus(st.Status)
	return WorkerState{
		WorkerID:       st.WorkerID,
		Status:         status,
		Queues:         st.Queues,
		CurrentTask:    st.CurrentTask,
		LastHeartbeat:  st.LastHeartbeat,
		TasksCompleted: st.TasksCompleted,
		TasksFailed:    st.TasksFailed,
		StartedAt:      st.StartedAt,
	}
}
