// Package runtime orchestrates the goroutines a worker needs: concurrent
// task-processing slots, a heartbeat loop, and the periodic maintenance
// sweeps (delayed-to-pending scheduling, stale-claim recovery, retention
// reaping). It is decoupled from the broker's concrete task and worker
// types via the Store interface, so it can be unit tested against a fake
// without importing the root package (which itself depends on this one).
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberq/emberq/internal/hctx"
)

// ErrNoHandler is returned by an Executor when no handler is registered
// for a task's name. The runtime dead-letters such tasks immediately,
// without consuming retry budget.
var ErrNoHandler = errors.New("no handler registered for task type")

// NoHandlerMessage and TimeoutMessage are the canonical Task.Error values
// the runtime records for the two dispositions it drives directly. The
// root package's equivalent message constants (errors.go) mirror these,
// since the root package cannot be imported here without a cycle.
const (
	NoHandlerMessage = "no handler registered for task type"
	TimeoutMessage   = "timeout"
)

// Logger is the minimal logging interface the runtime calls into. It
// mirrors the root package's Logger to avoid importing it.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// TaskHandle is the minimal view of a leased task the runtime needs to
// drive a handler and report its outcome.
type TaskHandle struct {
	ID      string
	Name    string
	Payload json.RawMessage
}

// WorkerSnapshot is the liveness/progress record the runtime publishes on
// registration and on every heartbeat tick.
type WorkerSnapshot struct {
	WorkerID       string
	Status         string
	Queues         []string
	CurrentTask    string
	LastHeartbeat  int64
	TasksCompleted int64
	TasksFailed    int64
	StartedAt      int64
}

// Store is the durable-state surface the runtime drives. The root
// package's brokerStore adapter (used by Worker) implements this over a
// *Broker.
type Store interface {
	Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*TaskHandle, error)
	CheckCancelled(ctx context.Context, id string) bool
	Complete(ctx context.Context, id string, result json.RawMessage) error
	Fail(ctx context.Context, id string, errMsg string) error
	FailTerminal(ctx context.Context, id string, errMsg string) error
	ScheduleDue(ctx context.Context, queue string, batch int) (int, error)
	SweepStale(ctx context.Context, queue string, maxAge time.Duration) (int, error)
	ReapExpired(ctx context.Context, queue string, batch int) (int, error)
	RegisterWorker(ctx context.Context, st WorkerSnapshot) error
	Heartbeat(ctx context.Context, st WorkerSnapshot) error
	UnregisterWorker(ctx context.Context, workerID string) error
	ListWorkers(ctx context.Context) ([]WorkerSnapshot, error)
}

// Executor runs the handler registered for name against payload and
// returns its JSON-serializable result, or ErrNoHandler if name has no
// registered handler.
type Executor func(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error)

// Config configures a Runtime.
type Config struct {
	WorkerID           string
	Queues             []string
	Concurrency        int
	HeartbeatInterval  time.Duration
	ScheduleInterval   time.Duration
	RetentionInterval  time.Duration
	ShutdownTimeout    time.Duration
	TaskTimeout        time.Duration
	DequeuePollTimeout time.Duration
	Logger             Logger
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ScheduleInterval <= 0 {
		c.ScheduleInterval = 200 * time.Millisecond
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 300 * time.Second
	}
	if c.DequeuePollTimeout <= 0 {
		c.DequeuePollTimeout = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	return c
}

// Runtime owns the goroutines backing one worker process: Concurrency
// task-processing slots plus maintenance loops, one set per configured
// queue.
type Runtime struct {
	cfg   Config
	store Store
	exec  Executor
	log   Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc

	completed atomic.Int64
	failed    atomic.Int64
	current   atomic.Pointer[string]
}

// New constructs a Runtime. exec is called once per leased task.
func New(store Store, cfg Config, exec Executor) *Runtime {
	cfg = cfg.withDefaults()
	return &Runtime{cfg: cfg, store: store, exec: exec, log: cfg.Logger}
}

// Start launches the processing slots and maintenance loops. Safe to call
// only once; a second call is a no-op.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		rt.log.Warnf("runtime already started; ignoring Start()")
		return
	}
	rt.started = true
	rt.ctx, rt.cancel = context.WithCancel(context.Background())
	rt.mu.Unlock()

	now := time.Now().UnixMilli()
	empty := ""
	rt.current.Store(&empty)
	if err := rt.store.RegisterWorker(rt.ctx, WorkerSnapshot{
		WorkerID:      rt.cfg.WorkerID,
		Status:        "starting",
		Queues:        rt.cfg.Queues,
		LastHeartbeat: now,
		StartedAt:     now,
	}); err != nil {
		rt.log.Errorf("register worker failed: id=%s err=%v", rt.cfg.WorkerID, err)
	}

	for i := 0; i < rt.cfg.Concurrency; i++ {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			rt.processingLoop()
		}()
	}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.heartbeatLoop()
	}()

	for _, q := range rt.cfg.Queues {
		rt.wg.Add(1)
		go func(queue string) {
			defer rt.wg.Done()
			rt.schedulerLoop(queue)
		}(q)

		rt.wg.Add(1)
		go func(queue string) {
			defer rt.wg.Done()
			rt.sweepLoop(queue)
		}(q)

		rt.wg.Add(1)
		go func(queue string) {
			defer rt.wg.Done()
			rt.retentionLoop(queue)
		}(q)
	}
}

// Stop signals every loop to stop picking up new work and waits up to
// ShutdownTimeout for in-flight tasks to finish. Safe to call only once
// after a successful Start; a second call is a no-op.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.mu.Unlock()
		rt.log.Warnf("runtime not started; ignoring Stop()")
		return
	}
	rt.started = false
	cancel := rt.cancel
	rt.mu.Unlock()

	rt.beat("stopping")

	cancel()

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(rt.cfg.ShutdownTimeout):
		rt.log.Warnf("shutdown timeout exceeded; some tasks may still be in flight")
	}

	rt.beat("stopped")

	unregisterCtx, unregisterCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer unregisterCancel()
	if err := rt.store.UnregisterWorker(unregisterCtx, rt.cfg.WorkerID); err != nil {
		rt.log.Warnf("unregister worker failed: id=%s err=%v", rt.cfg.WorkerID, err)
	}
}

func (rt *Runtime) processingLoop() {
	for {
		select {
		case <-rt.ctx.Done():
			return
		default:
		}

		handle, err := rt.store.Dequeue(rt.ctx, rt.cfg.Queues, rt.cfg.DequeuePollTimeout)
		if err != nil {
			if rt.ctx.Err() != nil {
				return
			}
			rt.log.Warnf("dequeue failed: err=%v", err)
			continue
		}
		if handle == nil {
			continue
		}
		rt.processOne(handle)
	}
}

// processOne runs one leased task's handler to completion. It uses a
// background context bounded by TaskTimeout rather than rt.ctx, so a task
// already in flight when Stop is called keeps running until it finishes
// or the shutdown timeout forces Stop to return.
func (rt *Runtime) processOne(handle *TaskHandle) {
	id := handle.ID
	rt.current.Store(&id)
	defer func() {
		empty := ""
		rt.current.Store(&empty)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.TaskTimeout)
	defer cancel()

	st := hctx.New(func() bool { return rt.store.CheckCancelled(context.Background(), handle.ID) })
	ctx = hctx.WithState(ctx, st)

	result, err := rt.exec(ctx, handle.Name, handle.Payload)
	if err == nil {
		if cerr := rt.store.Complete(context.Background(), handle.ID, result); cerr != nil {
			rt.log.Errorf("complete failed: id=%s name=%s err=%v", handle.ID, handle.Name, cerr)
			return
		}
		rt.completed.Add(1)
		rt.log.Debugf("task completed: id=%s name=%s", handle.ID, handle.Name)
		return
	}

	if errors.Is(err, ErrNoHandler) {
		if ferr := rt.store.FailTerminal(context.Background(), handle.ID, NoHandlerMessage); ferr != nil {
			rt.log.Errorf("dead-letter failed: id=%s name=%s err=%v", handle.ID, handle.Name, ferr)
		}
		rt.failed.Add(1)
		rt.log.Warnf("no handler for task: id=%s name=%s", handle.ID, handle.Name)
		return
	}

	errMsg := err.Error()
	if ctx.Err() == context.DeadlineExceeded {
		errMsg = TimeoutMessage
	}
	if ferr := rt.store.Fail(context.Background(), handle.ID, errMsg); ferr != nil {
		rt.log.Errorf("fail failed: id=%s name=%s err=%v", handle.ID, handle.Name, ferr)
		return
	}
	rt.failed.Add(1)
	rt.log.Warnf("task failed: id=%s name=%s err=%s", handle.ID, handle.Name, errMsg)
}

func (rt *Runtime) heartbeatLoop() {
	rt.beat("idle")
	ticker := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.C:
			rt.beat(rt.statusNow())
			rt.gcStaleWorkers()
		}
	}
}

// gcStaleWorkers removes worker records whose heartbeat is more than
// 5x HeartbeatInterval old. Any worker's heartbeat loop can do this; the
// SREM/DEL UnregisterWorker performs is safe to race since a second
// worker finding the same stale id just repeats a no-op delete.
func (rt *Runtime) gcStaleWorkers() {
	workers, err := rt.store.ListWorkers(rt.ctx)
	if err != nil {
		if rt.ctx.Err() == nil {
			rt.log.Warnf("worker gc list failed: err=%v", err)
		}
		return
	}
	cutoff := time.Now().Add(-5 * rt.cfg.HeartbeatInterval).UnixMilli()
	for _, w := range workers {
		if w.WorkerID == rt.cfg.WorkerID || w.LastHeartbeat >= cutoff {
			continue
		}
		if err := rt.store.UnregisterWorker(rt.ctx, w.WorkerID); err != nil {
			if rt.ctx.Err() == nil {
				rt.log.Warnf("worker gc unregister failed: id=%s err=%v", w.WorkerID, err)
			}
			continue
		}
		rt.log.Infof("garbage collected stale worker: id=%s last_heartbeat=%d", w.WorkerID, w.LastHeartbeat)
	}
}

func (rt *Runtime) statusNow() string {
	if cur := rt.current.Load(); cur != nil && *cur != "" {
		return "busy"
	}
	return "idle"
}

func (rt *Runtime) beat(status string) {
	current := ""
	if cur := rt.current.Load(); cur != nil {
		current = *cur
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := rt.store.Heartbeat(ctx, WorkerSnapshot{
		WorkerID:       rt.cfg.WorkerID,
		Status:         status,
		Queues:         rt.cfg.Queues,
		CurrentTask:    current,
		LastHeartbeat:  time.Now().UnixMilli(),
		TasksCompleted: rt.completed.Load(),
		TasksFailed:    rt.failed.Load(),
	})
	if err != nil {
		rt.log.Warnf("heartbeat failed: id=%s err=%v", rt.cfg.WorkerID, err)
	}
}

func (rt *Runtime) schedulerLoop(queue string) {
	ticker := time.NewTicker(rt.cfg.ScheduleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.C:
			if _, err := rt.store.ScheduleDue(rt.ctx, queue, 256); err != nil && rt.ctx.Err() == nil {
				rt.log.Warnf("scheduler failed: queue=%s err=%v", queue, err)
			}
		}
	}
}

func (rt *Runtime) sweepLoop(queue string) {
	// The processing claim timestamp is written once at dequeue and never
	// refreshed while the handler runs, so the cutoff must exceed the
	// longest a legitimate handler invocation can take (TaskTimeout), with
	// margin, or a still-running task gets reclaimed and re-dispatched out
	// from under its own worker.
	maxAge := 3 * rt.cfg.TaskTimeout
	ticker := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.C:
			n, err := rt.store.SweepStale(rt.ctx, queue, maxAge)
			if err != nil {
				if rt.ctx.Err() == nil {
					rt.log.Warnf("sweep failed: queue=%s err=%v", queue, err)
				}
				continue
			}
			if n > 0 {
				rt.log.Infof("swept stale tasks: queue=%s count=%d", queue, n)
			}
		}
	}
}

func (rt *Runtime) retentionLoop(queue string) {
	ticker := time.NewTicker(rt.cfg.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.C:
			if _, err := rt.store.ReapExpired(rt.ctx, queue, 256); err != nil && rt.ctx.Err() == nil {
				rt.log.Warnf("retention reap failed: queue=%s err=%v", queue, err)
			}
		}
	}
}
