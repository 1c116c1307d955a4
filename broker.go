package emberq

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/emberq/emberq/internal/keys"
	"github.com/emberq/emberq/internal/store"
	"github.com/redis/go-redis/v9"
)

// Broker owns all durable state for tasks, queues, and workers, and
// exposes atomic operations over it. A Broker is constructed once per
// process and shared by reference with every Worker that needs it; it
// never holds a reference back to any worker.
type Broker struct {
	rdb redis.UniversalClient
	enc Encoder
	log Logger
	bus *Bus

	completedRetention time.Duration
	dlqRetention       time.Duration
	baseRetryDelay     time.Duration
	maxRetryDelay      time.Duration
	dashboardInterval  time.Duration

	dashMu     sync.Mutex
	dashCancel context.CancelFunc
}

// BrokerOption configures a Broker at construction time.
type BrokerOption func(*Broker)

// WithLogger overrides the broker's logger. Default is a no-op logger.
func WithLogger(l Logger) BrokerOption { return func(b *Broker) { b.log = l } }

// WithEncoder overrides the broker's task/result encoder. Default is
// JSONEncoder.
func WithEncoder(e Encoder) BrokerOption { return func(b *Broker) { b.enc = e } }

// WithBus overrides the broker's event bus, useful for sharing one Bus
// across several Brokers in tests. Default is a fresh Bus.
func WithBus(bus *Bus) BrokerOption { return func(b *Broker) { b.bus = bus } }

// WithCompletedRetention overrides how long a completed task's record is
// kept before the retention reaper may remove it. Default 24h.
func WithCompletedRetention(d time.Duration) BrokerOption {
	return func(b *Broker) { b.completedRetention = d }
}

// WithDeadLetterRetention overrides how long a dead-lettered task's
// record is kept. Default 24h.
func WithDeadLetterRetention(d time.Duration) BrokerOption {
	return func(b *Broker) { b.dlqRetention = d }
}

// WithRetryBackoff overrides the retry backoff base and cap. Defaults
// 1s/300s, per delay = min(base * 2^(n-1), cap).
func WithRetryBackoff(base, cap time.Duration) BrokerOption {
	return func(b *Broker) { b.baseRetryDelay = base; b.maxRetryDelay = cap }
}

// WithDashboardInterval overrides how often the dashboard snapshot ticker
// fires while at least one dashboard subscriber is attached. Default 2s.
func WithDashboardInterval(d time.Duration) BrokerOption {
	return func(b *Broker) { b.dashboardInterval = d }
}

// NewBroker constructs a Broker over rdb with the given options applied
// on top of the documented defaults.
func NewBroker(rdb redis.UniversalClient, opts ...BrokerOption) *Broker {
	b := &Broker{
		rdb:                rdb,
		enc:                &JSONEncoder{},
		log:                noopLogger{},
		bus:                NewBus(),
		completedRetention: 24 * time.Hour,
		dlqRetention:       24 * time.Hour,
		baseRetryDelay:     time.Second,
		maxRetryDelay:      300 * time.Second,
		dashboardInterval:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) wrapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
}

// loadTask returns (nil, nil) if the task record does not exist.
func (b *Broker) loadTask(ctx context.Context, id string) (*Task, error) {
	data, err := b.rdb.Get(ctx, keys.Task(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, b.wrapRedisErr(err)
	}
	var t Task
	if err := b.enc.Decode(data, &t); err != nil {
		return nil, fmt.Errorf("%w: decode task %s: %v", ErrBrokerUnavailable, id, err)
	}
	return &t, nil
}

func (b *Broker) saveTask(ctx context.Context, t *Task) error {
	data, err := b.enc.Encode(t)
	if err != nil {
		return fmt.Errorf("%w: encode task: %v", ErrInvalidInput, err)
	}
	if err := b.rdb.Set(ctx, keys.Task(t.ID), data, 0).Err(); err != nil {
		return b.wrapRedisErr(err)
	}
	return nil
}

func (b *Broker) loadTasksInOrder(ctx context.Context, ids []string) ([]*Task, error) {
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := b.loadTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func paginate(tasks []*Task, offset, limit int) []*Task {
	if offset >= len(tasks) {
		return []*Task{}
	}
	end := offset + limit
	if end > len(tasks) {
		end = len(tasks)
	}
	return tasks[offset:end]
}

func (b *Broker) publishTaskEvent(t Task, event string) {
	b.bus.PublishTask(t.ID, TaskEvent{
		Event:  event,
		TaskID: t.ID,
		Status: t.Status,
		Result: t.Result,
		Error:  t.Error,
		Ts:     time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// backoffDelay returns min(base * 2^(n-1), cap) for retry attempt n
// (1-indexed), per spec.md §4.2.
func backoffDelay(n int, base, cap time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 32 { // guard against overflow from 1<<uint(n-1)
		return cap
	}
	d := base * time.Duration(uint64(1)<<uint(n-1))
	if d <= 0 || d > cap {
		return cap
	}
	return d
}

// Enqueue creates a new task and places it in its queue's pending set.
// It fails with ErrInvalidInput on bad fields, ErrConflict if opts
// specifies an id that already exists.
func (b *Broker) Enqueue(ctx context.Context, name string, payload any, opts ...Option) (*Task, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	raw, err := b.enc.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", ErrInvalidInput, err)
	}

	task, err := NewTask(name, json.RawMessage(raw), o.priority, o.queue, o.maxRetries, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	if o.id != "" {
		task.ID = o.id
	}

	data, err := b.enc.Encode(task)
	if err != nil {
		return nil, fmt.Errorf("%w: encode task: %v", ErrInvalidInput, err)
	}

	ok, err := b.rdb.SetNX(ctx, keys.Task(task.ID), data, 0).Result()
	if err != nil {
		return nil, b.wrapRedisErr(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: task id %q already exists", ErrConflict, task.ID)
	}

	k := keys.For(task.Queue)
	score := store.PendingScore(task.Priority, task.CreatedAt)
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, k.Pending, redis.Z{Score: score, Member: task.ID})
		p.SAdd(ctx, keys.Queues(), task.Queue)
		return nil
	})
	if err != nil {
		return nil, b.wrapRedisErr(err)
	}

	b.publishTaskEvent(*task, "task_update")
	return task, nil
}

// Dequeue blocks up to timeout across the supplied queues (in the order
// given) and returns the highest-priority task from the first queue that
// has one. Paused queues are skipped entirely. Returns (nil, nil) on
// timeout with no work.
func (b *Broker) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*Task, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("%w: queues must not be empty", ErrInvalidInput)
	}

	pendingKeys := make([]string, 0, len(queues))
	for _, q := range queues {
		paused, err := b.rdb.Exists(ctx, keys.Paused(q)).Result()
		if err != nil {
			return nil, b.wrapRedisErr(err)
		}
		if paused == 1 {
			continue
		}
		pendingKeys = append(pendingKeys, keys.Pending(q))
	}
	if len(pendingKeys) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(timeout):
		}
		return nil, nil
	}

	res, err := b.rdb.BZPopMin(ctx, timeout, pendingKeys...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, b.wrapRedisErr(err)
	}
	id, ok := res.Member.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected pending member type", ErrBrokerUnavailable)
	}
	queue := keys.ExtractQueueName(res.Key)
	k := keys.For(queue)
	now := time.Now().UnixMilli()

	if _, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, k.Processing, id)
		p.HSet(ctx, k.ProcessingTS, id, now)
		return nil
	}); err != nil {
		return nil, b.wrapRedisErr(err)
	}

	task, err := b.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		// Record vanished between claim and load (administrative purge
		// racing a dequeue); release the claim and report no work.
		b.rdb.SRem(ctx, k.Processing, id)
		b.rdb.HDel(ctx, k.ProcessingTS, id)
		return nil, nil
	}

	processing, err := task.MarkProcessing(now)
	if err != nil {
		return nil, err
	}
	if err := b.saveTask(ctx, &processing); err != nil {
		return nil, err
	}
	b.publishTaskEvent(processing, "task_update")
	return &processing, nil
}

// Complete marks t completed with result, updates the durable record, and
// moves its id from processing to completed. *t is updated in place to
// reflect the new state.
func (b *Broker) Complete(ctx context.Context, t *Task, result any) error {
	var resultRaw json.RawMessage
	if result != nil {
		raw, err := b.enc.Encode(result)
		if err != nil {
			return fmt.Errorf("%w: encode result: %v", ErrInvalidInput, err)
		}
		resultRaw = raw
	}

	now := time.Now().UnixMilli()
	completed, err := t.MarkCompleted(resultRaw, now)
	if err != nil {
		return err
	}
	data, err := b.enc.Encode(completed)
	if err != nil {
		return fmt.Errorf("%w: encode task: %v", ErrInvalidInput, err)
	}

	k := keys.For(completed.Queue)
	expireAt := now + b.completedRetention.Milliseconds()
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, keys.Task(completed.ID), data, 0)
		p.SRem(ctx, k.Processing, completed.ID)
		p.HDel(ctx, k.ProcessingTS, completed.ID)
		p.SAdd(ctx, k.Completed, completed.ID)
		p.ZAdd(ctx, k.CompletedExpiry, redis.Z{Score: float64(expireAt), Member: completed.ID})
		return nil
	})
	if err != nil {
		return b.wrapRedisErr(err)
	}

	*t = completed
	b.publishTaskEvent(completed, "task_update")
	return nil
}

// Fail disposes of a failed attempt: if retry budget remains, the task
// returns to pending after its backoff delay; otherwise it is parked in
// the dead-letter set. *t is updated in place to reflect the new state.
func (b *Broker) Fail(ctx context.Context, t *Task, errMsg string) error {
	disposed, err := b.disposeFailure(ctx, *t, errMsg, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	*t = disposed
	return nil
}

// disposeFailure is the shared retry-or-dead-letter path used by both
// Fail and SweepStale: it retries if budget remains, else dead-letters.
func (b *Broker) disposeFailure(ctx context.Context, task Task, errMsg string, now int64) (Task, error) {
	if task.CanRetry() {
		return b.retryDisposal(ctx, task, errMsg, now)
	}
	return b.terminalDisposal(ctx, task, errMsg, now)
}

func (b *Broker) retryDisposal(ctx context.Context, task Task, errMsg string, now int64) (Task, error) {
	k := keys.For(task.Queue)
	retried, err := task.PrepareRetry(errMsg)
	if err != nil {
		return Task{}, err
	}
	data, err := b.enc.Encode(retried)
	if err != nil {
		return Task{}, fmt.Errorf("%w: encode task: %v", ErrInvalidInput, err)
	}
	delay := backoffDelay(retried.Retries, b.baseRetryDelay, b.maxRetryDelay)
	visibleAt := now + delay.Milliseconds()

	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, keys.Task(retried.ID), data, 0)
		p.SRem(ctx, k.Processing, retried.ID)
		p.HDel(ctx, k.ProcessingTS, retried.ID)
		p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(visibleAt), Member: retried.ID})
		return nil
	})
	if err != nil {
		return Task{}, b.wrapRedisErr(err)
	}
	b.publishTaskEvent(retried, "task_update")
	return retried, nil
}

// terminalDisposal dead-letters task unconditionally, ignoring any
// remaining retry budget. Used for the exhausted-retries path and for
// non-retryable failures such as an unknown task name.
func (b *Broker) terminalDisposal(ctx context.Context, task Task, errMsg string, now int64) (Task, error) {
	k := keys.For(task.Queue)
	failed, err := task.MarkFailedTerminal(errMsg, now)
	if err != nil {
		return Task{}, err
	}
	data, err := b.enc.Encode(failed)
	if err != nil {
		return Task{}, fmt.Errorf("%w: encode task: %v", ErrInvalidInput, err)
	}
	expireAt := now + b.dlqRetention.Milliseconds()

	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, keys.Task(failed.ID), data, 0)
		p.SRem(ctx, k.Processing, failed.ID)
		p.HDel(ctx, k.ProcessingTS, failed.ID)
		p.SAdd(ctx, k.Failed, failed.ID)
		p.ZAdd(ctx, k.DLQ, redis.Z{Score: float64(now), Member: failed.ID})
		p.ZAdd(ctx, k.DLQExpiry, redis.Z{Score: float64(expireAt), Member: failed.ID})
		return nil
	})
	if err != nil {
		return Task{}, b.wrapRedisErr(err)
	}
	b.publishTaskEvent(failed, "task_update")
	return failed, nil
}

// FailTerminal dead-letters t immediately, bypassing its remaining retry
// budget. Workers use this when a task names a handler that was never
// registered: retrying would just fail the same way every time.
func (b *Broker) FailTerminal(ctx context.Context, t *Task, errMsg string) error {
	disposed, err := b.terminalDisposal(ctx, *t, errMsg, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	*t = disposed
	return nil
}

// GetTask returns the task by id, or ErrNotFound if it does not exist.
func (b *Broker) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := b.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return t, nil
}

// ListTasks returns a page of tasks in queue with the given status.
// Ordering for StatusPending is priority-then-insertion (the pending
// set's native order); other statuses order by created_at ascending,
// since their backing sets carry no intrinsic order. limit is clamped to
// [1, 500].
func (b *Broker) ListTasks(ctx context.Context, queue string, status Status, limit, offset int) ([]*Task, int, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	k := keys.For(queue)
	var ids []string
	var err error
	switch status {
	case StatusPending:
		ids, err = b.rdb.ZRange(ctx, k.Pending, 0, -1).Result()
	case StatusProcessing:
		ids, err = b.rdb.SMembers(ctx, k.Processing).Result()
	case StatusCompleted:
		ids, err = b.rdb.SMembers(ctx, k.Completed).Result()
	case StatusFailed:
		ids, err = b.rdb.SMembers(ctx, k.Failed).Result()
	default:
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if err != nil {
		return nil, 0, b.wrapRedisErr(err)
	}

	tasks, err := b.loadTasksInOrder(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	if status != StatusPending {
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt < tasks[j].CreatedAt })
	}
	return paginate(tasks, offset, limit), len(tasks), nil
}

// QueueStats returns set cardinalities for queue; O(1) per set.
func (b *Broker) QueueStats(ctx context.Context, queue string) (QueueStats, error) {
	k := keys.For(queue)
	pipe := b.rdb.Pipeline()
	pendingCmd := pipe.ZCard(ctx, k.Pending)
	processingCmd := pipe.SCard(ctx, k.Processing)
	completedCmd := pipe.SCard(ctx, k.Completed)
	failedCmd := pipe.SCard(ctx, k.Failed)
	pausedCmd := pipe.Exists(ctx, k.Paused)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return QueueStats{}, b.wrapRedisErr(err)
	}

	stats := QueueStats{
		Queue:      queue,
		Pending:    pendingCmd.Val(),
		Processing: processingCmd.Val(),
		Completed:  completedCmd.Val(),
		Failed:     failedCmd.Val(),
		Paused:     pausedCmd.Val() == 1,
	}
	stats.Total = stats.Pending + stats.Processing + stats.Completed + stats.Failed
	return stats, nil
}

// Pause sets queue's paused flag; workers must not dequeue from it until
// Resume is called.
func (b *Broker) Pause(ctx context.Context, queue string) error {
	if err := b.rdb.Set(ctx, keys.Paused(queue), "1", 0).Err(); err != nil {
		return b.wrapRedisErr(err)
	}
	return nil
}

// Resume clears queue's paused flag.
func (b *Broker) Resume(ctx context.Context, queue string) error {
	if err := b.rdb.Del(ctx, keys.Paused(queue)).Err(); err != nil {
		return b.wrapRedisErr(err)
	}
	return nil
}

// PurgeDeadLetter removes every task in queue's dead-letter set along
// with its task record, returning the number removed.
func (b *Broker) PurgeDeadLetter(ctx context.Context, queue string) (int, error) {
	k := keys.For(queue)
	ids, err := b.rdb.ZRange(ctx, k.DLQ, 0, -1).Result()
	if err != nil {
		return 0, b.wrapRedisErr(err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	taskKeys := make([]string, len(ids))
	for i, id := range ids {
		taskKeys[i] = keys.Task(id)
	}
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, taskKeys...)
		p.Del(ctx, k.DLQ)
		p.Del(ctx, k.DLQExpiry)
		for _, id := range ids {
			p.SRem(ctx, k.Failed, id)
		}
		return nil
	})
	if err != nil {
		return 0, b.wrapRedisErr(err)
	}
	return len(ids), nil
}

// RequeueDeadLetter moves id from queue's dead-letter set back to
// pending, resetting retries to 0. Returns false if id was not in the
// dead-letter set.
func (b *Broker) RequeueDeadLetter(ctx context.Context, queue, id string) (bool, error) {
	k := keys.For(queue)
	removed, err := b.rdb.ZRem(ctx, k.DLQ, id).Result()
	if err != nil {
		return false, b.wrapRedisErr(err)
	}
	if removed == 0 {
		return false, nil
	}

	task, err := b.loadTask(ctx, id)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	reset := task.ResetForRequeue()
	data, err := b.enc.Encode(reset)
	if err != nil {
		return false, fmt.Errorf("%w: encode task: %v", ErrInvalidInput, err)
	}
	score := store.PendingScore(reset.Priority, reset.CreatedAt)

	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, keys.Task(id), data, 0)
		p.SRem(ctx, k.Failed, id)
		p.ZRem(ctx, k.DLQExpiry, id)
		p.ZAdd(ctx, k.Pending, redis.Z{Score: score, Member: id})
		return nil
	})
	if err != nil {
		return false, b.wrapRedisErr(err)
	}
	b.publishTaskEvent(reset, "task_update")
	return true, nil
}

// CancelTask cancels id in queue. A pending task is removed and
// dead-lettered immediately (atomic). A processing task is only marked
// for cancellation: the handler must cooperate via emberq.Cancelled(ctx);
// if it completes before checking, the completion wins. Returns false if
// the task does not exist or is already terminal.
func (b *Broker) CancelTask(ctx context.Context, queue, id string) (bool, error) {
	k := keys.For(queue)
	task, err := b.loadTask(ctx, id)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Status {
	case StatusPending:
		removed, err := b.rdb.ZRem(ctx, k.Pending, id).Result()
		if err != nil {
			return false, b.wrapRedisErr(err)
		}
		if removed == 0 {
			// Lost the race with a dequeue; fall through to the
			// processing-cancel path is not safe here since we already
			// read a stale status, so just report no-op.
			return false, nil
		}

		now := time.Now().UnixMilli()
		cancelled := *task
		cancelled.Status = StatusFailed
		cancelled.CompletedAt = now
		cancelled.Error = "cancelled"
		data, err := b.enc.Encode(cancelled)
		if err != nil {
			return false, fmt.Errorf("%w: encode task: %v", ErrInvalidInput, err)
		}
		expireAt := now + b.dlqRetention.Milliseconds()

		_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, keys.Task(id), data, 0)
			p.SAdd(ctx, k.Failed, id)
			p.ZAdd(ctx, k.DLQ, redis.Z{Score: float64(now), Member: id})
			p.ZAdd(ctx, k.DLQExpiry, redis.Z{Score: float64(expireAt), Member: id})
			return nil
		})
		if err != nil {
			return false, b.wrapRedisErr(err)
		}
		b.publishTaskEvent(cancelled, "task_update")
		return true, nil

	case StatusProcessing:
		marked := *task
		marked.CancelRequested = true
		if err := b.saveTask(ctx, &marked); err != nil {
			return false, err
		}
		b.publishTaskEvent(marked, "task_update")
		return true, nil

	default:
		return false, nil
	}
}

// RetryTask re-enqueues a failed or completed task with retries reset to
// 0. Returns false if id does not exist; ErrConflict if it is currently
// pending or processing.
func (b *Broker) RetryTask(ctx context.Context, queue, id string) (bool, error) {
	k := keys.For(queue)
	task, err := b.loadTask(ctx, id)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	if task.Status != StatusFailed && task.Status != StatusCompleted {
		return false, fmt.Errorf("%w: cannot retry task in status %s", ErrConflict, task.Status)
	}

	reset := task.ResetForRequeue()
	data, err := b.enc.Encode(reset)
	if err != nil {
		return false, fmt.Errorf("%w: encode task: %v", ErrInvalidInput, err)
	}
	score := store.PendingScore(reset.Priority, reset.CreatedAt)

	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, keys.Task(id), data, 0)
		p.SRem(ctx, k.Completed, id)
		p.ZRem(ctx, k.CompletedExpiry, id)
		p.SRem(ctx, k.Failed, id)
		p.ZRem(ctx, k.DLQ, id)
		p.ZRem(ctx, k.DLQExpiry, id)
		p.ZAdd(ctx, k.Pending, redis.Z{Score: score, Member: id})
		return nil
	})
	if err != nil {
		return false, b.wrapRedisErr(err)
	}
	b.publishTaskEvent(reset, "task_update")
	return true, nil
}

// RegisterWorker records a new worker's state at startup.
func (b *Broker) RegisterWorker(ctx context.Context, st WorkerState) error {
	data, err := st.encode(b.enc)
	if err != nil {
		return fmt.Errorf("%w: encode worker state: %v", ErrInvalidInput, err)
	}
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, keys.Worker(st.WorkerID), data, 0)
		p.SAdd(ctx, keys.Workers(), st.WorkerID)
		return nil
	})
	if err != nil {
		return b.wrapRedisErr(err)
	}
	return nil
}

func (b *Broker) loadWorker(ctx context.Context, id string) (*WorkerState, error) {
	data, err := b.rdb.Get(ctx, keys.Worker(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, b.wrapRedisErr(err)
	}
	st, err := decodeWorkerState(b.enc, data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode worker %s: %v", ErrBrokerUnavailable, id, err)
	}
	return &st, nil
}

// Heartbeat updates a registered worker's liveness record.
func (b *Broker) Heartbeat(ctx context.Context, id string, st WorkerState) error {
	st.WorkerID = id
	data, err := st.encode(b.enc)
	if err != nil {
		return fmt.Errorf("%w: encode worker state: %v", ErrInvalidInput, err)
	}
	if err := b.rdb.Set(ctx, keys.Worker(id), data, 0).Err(); err != nil {
		return b.wrapRedisErr(err)
	}
	return nil
}

// UnregisterWorker removes a worker's state record on clean shutdown.
func (b *Broker) UnregisterWorker(ctx context.Context, id string) error {
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys.Worker(id))
		p.SRem(ctx, keys.Workers(), id)
		return nil
	})
	if err != nil {
		return b.wrapRedisErr(err)
	}
	return nil
}

// ListWorkers returns the state of every registered worker.
func (b *Broker) ListWorkers(ctx context.Context) ([]WorkerState, error) {
	ids, err := b.rdb.SMembers(ctx, keys.Workers()).Result()
	if err != nil {
		return nil, b.wrapRedisErr(err)
	}
	out := make([]WorkerState, 0, len(ids))
	for _, id := range ids {
		st, err := b.loadWorker(ctx, id)
		if err != nil {
			return nil, err
		}
		if st != nil {
			out = append(out, *st)
		}
	}
	return out, nil
}

// WorkerStats returns one worker's state, or ErrNotFound.
func (b *Broker) WorkerStats(ctx context.Context, id string) (WorkerState, error) {
	st, err := b.loadWorker(ctx, id)
	if err != nil {
		return WorkerState{}, err
	}
	if st == nil {
		return WorkerState{}, fmt.Errorf("%w: worker %s", ErrNotFound, id)
	}
	return *st, nil
}

// SweepStale scans queue's processing set for ids whose claim timestamp
// is older than maxAge and re-dispositions each (retry with backoff, or
// dead-letter) exactly as Fail would. It is safe to call concurrently
// from multiple workers: the underlying claim is atomic, so a task
// concurrently completing is never double-recovered.
func (b *Broker) SweepStale(ctx context.Context, queue string, maxAge time.Duration) ([]*Task, error) {
	k := keys.For(queue)
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	ids, err := store.ClaimStale(ctx, b.rdb, k.Processing, k.ProcessingTS, cutoff, 256)
	if err != nil {
		return nil, b.wrapRedisErr(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UnixMilli()
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, err := b.loadTask(ctx, id)
		if err != nil {
			b.log.Warnf("sweep: load failed queue=%s id=%s err=%v", queue, id, err)
			continue
		}
		if task == nil {
			continue
		}
		disposed, err := b.disposeFailure(ctx, *task, "stale: worker heartbeat lost", now)
		if err != nil {
			b.log.Warnf("sweep: dispose failed queue=%s id=%s err=%v", queue, id, err)
			continue
		}
		out = append(out, &disposed)
	}
	return out, nil
}

// ScheduleDue moves due entries from queue's delayed set back into
// pending, recomputing each moved task's pending score. It is meant to be
// called on a short timer by the worker runtime; it returns the ids moved.
func (b *Broker) ScheduleDue(ctx context.Context, queue string, batch int) ([]string, error) {
	k := keys.For(queue)
	ids, err := store.ScheduleDue(ctx, b.rdb, k.Delayed, k.Pending, "task:", time.Now().UnixMilli(), batch)
	if err != nil {
		return nil, b.wrapRedisErr(err)
	}
	return ids, nil
}

// ReapExpired permanently removes completed and dead-lettered task
// records in queue whose retention window has elapsed, returning the
// number removed. Meant to be called periodically by the worker runtime.
func (b *Broker) ReapExpired(ctx context.Context, queue string, batch int) (int, error) {
	k := keys.For(queue)
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	removed := 0

	completedIDs, err := b.rdb.ZRangeByScore(ctx, k.CompletedExpiry, &redis.ZRangeBy{Min: "-inf", Max: now, Count: int64(batch)}).Result()
	if err != nil {
		return removed, b.wrapRedisErr(err)
	}
	if len(completedIDs) > 0 {
		taskKeys := make([]string, len(completedIDs))
		for i, id := range completedIDs {
			taskKeys[i] = keys.Task(id)
		}
		_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, taskKeys...)
			for _, id := range completedIDs {
				p.SRem(ctx, k.Completed, id)
				p.ZRem(ctx, k.CompletedExpiry, id)
			}
			return nil
		})
		if err != nil {
			return removed, b.wrapRedisErr(err)
		}
		removed += len(completedIDs)
	}

	dlqIDs, err := b.rdb.ZRangeByScore(ctx, k.DLQExpiry, &redis.ZRangeBy{Min: "-inf", Max: now, Count: int64(batch)}).Result()
	if err != nil {
		return removed, b.wrapRedisErr(err)
	}
	if len(dlqIDs) > 0 {
		taskKeys := make([]string, len(dlqIDs))
		for i, id := range dlqIDs {
			taskKeys[i] = keys.Task(id)
		}
		_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, taskKeys...)
			for _, id := range dlqIDs {
				p.SRem(ctx, k.Failed, id)
				p.ZRem(ctx, k.DLQ, id)
				p.ZRem(ctx, k.DLQExpiry, id)
			}
			return nil
		})
		if err != nil {
			return removed, b.wrapRedisErr(err)
		}
		removed += len(dlqIDs)
	}

	return removed, nil
}

// SubscribeTask returns a live feed of events for one task's id.
func (b *Broker) SubscribeTask(id string) *TaskSubscription {
	return b.bus.SubscribeTask(id)
}

// SubscribeDashboard returns a live feed of periodic aggregate snapshots,
// starting the snapshot ticker if this is the first subscriber.
func (b *Broker) SubscribeDashboard() *DashboardSubscription {
	sub := b.bus.SubscribeDashboard()
	b.ensureDashboardTicker()
	sub.closeFn = b.maybeStopDashboardTicker
	return sub
}

func (b *Broker) ensureDashboardTicker() {
	b.dashMu.Lock()
	defer b.dashMu.Unlock()
	if b.dashCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.dashCancel = cancel
	go b.runDashboardTicker(ctx)
}

func (b *Broker) maybeStopDashboardTicker() {
	b.dashMu.Lock()
	defer b.dashMu.Unlock()
	if b.bus.dashboardSubscriberCount() > 0 {
		return
	}
	if b.dashCancel != nil {
		b.dashCancel()
		b.dashCancel = nil
	}
}

func (b *Broker) runDashboardTicker(ctx context.Context) {
	ticker := time.NewTicker(b.dashboardInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := b.buildDashboardSnapshot(ctx)
			if err != nil {
				b.log.Warnf("dashboard: snapshot failed err=%v", err)
				continue
			}
			b.bus.PublishDashboard(snap)
		}
	}
}

func (b *Broker) buildDashboardSnapshot(ctx context.Context) (DashboardSnapshot, error) {
	queueNames, err := b.rdb.SMembers(ctx, keys.Queues()).Result()
	if err != nil {
		return DashboardSnapshot{}, b.wrapRedisErr(err)
	}

	queues := make([]QueueSnapshot, 0, len(queueNames))
	for _, q := range queueNames {
		stats, err := b.QueueStats(ctx, q)
		if err != nil {
			return DashboardSnapshot{}, err
		}
		queues = append(queues, QueueSnapshot{
			QueueName:  q,
			Pending:    stats.Pending,
			Processing: stats.Processing,
			Completed:  stats.Completed,
			Failed:     stats.Failed,
			Total:      stats.Total,
			Paused:     stats.Paused,
		})
	}

	workers, err := b.ListWorkers(ctx)
	if err != nil {
		return DashboardSnapshot{}, err
	}
	totals := WorkerTotals{Total: len(workers)}
	for _, w := range workers {
		switch w.Status {
		case WorkerIdle:
			totals.Idle++
			totals.Active++
		case WorkerBusy:
			totals.Busy++
			totals.Active++
		}
	}

	return DashboardSnapshot{
		Event:   "dashboard_update",
		Queues:  queues,
		Workers: totals,
		Ts:      time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// QueueStats holds per-queue set cardinalities, as returned by
// Broker.QueueStats.
type QueueStats struct {
	Queue      string
	Pending    int64
	Processing int64
	Completed  int64
	Failed     int64
	Total      int64
	Paused     bool
}
