package emberq

import (
	"errors"

	"github.com/emberq/emberq/internal/runtime"
)

// Sentinel errors for the broker's error taxonomy. Wrap with fmt.Errorf's
// %w and unwrap with errors.Is to recover the category.
var (
	// ErrInvalidInput means the caller violated a field constraint
	// (priority range, name pattern, queue name pattern, ...).
	ErrInvalidInput = errors.New("emberq: invalid input")

	// ErrConflict means an enqueue used an id that already exists, or an
	// operation requires a state the task is not currently in.
	ErrConflict = errors.New("emberq: conflict")

	// ErrNotFound means the referenced task, queue, or worker does not
	// exist.
	ErrNotFound = errors.New("emberq: not found")

	// ErrBrokerUnavailable means the backing store was unreachable or
	// timed out. A worker whose Dequeue fails this way polls again on its
	// next loop iteration, without consuming a task attempt. A Complete or
	// Fail call that fails is logged and not retried; the task stays in
	// its queue's processing set until the stale sweeper reclaims it.
	ErrBrokerUnavailable = errors.New("emberq: broker unavailable")

	// ErrUnknownTask means no handler is registered for a task's name.
	// It is non-retryable: the task goes straight to the dead letter set
	// without consuming a retry.
	ErrUnknownTask = errors.New("emberq: no handler registered for task type")

	// ErrUnknownStatus means a status string did not match any known
	// Status constant.
	ErrUnknownStatus = errors.New("emberq: unknown status")
)

// HandlerTimeoutMessage is the canonical Task.Error value recorded when a
// handler is cancelled for exceeding its task timeout budget.
const HandlerTimeoutMessage = runtime.TimeoutMessage

// UnknownTaskMessage is the canonical Task.Error value recorded when a
// task's name has no registered handler.
const UnknownTaskMessage = runtime.NoHandlerMessage
