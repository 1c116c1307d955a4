package emberq

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var (
	nameRe  = regexp.MustCompile(`^[a-zA-Z0-9_]{1,100}$`)
	queueRe = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)
)

// DefaultQueue is the queue name used when a caller does not specify one.
const DefaultQueue = "default"

// DefaultMaxRetries is the retry ceiling applied when a caller does not
// specify one.
const DefaultMaxRetries = 3

// DefaultPriority is the priority applied when a caller does not specify
// one; 5 sits in the middle of the 1..10 range.
const DefaultPriority = 5

// taskFields lists the struct's own JSON keys, used to separate known
// fields from forward-compatible unknown ones during decode.
var taskFields = map[string]struct{}{
	"id": {}, "name": {}, "payload": {}, "status": {}, "priority": {},
	"queue": {}, "created_at": {}, "started_at": {}, "completed_at": {},
	"result": {}, "error": {}, "retries": {}, "max_retries": {},
	"cancel_requested": {},
}

// Task is the unit of work and its lifecycle state. It is serialized as a
// single self-describing JSON object; any field not recognized by this
// struct is preserved verbatim in Extra and re-emitted on encode so
// forward-compatible readers and writers can coexist.
type Task struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Payload         json.RawMessage `json:"payload"`
	Status          Status          `json:"status"`
	Priority        int             `json:"priority"`
	Queue           string          `json:"queue"`
	CreatedAt       int64           `json:"created_at"`
	StartedAt       int64           `json:"started_at,omitempty"`
	CompletedAt     int64           `json:"completed_at,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	Retries         int             `json:"retries"`
	MaxRetries      int             `json:"max_retries"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`

	// Extra holds fields present on the wire that this struct version does
	// not know about, so round-tripping through an older/newer binary
	// never silently drops data.
	Extra map[string]json.RawMessage `json:"-"`
}

// MarshalJSON encodes the task, folding Extra back in alongside the known
// fields.
func (t Task) MarshalJSON() ([]byte, error) {
	type known Task
	base, err := json.Marshal(known(t))
	if err != nil {
		return nil, err
	}
	if len(t.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range t.Extra {
		if _, known := taskFields[k]; known {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the task, stashing any unrecognized fields into
// Extra.
func (t *Task) UnmarshalJSON(data []byte) error {
	type known Task
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	*t = Task(k)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra := make(map[string]json.RawMessage)
	for key, v := range raw {
		if _, known := taskFields[key]; known {
			continue
		}
		extra[key] = v
	}
	if len(extra) > 0 {
		t.Extra = extra
	}
	return nil
}

// ValidateName checks that name matches the task-name pattern
// [a-zA-Z0-9_]+ with length 1..100.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: name %q must match [a-zA-Z0-9_]{1,100}", ErrInvalidInput, name)
	}
	return nil
}

// ValidateQueueName checks that a queue name matches [a-z0-9-]+ with
// length 1..64.
func ValidateQueueName(q string) error {
	if !queueRe.MatchString(q) {
		return fmt.Errorf("%w: queue %q must match [a-z0-9-]{1,64}", ErrInvalidInput, q)
	}
	return nil
}

// ValidatePriority checks that priority is within 1..10 inclusive.
func ValidatePriority(p int) error {
	if p < 1 || p > 10 {
		return fmt.Errorf("%w: priority %d must be within 1..10", ErrInvalidInput, p)
	}
	return nil
}

// NewTask constructs a new pending Task, validating every caller-supplied
// field. now is the creation timestamp in unix milliseconds.
func NewTask(name string, payload json.RawMessage, priority int, queue string, maxRetries int, now int64) (*Task, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ValidateQueueName(queue); err != nil {
		return nil, err
	}
	if err := ValidatePriority(priority); err != nil {
		return nil, err
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries %d must be non-negative", ErrInvalidInput, maxRetries)
	}
	return &Task{
		ID:         uuid.NewString(),
		Name:       name,
		Payload:    payload,
		Status:     StatusPending,
		Priority:   priority,
		Queue:      queue,
		CreatedAt:  now,
		MaxRetries: maxRetries,
	}, nil
}

// CanRetry reports whether the task has retry budget remaining.
func (t *Task) CanRetry() bool { return t.Retries < t.MaxRetries }

// MarkProcessing returns a copy of the task transitioned to processing, or
// ErrConflict if the task is not currently pending.
func (t Task) MarkProcessing(now int64) (Task, error) {
	if t.Status != StatusPending {
		return Task{}, fmt.Errorf("%w: cannot mark processing from status %s", ErrConflict, t.Status)
	}
	t.Status = StatusProcessing
	t.StartedAt = now
	return t, nil
}

// MarkCompleted returns a copy of the task transitioned to completed with
// the given result, or ErrConflict if the task is not currently
// processing.
func (t Task) MarkCompleted(result json.RawMessage, now int64) (Task, error) {
	if t.Status != StatusProcessing {
		return Task{}, fmt.Errorf("%w: cannot mark completed from status %s", ErrConflict, t.Status)
	}
	t.Status = StatusCompleted
	t.CompletedAt = now
	t.Result = result
	t.Error = ""
	return t, nil
}

// MarkFailedTerminal returns a copy of the task transitioned to failed,
// recording errMsg and leaving retries unchanged. It does not check the
// retry budget: the broker uses it both when retries are exhausted and for
// non-retryable failures; PrepareRetry is the retry path.
func (t Task) MarkFailedTerminal(errMsg string, now int64) (Task, error) {
	if t.Status != StatusProcessing {
		return Task{}, fmt.Errorf("%w: cannot mark failed from status %s", ErrConflict, t.Status)
	}
	t.Status = StatusFailed
	t.CompletedAt = now
	t.Error = errMsg
	return t, nil
}

// PrepareRetry returns a copy of the task reset to pending for another
// attempt: retries is incremented, started_at/completed_at are cleared,
// and errMsg is recorded. It fails with ErrConflict if no retry budget
// remains.
func (t Task) PrepareRetry(errMsg string) (Task, error) {
	if !t.CanRetry() {
		return Task{}, fmt.Errorf("%w: retries (%d) already at max_retries (%d)", ErrConflict, t.Retries, t.MaxRetries)
	}
	t.Retries++
	t.Status = StatusPending
	t.StartedAt = 0
	t.CompletedAt = 0
	t.Error = errMsg
	return t, nil
}

// ResetForRequeue returns a copy of the task reset to pending with
// retries cleared to zero, used by administrative requeue-from-dead-letter
// and retry-task operations.
func (t Task) ResetForRequeue() Task {
	t.Status = StatusPending
	t.Retries = 0
	t.StartedAt = 0
	t.CompletedAt = 0
	t.Error = ""
	t.Result = nil
	t.CancelRequested = false
	return t
}
