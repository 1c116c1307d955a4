// Package hctx attaches per-execution handler state to a context so the
// runtime can pass cooperative signals into a running handler without
// changing the public HandlerFunc signature.
package hctx

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// minCheckInterval bounds how often Cancelled actually calls CheckCancel,
// so a handler polling Cancelled in a tight loop cannot hammer the broker.
const minCheckInterval = 200 * time.Millisecond

// State holds per-execution state a running handler can poll. CheckCancel,
// when set, asks the broker whether the task's cancel flag has been set;
// calls into it are rate-limited to minCheckInterval so a handler can poll
// Cancelled in a tight loop without hammering the store.
type State struct {
	CheckCancel func() bool
	cancelled   atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
}

// New creates a fresh handler state container.
func New(checkCancel func() bool) *State {
	return &State{CheckCancel: checkCancel}
}

// Cancelled reports whether the task has been marked for cancellation.
// Once true it stays true for the rest of this state's lifetime.
func (s *State) Cancelled() bool {
	if s.cancelled.Load() {
		return true
	}
	if s.CheckCancel == nil {
		return false
	}
	s.mu.Lock()
	due := time.Since(s.lastCheck) >= minCheckInterval
	if due {
		s.lastCheck = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return false
	}
	if s.CheckCancel() {
		s.cancelled.Store(true)
		return true
	}
	return false
}

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
