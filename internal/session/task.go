package session

import (
	"context"
	"sync"
)

// TaskHandle is an opaque reference to in-flight work tied to a session.
// Cancel is advisory: the work notices it at its own suspension points and
// finishes (and unregisters) through its normal completion path.
// Handles are tracked by identity, so implementations must be comparable;
// pointer types are. The registry ignores handles that are not.
type TaskHandle interface {
	Cancel()
	Done() <-chan struct{}
}

// Task is the standard TaskHandle, built on a cancellable context.
type Task struct {
	ctx    context.Context
	cancel context.CancelFunc

	done     chan struct{}
	finish   sync.Once
	mu       sync.Mutex
	finalErr error
}

// NewTask creates a task whose context derives from parent.
func NewTask(parent context.Context) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Context is the context the work should observe.
func (t *Task) Context() context.Context { return t.ctx }

// Cancel requests cancellation. It does not wait.
func (t *Task) Cancel() { t.cancel() }

// Done is closed once Finish has been called.
func (t *Task) Done() <-chan struct{} { return t.done }

// Finish marks the task complete with its final error (nil on success).
// Only the first call counts.
func (t *Task) Finish(err error) {
	t.finish.Do(func() {
		t.mu.Lock()
		t.finalErr = err
		t.mu.Unlock()
		t.cancel()
		close(t.done)
	})
}

// Err returns the error passed to Finish, or nil while still running.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalErr
}

// isDone reports whether h has completed without blocking.
func isDone(h TaskHandle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}
