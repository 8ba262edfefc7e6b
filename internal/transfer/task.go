// Package transfer provides cancelable tasks and the bounded dependency queue
// that drives chunk uploads inside a part.
package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rescale/rescale-ingest/internal/cloud/storage"
)

// State is a bitmask describing a task's lifecycle.
// Ready is always set; Executing and Finished are mutually exclusive.
type State uint8

const (
	StateReady State = 1 << iota
	StateExecuting
	StateFinished
)

func (s State) String() string {
	switch {
	case s&StateFinished != 0:
		return "finished"
	case s&StateExecuting != 0:
		return "executing"
	default:
		return "ready"
	}
}

// Operation is the lifecycle surface the Queue schedules.
type Operation interface {
	Start()
	Cancel()
	Done() <-chan struct{}
	IsFinished() bool
}

// Body performs the task's work. It must eventually call finish exactly once,
// synchronously or from another goroutine. Calls after the first are ignored.
type Body[T any] func(ctx context.Context, finish func(T, error))

// Task is a cancelable unit of work producing a result of type T.
// Thread-safe: state is only changed through the provided methods.
type Task[T any] struct {
	ID   string // Unique task ID
	Name string // Display name (e.g. "part 3 chunk @65536")

	// Timestamps
	CreatedAt   time.Time // When the task was created
	StartedAt   time.Time // When Start began executing the body
	CompletedAt time.Time // When the task finished or was cancelled

	mu        sync.Mutex
	state     State
	cancelled bool
	result    T
	err       error

	body   Body[T]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTask creates a ready task. The body's context is derived from parent and
// is cancelled when the task is cancelled or finishes.
func NewTask[T any](parent context.Context, name string, body Body[T]) *Task[T] {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Task[T]{
		ID:        generateTaskID(),
		Name:      name,
		CreatedAt: time.Now(),
		state:     StateReady,
		body:      body,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start marks the task executing and runs its body.
// A task that is already executing or finished (including cancelled) is left alone.
func (t *Task[T]) Start() {
	t.mu.Lock()
	if t.state&(StateExecuting|StateFinished) != 0 {
		t.mu.Unlock()
		return
	}
	t.state = StateReady | StateExecuting
	t.StartedAt = time.Now()
	t.mu.Unlock()

	if t.body == nil {
		var zero T
		t.Finish(zero, nil)
		return
	}
	t.body(t.ctx, t.Finish)
}

// Finish records the task's result and marks it finished.
// Only the first call has an effect.
func (t *Task[T]) Finish(result T, err error) {
	t.complete(result, err, false)
}

// Cancel finishes the task with ErrCancelled and cancels its context.
// Cancelling a finished task has no effect.
func (t *Task[T]) Cancel() {
	var zero T
	t.complete(zero, storage.ErrCancelled, true)
}

func (t *Task[T]) complete(result T, err error, cancelled bool) {
	t.mu.Lock()
	if t.state&StateFinished != 0 {
		t.mu.Unlock()
		return
	}
	t.state = StateReady | StateFinished
	t.cancelled = cancelled
	t.result = result
	t.err = err
	t.CompletedAt = time.Now()
	t.mu.Unlock()

	t.cancel()
	close(t.done)
}

// Done is closed once the task is finished.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Result returns the recorded result. It is only meaningful once Done is closed.
func (t *Task[T]) Result() (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", storage.ErrCancelled, ctx.Err())
	}
}

// Context returns the task's context for cancellation checking.
func (t *Task[T]) Context() context.Context {
	return t.ctx
}

// State returns the current state bitmask (thread-safe).
func (t *Task[T]) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsReady is always true; tasks carry no preconditions of their own.
func (t *Task[T]) IsReady() bool {
	return t.State()&StateReady != 0
}

// IsExecuting reports whether the body is running.
func (t *Task[T]) IsExecuting() bool {
	return t.State() == StateReady|StateExecuting
}

// IsFinished reports whether the task has a result.
func (t *Task[T]) IsFinished() bool {
	return t.State()&StateFinished != 0
}

// IsCancelled reports whether the task finished through Cancel.
func (t *Task[T]) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Task[T]) String() string {
	return fmt.Sprintf("%s[%s]", t.Name, t.State())
}

// ID generation
var (
	taskCounter uint64
	taskMu      sync.Mutex
)

func generateTaskID() string {
	taskMu.Lock()
	defer taskMu.Unlock()
	taskCounter++
	return fmt.Sprintf("task-%d-%s", taskCounter, uuid.NewString()[:8])
}
