package transfer

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrDependencyTooLate is returned when a dependency is added to an operation
// that has already been released to run.
var ErrDependencyTooLate = errors.New("operation already runnable")

// QueueStats holds statistics about the queue.
type QueueStats struct {
	Waiting   int // Added, blocked on dependencies or a slot
	Running   int // Holding a slot
	Finished  int // Ran to completion
	Skipped   int // Cancelled before it ran
	Cancelled bool
}

// Total returns total number of operations added to the queue.
func (s QueueStats) Total() int {
	return s.Waiting + s.Running + s.Finished + s.Skipped
}

type entryState int

const (
	entryRegistered entryState = iota // Known through AddDependency, not yet added
	entryWaiting
	entryRunning
	entryDone
)

type entry struct {
	op     Operation
	deps   []Operation
	sealed bool // Dependency list is closed
	ran    bool // Start was called
	state  entryState
}

// Queue runs operations with bounded concurrency once their dependencies finish.
//
// Dependencies may be added to an operation until it is released to run, including
// from inside another running operation; the queue rescans the list after every
// dependency finishes, so an operation never runs while a dependency is pending.
type Queue struct {
	name string
	sem  *semaphore.Weighted

	mu        sync.Mutex
	entries   map[Operation]*entry
	order     []*entry
	cancelled bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a queue that runs at most concurrency operations at a time.
func NewQueue(name string, concurrency int) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:    name,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		entries: make(map[Operation]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Name returns the queue's display name.
func (q *Queue) Name() string {
	return q.name
}

// Add schedules op to run after deps finish.
// Adding to a cancelled queue cancels op immediately.
func (q *Queue) Add(op Operation, deps ...Operation) {
	q.mu.Lock()
	e := q.entryLocked(op)
	e.deps = append(e.deps, deps...)
	if q.cancelled {
		e.sealed = true
		e.state = entryDone
		q.mu.Unlock()
		op.Cancel()
		return
	}
	if e.state != entryRegistered {
		q.mu.Unlock()
		return
	}
	e.state = entryWaiting
	q.wg.Add(1)
	q.mu.Unlock()

	go q.run(e)
}

// AddDependency makes op wait for dep. op does not need to be added yet.
func (q *Queue) AddDependency(op, dep Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.entryLocked(op)
	if e.sealed {
		return ErrDependencyTooLate
	}
	e.deps = append(e.deps, dep)
	return nil
}

// CancelAll cancels every operation that has not finished and rejects new ones.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	q.cancelled = true
	ops := make([]Operation, 0, len(q.order))
	for _, e := range q.order {
		if e.state != entryDone {
			ops = append(ops, e.op)
		}
	}
	q.mu.Unlock()

	q.cancel()
	for _, op := range ops {
		op.Cancel()
	}
}

// IsCancelled reports whether CancelAll has been called.
func (q *Queue) IsCancelled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled
}

// Wait blocks until every added operation has finished or been skipped.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Stats returns a snapshot of the queue.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{Cancelled: q.cancelled}
	for _, e := range q.order {
		switch e.state {
		case entryWaiting:
			stats.Waiting++
		case entryRunning:
			stats.Running++
		case entryDone:
			if e.ran {
				stats.Finished++
			} else {
				stats.Skipped++
			}
		}
	}
	return stats
}

func (q *Queue) entryLocked(op Operation) *entry {
	e, ok := q.entries[op]
	if !ok {
		e = &entry{op: op}
		q.entries[op] = e
		q.order = append(q.order, e)
	}
	return e
}

func (q *Queue) run(e *entry) {
	defer q.wg.Done()

	if !q.awaitDependencies(e) {
		q.markDone(e)
		return
	}

	if err := q.sem.Acquire(q.ctx, 1); err != nil {
		e.op.Cancel()
		q.markDone(e)
		return
	}
	defer q.sem.Release(1)

	q.mu.Lock()
	if q.cancelled || e.op.IsFinished() {
		e.sealed = true
		e.state = entryDone
		q.mu.Unlock()
		e.op.Cancel()
		return
	}
	e.state = entryRunning
	e.ran = true
	q.mu.Unlock()

	e.op.Start()
	<-e.op.Done()
	q.markDone(e)
}

// awaitDependencies blocks until every dependency of e has finished and seals
// its dependency list. It returns false if e finished (was cancelled) first.
func (q *Queue) awaitDependencies(e *entry) bool {
	for {
		q.mu.Lock()
		var pending Operation
		for _, dep := range e.deps {
			if !dep.IsFinished() {
				pending = dep
				break
			}
		}
		if pending == nil {
			e.sealed = true
			q.mu.Unlock()
			return !e.op.IsFinished()
		}
		q.mu.Unlock()

		select {
		case <-pending.Done():
		case <-e.op.Done():
			q.mu.Lock()
			e.sealed = true
			q.mu.Unlock()
			return false
		}
	}
}

func (q *Queue) markDone(e *entry) {
	q.mu.Lock()
	e.sealed = true
	e.state = entryDone
	q.mu.Unlock()
}
