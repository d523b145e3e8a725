package taskqueue

import (
	"sync"
	"time"
)

// Queue is an ordered task queue with a bounded active set. Tasks wait in
// FIFO order; TakeNext moves the head into the active set as long as the
// concurrency bound allows. The zero concurrency bound is normalized to 1.
type Queue[T any] struct {
	mu                sync.Mutex
	waiting           []string
	active            []string
	tasks             map[string]T
	maxConcurrent     int
	processingStarted bool
}

func New[T any](maxConcurrent int) *Queue[T] {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue[T]{
		tasks:         make(map[string]T),
		maxConcurrent: maxConcurrent,
	}
}

// Add appends the task to the waiting list.
func (q *Queue[T]) Add(id string, task T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[id] = task
	q.waiting = append(q.waiting, id)
}

// TakeNext moves the head of the waiting list into the active set and
// returns its id. Returns false when the waiting list is empty or the
// active set is full.
func (q *Queue[T]) TakeNext() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.active) >= q.maxConcurrent || len(q.waiting) == 0 {
		return "", false
	}
	id := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.active = append(q.active, id)
	return id, true
}

// RemoveActive removes the task from the active set and the task map.
// Removing an id that is not active is a no-op.
func (q *Queue[T]) RemoveActive(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, a := range q.active {
		if a == id {
			q.active = append(q.active[:i], q.active[i+1:]...)
			delete(q.tasks, id)
			break
		}
	}
}

// Find looks up a task by id.
func (q *Queue[T]) Find(id string) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	return task, ok
}

// Entry pairs a task with its id for bulk operations.
type Entry[T any] struct {
	ID   string
	Task T
}

// Replace discards all queued state and reinserts the given tasks as waiting.
func (q *Queue[T]) Replace(entries []Entry[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.waiting = nil
	q.active = nil
	q.tasks = make(map[string]T)
	for _, e := range entries {
		q.tasks[e.ID] = e.Task
		q.waiting = append(q.waiting, e.ID)
	}
}

// Waiting returns the waiting tasks in queue order.
func (q *Queue[T]) Waiting() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, len(q.waiting))
	for _, id := range q.waiting {
		if task, ok := q.tasks[id]; ok {
			out = append(out, task)
		}
	}
	return out
}

// Active returns the active tasks in activation order.
func (q *Queue[T]) Active() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, len(q.active))
	for _, id := range q.active {
		if task, ok := q.tasks[id]; ok {
			out = append(out, task)
		}
	}
	return out
}

// Counts returns (waiting, active) sizes.
func (q *Queue[T]) Counts() (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting), len(q.active)
}

// Empty reports whether the queue has neither waiting nor active tasks.
func (q *Queue[T]) Empty() bool {
	w, a := q.Counts()
	return w == 0 && a == 0
}

// MarkProcessingStarted flips the started flag and returns whether it was
// already set, so exactly one processing loop is spawned per queue.
func (q *Queue[T]) MarkProcessingStarted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	already := q.processingStarted
	q.processingStarted = true
	return already
}

// ProcessLoop polls the queue and hands each dequeued task to handle.
// handle runs the task asynchronously and must call RemoveActive when done.
// The loop exits when shouldContinue reports false.
func ProcessLoop[T any](q *Queue[T], interval time.Duration, shouldContinue func() bool, handle func(id string, task T)) {
	for shouldContinue() {
		if q.Empty() {
			time.Sleep(interval)
			continue
		}

		if id, ok := q.TakeNext(); ok {
			if task, found := q.Find(id); found {
				handle(id, task)
			} else {
				// Task vanished between TakeNext and Find; release the slot.
				q.RemoveActive(id)
			}
		}

		time.Sleep(50 * time.Millisecond)
	}
}
