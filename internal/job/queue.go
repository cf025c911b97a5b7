package job

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// taskQueue tracks one background goroutine per job. Starting an already
// running job is a no-op; stopping cancels the task's context and waits for
// it to exit.
type taskQueue struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*task
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{tasks: make(map[uuid.UUID]*task)}
}

// Start launches fn for jobID unless a task is already running. fn must
// return promptly once its context is cancelled.
func (q *taskQueue) Start(jobID uuid.UUID, fn func(ctx context.Context)) bool {
	q.mu.Lock()
	if _, running := q.tasks[jobID]; running {
		q.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	q.tasks[jobID] = t
	q.mu.Unlock()

	go func() {
		defer close(t.done)
		defer q.remove(jobID, t)
		fn(ctx)
	}()
	return true
}

// Stop cancels jobID's task and waits for it to finish. Stopping an unknown
// job is a no-op.
func (q *taskQueue) Stop(jobID uuid.UUID) {
	q.mu.Lock()
	t, ok := q.tasks[jobID]
	q.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

// StopAll cancels every task and waits for all of them.
func (q *taskQueue) StopAll() {
	q.mu.Lock()
	tasks := make([]*task, 0, len(q.tasks))
	for _, t := range q.tasks {
		tasks = append(tasks, t)
	}
	q.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
		<-t.done
	}
}

// Running reports whether jobID currently has a live task.
func (q *taskQueue) Running(jobID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tasks[jobID]
	return ok
}

// Len returns the number of live tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// remove drops the entry only if it still refers to this task, so a task
// exiting late cannot evict its successor.
func (q *taskQueue) remove(jobID uuid.UUID, t *task) {
	q.mu.Lock()
	if current, ok := q.tasks[jobID]; ok && current == t {
		delete(q.tasks, jobID)
	}
	q.mu.Unlock()
}
