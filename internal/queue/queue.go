// Package queue serializes access to the NCP: tasks run one at a time, in
// priority-then-FIFO order, with a fixed pause between dispatches and
// automatic retry of transient NCP statuses.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zigbee-ncp-host/internal/ncp"
)

// Dispatch delay bounds.
const (
	MinDelay          = 5 * time.Millisecond
	MaxDelay          = 60 * time.Millisecond
	DefaultMaxRetries = 3
)

// ErrCleared rejects tasks dropped by Clear.
var ErrCleared = errors.New("queue cleared")

// RetryLimitError is returned when a task kept reporting a retryable status.
type RetryLimitError struct {
	Status  ncp.Status
	Retries int
}

func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("queue: gave up after %d retries: %s", e.Retries, e.Status)
}

// Unwrap exposes the last status as a *ncp.StatusError.
func (e *RetryLimitError) Unwrap() error {
	return &ncp.StatusError{Op: "queue", Status: e.Status}
}

// Task is one unit of channel access.
type Task struct {
	// Execute runs against the transport and returns the NCP status.
	// A returned error is never retried.
	Execute func(ctx context.Context) (ncp.Status, error)
	// Reject receives the terminal error. It is not called on success.
	Reject func(err error)
	// Priority tasks run before every queued non-priority task.
	Priority bool
	// MaxRetries overrides the queue default when > 0.
	MaxRetries int
	// Ctx is checked before execution; a done context rejects the task.
	Ctx context.Context

	EnqueuedAt time.Time
	retries    int
}

// Config tunes the dispatcher.
type Config struct {
	Delay      time.Duration
	MaxRetries int
}

// Queue is a single-consumer task executor.
type Queue struct {
	delay      time.Duration
	maxRetries int
	logger     *slog.Logger

	mu          sync.Mutex
	priority    []*Task
	normal      []*Task
	dispatching bool
	running     bool
	idle        chan struct{}
}

// New creates a stopped queue. The delay is clamped to [MinDelay, MaxDelay].
func New(cfg Config, logger *slog.Logger) *Queue {
	delay := cfg.Delay
	if delay < MinDelay {
		delay = MinDelay
	}
	if delay > MaxDelay {
		delay = MaxDelay
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{
		delay:      delay,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Delay returns the effective inter-dispatch delay.
func (q *Queue) Delay() time.Duration { return q.delay }

// Enqueue adds a task and returns immediately.
func (q *Queue) Enqueue(t *Task) {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	if t.Priority {
		q.priority = append(q.priority, t)
	} else {
		q.normal = append(q.normal, t)
	}
	q.kickLocked()
	q.mu.Unlock()
}

// Start enables dispatching; queued tasks resume in order.
func (q *Queue) Start() {
	q.mu.Lock()
	q.dispatching = true
	q.kickLocked()
	q.mu.Unlock()
}

// Stop disables dispatching after the task in flight. Queued tasks are kept.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.dispatching = false
	q.mu.Unlock()
}

// Wait blocks until no task is executing or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	if q.idle == nil {
		q.idle = make(chan struct{})
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear rejects every queued task with err (ErrCleared when nil).
func (q *Queue) Clear(err error) int {
	if err == nil {
		err = ErrCleared
	}
	q.mu.Lock()
	tasks := append(q.priority, q.normal...)
	q.priority, q.normal = nil, nil
	q.mu.Unlock()

	for _, t := range tasks {
		reject(t, err)
	}
	return len(tasks)
}

// Len returns the number of queued (not executing) tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.priority) + len(q.normal)
}

func (q *Queue) kickLocked() {
	if q.dispatching && !q.running && len(q.priority)+len(q.normal) > 0 {
		q.running = true
		go q.dispatch()
	}
}

// pop takes the head task, or returns nil and marks the loop stopped.
func (q *Queue) pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.dispatching || len(q.priority)+len(q.normal) == 0 {
		q.running = false
		if q.idle != nil {
			close(q.idle)
			q.idle = nil
		}
		return nil
	}
	var t *Task
	if len(q.priority) > 0 {
		t, q.priority = q.priority[0], q.priority[1:]
	} else {
		t, q.normal = q.normal[0], q.normal[1:]
	}
	return t
}

// requeue puts a task back at the head of its list.
func (q *Queue) requeue(t *Task) {
	q.mu.Lock()
	if t.Priority {
		q.priority = append([]*Task{t}, q.priority...)
	} else {
		q.normal = append([]*Task{t}, q.normal...)
	}
	q.mu.Unlock()
}

func (q *Queue) dispatch() {
	for {
		t := q.pop()
		if t == nil {
			return
		}
		q.run(t)
		time.Sleep(q.delay)
	}
}

func (q *Queue) run(t *Task) {
	ctx := t.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		reject(t, err)
		return
	}

	status, err := execute(ctx, t)
	switch {
	case err != nil:
		reject(t, err)
	case status == ncp.StatusOK:
	case status.Retryable():
		limit := q.maxRetries
		if t.MaxRetries > 0 {
			limit = t.MaxRetries
		}
		if t.retries >= limit {
			q.logger.Warn("task retry limit reached", "status", status, "retries", t.retries)
			reject(t, &RetryLimitError{Status: status, Retries: t.retries})
			return
		}
		t.retries++
		q.logger.Debug("task retry", "status", status, "attempt", t.retries)
		q.requeue(t)
	default:
		reject(t, &ncp.StatusError{Op: "queue", Status: status})
	}
}

func execute(ctx context.Context, t *Task) (status ncp.Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			status, err = ncp.StatusFail, fmt.Errorf("queue: task panic: %v", r)
		}
	}()
	return t.Execute(ctx)
}

func reject(t *Task, err error) {
	if t.Reject != nil {
		t.Reject(err)
	}
}
