package queue

import (
	"context"

	"zigbee-ncp-host/internal/ncp"
)

// Option adjusts a task built by Do or Call.
type Option func(*Task)

// WithPriority runs the task ahead of queued non-priority tasks.
func WithPriority() Option {
	return func(t *Task) { t.Priority = true }
}

// WithMaxRetries overrides the retry ceiling for the task.
func WithMaxRetries(n int) Option {
	return func(t *Task) { t.MaxRetries = n }
}

// Call enqueues fn and blocks until it settles or ctx is done. A task whose
// caller gave up is still skipped by the dispatcher once its turn comes.
func Call[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, ncp.Status, error), opts ...Option) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)

	t := &Task{
		Ctx: ctx,
		Execute: func(ctx context.Context) (ncp.Status, error) {
			val, status, err := fn(ctx)
			if err == nil && status == ncp.StatusOK {
				done <- result{val: val}
			}
			return status, err
		},
		Reject: func(err error) {
			done <- result{err: err}
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	q.Enqueue(t)

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Do is Call for tasks without a result value.
func Do(ctx context.Context, q *Queue, fn func(ctx context.Context) (ncp.Status, error), opts ...Option) error {
	_, err := Call(ctx, q, func(ctx context.Context) (struct{}, ncp.Status, error) {
		status, err := fn(ctx)
		return struct{}{}, status, err
	}, opts...)
	return err
}
