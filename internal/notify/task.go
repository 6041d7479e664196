package notify

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/backend-poster/internal/queue"
)

// TaskEnqueuer is satisfied by queue.Enqueuer.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// TaskNotifier defers delivery to the worker by enqueuing a notify task.
type TaskNotifier struct {
	Queue       TaskEnqueuer
	MaxAttempts int
}

// Name implements Notifier.
func (TaskNotifier) Name() string { return "task" }

// Notify implements Notifier.
func (n TaskNotifier) Notify(ctx context.Context, ev Event) error {
	if n.Queue == nil {
		return nil
	}
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	maxAttempts := n.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 6
	}
	return n.Queue.Enqueue(ctx, queue.Task{
		Kind:           queue.TypeNotifyDeliver,
		Payload:        payload,
		IdempotencyKey: ev.Key(),
		MaxAttempts:    maxAttempts,
	})
}

// DeliverHandler returns the worker handler for notify tasks.
func DeliverHandler(d *Dispatcher) queue.Handler {
	return func(ctx context.Context, t queue.Task) error {
		ev, err := DecodeEvent(t.Payload)
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return d.Deliver(ctx, ev)
	}
}
