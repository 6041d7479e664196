package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Task represents a job to be processed asynchronously.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
}

// Client is the subset of *asynq.Client the enqueuer relies on.
type Client interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer publishes tasks to asynq backed queues.
type Enqueuer struct {
	Client Client
	Queue  string
	// DedupTTL keeps completed tasks around so a repeated idempotency key is
	// rejected by asynq instead of being processed twice.
	DedupTTL time.Duration
}

// Enqueue inserts the task into the queue. If an idempotency key is supplied the
// task is only enqueued once while asynq still knows about the task id.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.Client == nil {
		return errors.New("queue: client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}
	maxAttempts := t.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	opts := []asynq.Option{asynq.MaxRetry(maxAttempts - 1)}
	if e.Queue != "" {
		opts = append(opts, asynq.Queue(e.Queue))
	}
	if t.Delay > 0 {
		opts = append(opts, asynq.ProcessIn(t.Delay))
	}
	if t.IdempotencyKey != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		opts = append(opts, asynq.TaskID(taskID(kind, t.IdempotencyKey)), asynq.Retention(ttl))
	}

	_, err := e.Client.EnqueueContext(ctx, asynq.NewTask(kind, t.Payload), opts...)
	switch {
	case err == nil:
		incEnqueued(kind, "enqueued")
		return nil
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		incEnqueued(kind, "duplicate")
		return nil
	default:
		incEnqueued(kind, "error")
		return fmt.Errorf("queue: enqueue %s: %w", kind, err)
	}
}

func taskID(kind, key string) string {
	return kind + ":" + key
}

func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		if c >= 'a' && c <= 'z' {
			continue
		}
		if c >= '0' && c <= '9' {
			continue
		}
		if c == '-' || c == '_' || c == ':' {
			continue
		}
		return ""
	}
	return kind
}

// Handler processes a single task. Returning an error schedules a retry until
// the task runs out of attempts.
type Handler func(context.Context, Task) error

// NewServeMux routes task kinds to their handlers and records the outcome of
// every run.
func NewServeMux(handlers map[string]Handler, logger zerolog.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for kind, handler := range handlers {
		if handler == nil {
			continue
		}
		kind, handler := kind, handler
		mux.HandleFunc(kind, func(ctx context.Context, t *asynq.Task) error {
			retry, _ := asynq.GetRetryCount(ctx)
			err := handler(ctx, Task{Kind: t.Type(), Payload: t.Payload()})
			if err != nil {
				status := "retry"
				if errors.Is(err, asynq.SkipRetry) {
					status = "skipped"
				}
				QueueProcessedTotal.WithLabelValues(kind, status).Inc()
				logger.Warn().Err(err).Str("kind", kind).Int("retry", retry).Msg("task failed")
				return err
			}
			QueueProcessedTotal.WithLabelValues(kind, "ok").Inc()
			return nil
		})
	}
	return mux
}
