package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-poster/internal/queue"
)

type enqueued struct {
	task *asynq.Task
	opts map[asynq.OptionType]any
}

type fakeClient struct {
	mu    sync.Mutex
	seen  map[string]bool
	calls []enqueued
	err   error
}

func (f *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	values := make(map[asynq.OptionType]any, len(opts))
	for _, o := range opts {
		values[o.Type()] = o.Value()
	}
	if id, ok := values[asynq.TaskIDOpt].(string); ok {
		if f.seen == nil {
			f.seen = map[string]bool{}
		}
		if f.seen[id] {
			return nil, asynq.ErrTaskIDConflict
		}
		f.seen[id] = true
	}
	f.calls = append(f.calls, enqueued{task: task, opts: values})
	return &asynq.TaskInfo{ID: "x", Type: task.Type()}, nil
}

func TestEnqueueSetsOptions(t *testing.T) {
	client := &fakeClient{}
	enq := queue.Enqueuer{Client: client, Queue: "critical", DedupTTL: time.Hour}

	err := enq.Enqueue(context.Background(), queue.Task{
		Kind:           "demo",
		Payload:        []byte("payload"),
		IdempotencyKey: "k1",
		MaxAttempts:    3,
		Delay:          2 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, client.calls, 1)

	call := client.calls[0]
	require.Equal(t, "demo", call.task.Type())
	require.Equal(t, []byte("payload"), call.task.Payload())
	require.Equal(t, "demo:k1", call.opts[asynq.TaskIDOpt])
	require.Equal(t, 2, call.opts[asynq.MaxRetryOpt])
	require.Equal(t, "critical", call.opts[asynq.QueueOpt])
	require.Equal(t, 2*time.Second, call.opts[asynq.ProcessInOpt])
	require.Equal(t, time.Hour, call.opts[asynq.RetentionOpt])
}

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	client := &fakeClient{}
	enq := queue.Enqueuer{Client: client}
	task := queue.Task{Kind: "demo", Payload: []byte("x"), IdempotencyKey: "same"}

	require.NoError(t, enq.Enqueue(context.Background(), task))
	require.NoError(t, enq.Enqueue(context.Background(), task))
	require.Len(t, client.calls, 1)
}

func TestEnqueueWithoutKeyHasNoTaskID(t *testing.T) {
	client := &fakeClient{}
	enq := queue.Enqueuer{Client: client}

	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "demo"}))
	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "demo"}))
	require.Len(t, client.calls, 2)
	_, ok := client.calls[0].opts[asynq.TaskIDOpt]
	require.False(t, ok)
	require.Equal(t, 9, client.calls[0].opts[asynq.MaxRetryOpt])
}

func TestEnqueueRejectsInvalidKind(t *testing.T) {
	enq := queue.Enqueuer{Client: &fakeClient{}}
	require.Error(t, enq.Enqueue(context.Background(), queue.Task{Kind: "Bad Kind"}))
	require.Error(t, enq.Enqueue(context.Background(), queue.Task{}))
	require.Error(t, queue.Enqueuer{}.Enqueue(context.Background(), queue.Task{Kind: "demo"}))
}

func TestEnqueuePropagatesClientError(t *testing.T) {
	boom := errors.New("redis down")
	enq := queue.Enqueuer{Client: &fakeClient{err: boom}}
	err := enq.Enqueue(context.Background(), queue.Task{Kind: "demo"})
	require.ErrorIs(t, err, boom)
}

func TestServeMuxRoutesAndCounts(t *testing.T) {
	var got queue.Task
	mux := queue.NewServeMux(map[string]queue.Handler{
		"mux-ok": func(_ context.Context, task queue.Task) error {
			got = task
			return nil
		},
		"mux-fail": func(context.Context, queue.Task) error {
			return errors.New("transient")
		},
	}, zerolog.Nop())

	before := testutil.ToFloat64(queue.QueueProcessedTotal.WithLabelValues("mux-ok", "ok"))
	require.NoError(t, mux.ProcessTask(context.Background(), asynq.NewTask("mux-ok", []byte("p"))))
	require.Equal(t, "mux-ok", got.Kind)
	require.Equal(t, []byte("p"), got.Payload)
	require.Equal(t, before+1, testutil.ToFloat64(queue.QueueProcessedTotal.WithLabelValues("mux-ok", "ok")))

	require.Error(t, mux.ProcessTask(context.Background(), asynq.NewTask("mux-fail", nil)))
	require.Equal(t, float64(1), testutil.ToFloat64(queue.QueueProcessedTotal.WithLabelValues("mux-fail", "retry")))

	require.Error(t, mux.ProcessTask(context.Background(), asynq.NewTask("unknown", nil)))
}

func TestCommissionRepairTaskRoundTrip(t *testing.T) {
	orderID := uuid.New()
	task, err := queue.NewCommissionRepairTask(orderID)
	require.NoError(t, err)
	require.Equal(t, queue.TypeCommissionRepair, task.Kind)
	require.Equal(t, orderID.String(), task.IdempotencyKey)

	payload, err := queue.DecodeCommissionRepair(task.Payload)
	require.NoError(t, err)
	require.Equal(t, orderID, payload.OrderID)

	_, err = queue.NewCommissionRepairTask(uuid.Nil)
	require.Error(t, err)

	_, err = queue.DecodeCommissionRepair([]byte("{not json"))
	require.ErrorIs(t, err, asynq.SkipRetry)
	_, err = queue.DecodeCommissionRepair([]byte(`{}`))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRegisterMetricsIsRepeatable(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, queue.RegisterMetrics(reg))
	require.NoError(t, queue.RegisterMetrics(reg))
}
