package queue

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueueEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueued_total",
			Help: "Total enqueue attempts grouped by result",
		},
		[]string{"kind", "result"},
	)
	QueueProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_processed_total",
			Help: "Total tasks processed grouped by status",
		},
		[]string{"kind", "status"},
	)
)

// RegisterMetrics attaches the queue collectors to reg. Collectors that are
// already registered are left alone.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{QueueEnqueuedTotal, QueueProcessedTotal} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func incEnqueued(kind, result string) {
	QueueEnqueuedTotal.WithLabelValues(kind, result).Inc()
}
