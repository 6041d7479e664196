package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// KafkaNotifier publishes events to a Kafka topic for operator tooling.
type KafkaNotifier struct {
	Producer sarama.SyncProducer
	Topic    string
	// Topics limits which event topics are published. Empty means all.
	Topics map[string]bool
	Logger zerolog.Logger
}

// NewKafkaProducer builds a synchronous producer that waits for all in-sync replicas.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

// Name implements Notifier.
func (KafkaNotifier) Name() string { return "kafka" }

// Notify implements Notifier. SyncProducer has no context support, so the
// deadline is only checked before sending.
func (n KafkaNotifier) Notify(ctx context.Context, ev Event) error {
	if n.Producer == nil || n.Topic == "" {
		return nil
	}
	if len(n.Topics) > 0 && !n.Topics[ev.Topic] {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic:     n.Topic,
		Key:       sarama.StringEncoder(ev.OrderID.String()),
		Value:     sarama.ByteEncoder(data),
		Headers:   []sarama.RecordHeader{{Key: []byte("event-topic"), Value: []byte(ev.Topic)}},
		Timestamp: time.Now(),
	}
	partition, offset, err := n.Producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("notify: publish %s: %w", ev.Topic, err)
	}
	n.Logger.Debug().
		Str("topic", n.Topic).
		Str("event", ev.Topic).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("event published to kafka")
	return nil
}
