package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/egannguyen/sales-service/internal/messaging"
	kafkaGo "github.com/segmentio/kafka-go"
)

// fetchRetryDelay is the pause after a failed fetch before trying again.
var fetchRetryDelay = time.Second

// reader is the part of *kafkaGo.Reader the consume loop needs.
type reader interface {
	FetchMessage(ctx context.Context) (kafkaGo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkaGo.Message) error
}

// Broker publishes and consumes JSON messages with segmentio/kafka-go.
// Writers are created lazily, one per topic.
type Broker struct {
	brokers []string

	mu      sync.Mutex
	writers map[string]*kafkaGo.Writer
}

var (
	_ messaging.Publisher  = (*Broker)(nil)
	_ messaging.Subscriber = (*Broker)(nil)
)

// NewKafkaBroker creates a new Kafka publisher and subscriber.
func NewKafkaBroker(brokers []string) *Broker {
	return &Broker{brokers: brokers, writers: map[string]*kafkaGo.Writer{}}
}

func (k *Broker) writer(topic string) *kafkaGo.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()

	w, ok := k.writers[topic]
	if !ok {
		w = &kafkaGo.Writer{
			Addr:  kafkaGo.TCP(k.brokers...),
			Topic: topic,
			// same key, same partition: events of one sale stay ordered
			Balancer:               &kafkaGo.Hash{},
			RequiredAcks:           kafkaGo.RequireAll,
			AllowAutoTopicCreation: true,
		}
		k.writers[topic] = w
	}
	return w
}

func (k *Broker) PublishEvent(ctx context.Context, topic string, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafkaGo.Message{
		Key:   []byte(key),
		Value: payload,
	}
	if env, ok := event.(messaging.Envelope); ok {
		msg.Headers = []kafkaGo.Header{{Key: "type", Value: []byte(env.Type)}}
	}

	if err := k.writer(topic).WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to %s: %w", topic, err)
	}
	return nil
}

// Consume commits each message after the handler returns. Handler errors
// are logged and the message is not retried.
func (k *Broker) Consume(ctx context.Context, topic string, groupID string, handler func(ctx context.Context, payload []byte) error) {
	r := kafkaGo.NewReader(kafkaGo.ReaderConfig{
		Brokers: k.brokers,
		Topic:   topic,
		GroupID: groupID,
	})
	defer r.Close()

	consume(ctx, topic, r, handler)
}

func consume(ctx context.Context, topic string, r reader, handler func(ctx context.Context, payload []byte) error) {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Consumer shutting down", "topic", topic)
				return
			}
			slog.Error("Error reading message", "topic", topic, "err", err, "retry_in", fetchRetryDelay)
			select {
			case <-ctx.Done():
				slog.Info("Consumer shutting down", "topic", topic)
				return
			case <-time.After(fetchRetryDelay):
			}
			continue
		}

		if err := handler(ctx, msg.Value); err != nil {
			slog.Error("Error handling message", "topic", topic, "offset", msg.Offset, "err", err)
		}

		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Error("Error committing message", "topic", topic, "offset", msg.Offset, "err", err)
		}
	}
}

// Close flushes and closes all writers.
func (k *Broker) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var firstErr error
	for topic, w := range k.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close writer for %s: %w", topic, err)
		}
	}
	k.writers = map[string]*kafkaGo.Writer{}
	return firstErr
}
