// Package pubsub adapts Watermill publishers and subscribers to the
// messaging ports. It offers an in-process gochannel transport and a Kafka
// transport built on watermill-kafka and sarama.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/egannguyen/sales-service/internal/messaging"
)

const (
	metadataKey  = "partition_key"
	metadataType = "type"
)

// Broker implements messaging.Publisher and messaging.Subscriber on top of
// Watermill.
type Broker struct {
	logger    watermill.LoggerAdapter
	publisher message.Publisher

	// shared is set for transports where one instance both publishes and
	// subscribes; otherwise newSubscriber builds one per consumer group.
	shared        message.Subscriber
	newSubscriber func(groupID string) (message.Subscriber, error)
}

var (
	_ messaging.Publisher  = (*Broker)(nil)
	_ messaging.Subscriber = (*Broker)(nil)
)

// NewGoChannelBroker returns an in-process broker. With persistent set,
// messages published before a subscriber exists are replayed to it.
func NewGoChannelBroker(persistent bool, logger *slog.Logger) *Broker {
	wlogger := watermill.NewSlogLogger(logger)
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
		Persistent:          persistent,
	}, wlogger)

	return &Broker{
		logger:    wlogger,
		publisher: ch,
		shared:    ch,
	}
}

// NewKafkaBroker returns a broker that talks to Kafka through sarama.
// Messages are partitioned by their key.
func NewKafkaBroker(brokers []string, logger *slog.Logger) (*Broker, error) {
	wlogger := watermill.NewSlogLogger(logger)
	marshaler := kafka.NewWithPartitioningMarshaler(func(_ string, msg *message.Message) (string, error) {
		return msg.Metadata.Get(metadataKey), nil
	})

	pub, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             marshaler,
		OverwriteSaramaConfig: PublisherSaramaConfig(),
	}, wlogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
	}

	return &Broker{
		logger:    wlogger,
		publisher: pub,
		newSubscriber: func(groupID string) (message.Subscriber, error) {
			return kafka.NewSubscriber(kafka.SubscriberConfig{
				Brokers:               brokers,
				Unmarshaler:           marshaler,
				OverwriteSaramaConfig: SubscriberSaramaConfig(),
				ConsumerGroup:         groupID,
			}, wlogger)
		},
	}, nil
}

// PublisherSaramaConfig waits for all in-sync replicas before a publish
// returns.
func PublisherSaramaConfig() *sarama.Config {
	cfg := kafka.DefaultSaramaSyncPublisherConfig()
	cfg.ClientID = "sales-service"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	return cfg
}

// SubscriberSaramaConfig starts new consumer groups from the oldest offset.
func SubscriberSaramaConfig() *sarama.Config {
	cfg := kafka.DefaultSaramaSubscriberConfig()
	cfg.ClientID = "sales-service"
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	return cfg
}

func (b *Broker) PublishEvent(ctx context.Context, topic string, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataKey, key)
	if env, ok := event.(messaging.Envelope); ok {
		msg.Metadata.Set(metadataType, env.Type)
	}
	msg.SetContext(ctx)

	if err := b.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Consume acks every message once the handler returns. Handler errors are
// logged and the message is not retried.
func (b *Broker) Consume(ctx context.Context, topic string, groupID string, handler func(ctx context.Context, payload []byte) error) {
	sub := b.shared
	if sub == nil {
		var err error
		sub, err = b.newSubscriber(groupID)
		if err != nil {
			slog.Error("Error creating subscriber", "topic", topic, "group", groupID, "err", err)
			return
		}
		defer sub.Close()
	}

	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		slog.Error("Error subscribing", "topic", topic, "err", err)
		return
	}

	for msg := range messages {
		if err := handler(ctx, msg.Payload); err != nil {
			slog.Error("Error handling message", "topic", topic, "message_uuid", msg.UUID, "err", err)
		}
		msg.Ack()
	}
	slog.Info("Consumer shutting down", "topic", topic)
}

// Close closes the publisher. For the gochannel transport this also stops
// every subscription.
func (b *Broker) Close() error {
	if err := b.publisher.Close(); err != nil {
		return fmt.Errorf("failed to close publisher: %w", err)
	}
	return nil
}
