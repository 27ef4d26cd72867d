package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"im-sync/internal/config"
	"im-sync/internal/logger"
)

// MessageHandler is a function type for processing consumed Kafka messages.
type MessageHandler func(ctx context.Context, msg *kafka.Message) error

// MessageConsumer defines the interface for a Kafka message consumer.
type MessageConsumer interface {
	Consume(ctx context.Context, topics []string, groupID string, handler MessageHandler) error
	Close()
}

// confluentKafkaConsumer is an implementation of MessageConsumer using confluent-kafka-go.
type confluentKafkaConsumer struct {
	consumer *kafka.Consumer
	cfg      config.KafkaConfig
	groupID  string
	log      zerolog.Logger
}

// NewConfluentKafkaConsumer creates a new Kafka consumer. The underlying
// client is created in Consume once the group is known.
func NewConfluentKafkaConsumer(cfg config.KafkaConfig) (MessageConsumer, error) {
	return &confluentKafkaConsumer{cfg: cfg, log: logger.Module("kafka")}, nil
}

// BroadcastGroupID returns groupID, or a group unique to this process when it
// is empty so that every instance receives every change event.
func BroadcastGroupID(groupID string) string {
	if groupID != "" {
		return groupID
	}
	return "im-sync-" + uuid.NewString()
}

// Consume starts consuming messages from the specified topics and group.
// This method will block until the context is canceled or a fatal error occurs.
// A process-unique group starts at the latest offset: live subscribers load
// their initial state from the database and only need changes from now on.
func (c *confluentKafkaConsumer) Consume(ctx context.Context, topics []string, groupID string, handler MessageHandler) error {
	if len(topics) == 0 {
		return fmt.Errorf("kafka consumer: no topics specified")
	}
	offsetReset := "earliest"
	if groupID == "" {
		offsetReset = "latest"
	}
	c.groupID = BroadcastGroupID(groupID)

	configMap := &kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(c.cfg.Brokers, ","),
		"group.id":           c.groupID,
		"auto.offset.reset":  offsetReset,
		"enable.auto.commit": "false", // We will commit manually after processing
	}
	if c.cfg.Protocol != "" {
		_ = configMap.SetKey("security.protocol", c.cfg.Protocol)
	}
	if c.cfg.ClientID != "" {
		_ = configMap.SetKey("client.id", c.cfg.ClientID)
	}

	consumer, err := kafka.NewConsumer(configMap)
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer for group %s: %w", c.groupID, err)
	}
	c.consumer = consumer

	if err := c.consumer.SubscribeTopics(topics, nil); err != nil {
		_ = c.consumer.Close()
		c.consumer = nil
		return fmt.Errorf("failed to subscribe to topics %v for group %s: %w", topics, c.groupID, err)
	}

	log := c.log.With().Str("group", c.groupID).Logger()
	log.Info().Strs("topics", topics).Msg("Kafka consumer started. Waiting for messages...")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Context canceled for consumer group. Shutting down.")
			return nil
		default:
		}

		ev := c.consumer.Poll(1000)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			if err := handler(ctx, e); err != nil {
				log.Error().Err(err).Str("topic", *e.TopicPartition.Topic).
					Str("offset", e.TopicPartition.Offset.String()).Msg("Error processing Kafka message")
				continue
			}
			if _, err := c.consumer.CommitMessage(e); err != nil {
				log.Warn().Err(err).Str("topic", *e.TopicPartition.Topic).
					Str("offset", e.TopicPartition.Offset.String()).Msg("Failed to commit offset")
			}
		case kafka.Error:
			log.Error().Err(e).Int("code", int(e.Code())).Bool("fatal", e.IsFatal()).
				Bool("retriable", e.IsRetriable()).Msg("Kafka consumer error")
			if e.IsFatal() {
				return e
			}
		case kafka.AssignedPartitions:
			log.Info().Str("partitions", fmt.Sprint(e.Partitions)).Msg("Partitions assigned")
			_ = c.consumer.Assign(e.Partitions)
		case kafka.RevokedPartitions:
			log.Info().Str("partitions", fmt.Sprint(e.Partitions)).Msg("Partitions revoked")
			_ = c.consumer.Unassign()
		}
	}
}

// Close closes the Kafka consumer.
func (c *confluentKafkaConsumer) Close() {
	if c.consumer == nil {
		return
	}
	if err := c.consumer.Close(); err != nil {
		c.log.Error().Err(err).Str("group", c.groupID).Msg("Error closing Kafka consumer")
	} else {
		c.log.Info().Str("group", c.groupID).Msg("Kafka consumer closed.")
	}
	c.consumer = nil
}
