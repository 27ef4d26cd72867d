package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"im-sync/internal/imtypes"
)

// ChangePublisher publishes document change events to the changes topic.
type ChangePublisher struct {
	producer MessageProducer
	topic    string
}

// NewChangePublisher wraps producer for topic.
func NewChangePublisher(producer MessageProducer, topic string) *ChangePublisher {
	return &ChangePublisher{producer: producer, topic: topic}
}

// Publish encodes ev as JSON. Events are keyed by chat so one chat's changes
// stay on one partition and keep their order.
func (p *ChangePublisher) Publish(ctx context.Context, ev imtypes.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event %s/%s: %w", ev.Kind, ev.ID, err)
	}
	return p.producer.SendMessage(ctx, p.topic, []byte(PartitionKey(ev)), payload)
}

// PartitionKey is the chat id for chat-scoped documents and the document id otherwise.
func PartitionKey(ev imtypes.ChangeEvent) string {
	if ev.ChatID != "" {
		return ev.ChatID
	}
	return string(ev.Kind) + "/" + ev.ID
}
