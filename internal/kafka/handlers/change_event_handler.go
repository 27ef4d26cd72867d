package kafkahandlers

import (
	"context"
	"encoding/json"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog"

	"im-sync/internal/imtypes"
)

// ChangeEventSink receives decoded change events, e.g. livequery.Source.Dispatch.
type ChangeEventSink func(ctx context.Context, ev imtypes.ChangeEvent)

// ChangeEventConsumerLogic decodes change events from Kafka and hands them to a sink.
type ChangeEventConsumerLogic struct {
	sink ChangeEventSink
	log  zerolog.Logger
}

// NewChangeEventConsumerLogic creates a new instance of ChangeEventConsumerLogic.
func NewChangeEventConsumerLogic(sink ChangeEventSink, log zerolog.Logger) *ChangeEventConsumerLogic {
	return &ChangeEventConsumerLogic{sink: sink, log: log}
}

// HandleChangeEvent is the MessageHandler passed to the Kafka consumer.
// Undecodable messages are logged and skipped so they are still committed.
func (h *ChangeEventConsumerLogic) HandleChangeEvent(ctx context.Context, msg *kafka.Message) error {
	var ev imtypes.ChangeEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		h.log.Warn().Err(err).Str("key", string(msg.Key)).Msg("skipping undecodable change event")
		return nil
	}
	if ev.Kind == "" || ev.ID == "" {
		h.log.Warn().Str("key", string(msg.Key)).Msg("skipping change event without kind or id")
		return nil
	}
	h.sink(ctx, ev)
	return nil
}
