package kafkahandlers_test

import (
	"context"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-sync/internal/imtypes"
	kafkahandlers "im-sync/internal/kafka/handlers"
	"im-sync/internal/models"
)

func TestHandleChangeEvent(t *testing.T) {
	var got []imtypes.ChangeEvent
	h := kafkahandlers.NewChangeEventConsumerLogic(func(_ context.Context, ev imtypes.ChangeEvent) {
		got = append(got, ev)
	}, zerolog.Nop())

	ok := &kafka.Message{Value: []byte(`{"kind":"chats","id":"c1","type":"modified","members":["U1","U2"],"version":3}`)}
	require.NoError(t, h.HandleChangeEvent(context.Background(), ok))

	garbage := &kafka.Message{Key: []byte("k"), Value: []byte(`{not json`)}
	assert.NoError(t, h.HandleChangeEvent(context.Background(), garbage))

	anonymous := &kafka.Message{Value: []byte(`{"kind":"chats"}`)}
	assert.NoError(t, h.HandleChangeEvent(context.Background(), anonymous))

	require.Len(t, got, 1)
	assert.Equal(t, models.KindChat, got[0].Kind)
	assert.Equal(t, imtypes.ChangeModified, got[0].Type)
	assert.Equal(t, []string{"U1", "U2"}, got[0].Members)
	assert.Equal(t, int64(3), got[0].Version)
}
