package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"im-sync/internal/imtypes"
	appKafka "im-sync/internal/kafka"
	"im-sync/internal/models"
)

type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) SendMessage(ctx context.Context, topic string, key []byte, payload []byte) error {
	return m.Called(ctx, topic, string(key), payload).Error(0)
}

func (m *MockProducer) Close() {}

func TestPublishKeysByChat(t *testing.T) {
	producer := new(MockProducer)
	var sent []byte
	producer.On("SendMessage", mock.Anything, "changes", "c1", mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(3).([]byte) }).
		Return(nil)

	pub := appKafka.NewChangePublisher(producer, "changes")
	ev := imtypes.ChangeEvent{Kind: models.KindMessage, ID: "m1", ChatID: "c1", Type: imtypes.ChangeAdded, Version: 1,
		Data: map[string]any{"senderId": "U1"}}
	require.NoError(t, pub.Publish(context.Background(), ev))

	var decoded imtypes.ChangeEvent
	require.NoError(t, json.Unmarshal(sent, &decoded))
	assert.Equal(t, "m1", decoded.ID)
	assert.Equal(t, "U1", decoded.Data["senderId"])
	producer.AssertExpectations(t)
}

func TestPublishPropagatesErrors(t *testing.T) {
	producer := new(MockProducer)
	producer.On("SendMessage", mock.Anything, "changes", "users/U1", mock.Anything).Return(errors.New("broker down"))

	pub := appKafka.NewChangePublisher(producer, "changes")
	err := pub.Publish(context.Background(), imtypes.ChangeEvent{Kind: models.KindUser, ID: "U1"})
	assert.ErrorContains(t, err, "broker down")
}

func TestBroadcastGroupID(t *testing.T) {
	assert.Equal(t, "fixed", appKafka.BroadcastGroupID("fixed"))
	a, b := appKafka.BroadcastGroupID(""), appKafka.BroadcastGroupID("")
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "im-sync-")
}
