package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"im-sync/internal/imtypes"
	"im-sync/internal/models"
	"im-sync/internal/services"
)

func chatData(members ...string) map[string]any {
	return map[string]any{"members": members, "isGroup": len(members) > 2}
}

func msgData(chatID, sender, text string, at time.Time, readBy ...string) map[string]any {
	return map[string]any{"chatId": chatID, "senderId": sender, "text": text, "timestamp": at, "readBy": readBy}
}

func TestSendWritesMessageAndChatSummary(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	svc := services.NewMessageService(src, zerolog.Nop())

	src.On("Get", ctx, models.KindChat, "c1").Return(chatData("A", "B", "C"), nil)
	src.On("Get", ctx, models.KindMessage, "m1").Return(nil, imtypes.ErrNotFound)
	src.On("Write", ctx, models.KindMessage, "m1", mock.MatchedBy(func(p map[string]any) bool {
		return p["senderId"] == "A" && p["chatId"] == "c1" && p["text"] == "hi" &&
			p["timestamp"] == imtypes.ServerTimestamp && assert.ObjectsAreEqual([]string{"A"}, p["readBy"])
	})).Return(nil).Once()
	src.On("Write", ctx, models.KindChat, "c1", mock.MatchedBy(func(p map[string]any) bool {
		_, self := p["unreadCount.A"]
		return p["lastMessage"] == "hi" && p["lastMessageSender"] == "A" &&
			p["lastMessageTime"] == imtypes.ServerTimestamp && !self &&
			p["unreadCount.B"] == imtypes.Increment(1) && p["unreadCount.C"] == imtypes.Increment(1)
	})).Return(nil).Once()
	src.On("Delete", ctx, models.KindTyping, "c1/A").Return(nil).Once()

	msg, err := svc.Send(ctx, "A", "c1", services.Draft{ID: "m1", Text: "  hi "})
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Text)
	assert.True(t, msg.Timestamp.Pending)
	src.AssertExpectations(t)
}

func TestSendAttachmentOnlyPreview(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	svc := services.NewMessageService(src, zerolog.Nop())
	att := models.Attachment{ID: "f1", URL: "/uploads/f1", Name: "a.png", Type: models.AttachmentImage, Size: 3}

	src.On("Get", ctx, models.KindChat, "c1").Return(chatData("A", "B"), nil)
	src.On("Write", ctx, models.KindMessage, mock.Anything, mock.MatchedBy(func(p map[string]any) bool {
		atts, ok := p["attachments"].([]any)
		return ok && len(atts) == 1 && atts[0].(map[string]any)["id"] == "f1"
	})).Return(nil)
	src.On("Write", ctx, models.KindChat, "c1", mock.MatchedBy(func(p map[string]any) bool {
		return p["lastMessage"] == "[image]"
	})).Return(nil)
	src.On("Delete", ctx, models.KindTyping, "c1/A").Return(nil)

	msg, err := svc.Send(ctx, "A", "c1", services.Draft{Attachments: []models.Attachment{att}})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	src.AssertExpectations(t)
}

func TestSendRejectedKeepsDraft(t *testing.T) {
	ctx := context.Background()
	att := models.Attachment{ID: "f1"}

	t.Run("empty", func(t *testing.T) {
		svc := services.NewMessageService(new(MockSource), zerolog.Nop())
		_, err := svc.Send(ctx, "A", "c1", services.Draft{Text: "   "})
		assert.ErrorIs(t, err, services.ErrSendRejected)
		assert.ErrorIs(t, err, services.ErrEmptyMessage)
	})

	t.Run("not a member", func(t *testing.T) {
		src := new(MockSource)
		src.On("Get", ctx, models.KindChat, "c1").Return(chatData("B", "C"), nil)
		svc := services.NewMessageService(src, zerolog.Nop())

		_, err := svc.Send(ctx, "A", "c1", services.Draft{Text: "hi"})
		assert.ErrorIs(t, err, services.ErrNotMember)
		src.AssertNotCalled(t, "Write", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("write fails", func(t *testing.T) {
		src := new(MockSource)
		src.On("Get", ctx, models.KindChat, "c1").Return(chatData("A", "B"), nil)
		src.On("Get", ctx, models.KindMessage, "m1").Return(nil, imtypes.ErrNotFound)
		src.On("Write", ctx, models.KindMessage, "m1", mock.Anything).Return(errors.New("offline"))
		svc := services.NewMessageService(src, zerolog.Nop())

		_, err := svc.Send(ctx, "A", "c1", services.Draft{ID: "m1", Text: "hi", Attachments: []models.Attachment{att}})
		require.ErrorIs(t, err, services.ErrSendRejected)

		var rejected *services.SendRejectedError
		require.ErrorAs(t, err, &rejected)
		assert.Equal(t, "send", rejected.Op)
		assert.Equal(t, "hi", rejected.Draft.Text)
		assert.Equal(t, []models.Attachment{att}, rejected.Draft.Attachments)
	})
}

func TestSendWithKnownIDIsRetry(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	svc := services.NewMessageService(src, zerolog.Nop())
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	src.On("Get", ctx, models.KindChat, "c1").Return(chatData("A", "B"), nil)
	src.On("Get", ctx, models.KindMessage, "m1").Return(msgData("c1", "A", "hi", t0, "A"), nil)

	msg, err := svc.Send(ctx, "A", "c1", services.Draft{ID: "m1", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, t0, msg.Timestamp.Time)
	// 已提交的消息不再写入，未读计数也不会重复增加
	src.AssertNotCalled(t, "Write", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendRefusesForeignMessageID(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		data map[string]any
	}{
		{"other sender", msgData("c1", "B", "theirs", t0)},
		{"other chat", msgData("c2", "A", "mine elsewhere", t0)},
		{"unreadable", map[string]any{"chatId": "c1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := new(MockSource)
			svc := services.NewMessageService(src, zerolog.Nop())
			src.On("Get", ctx, models.KindChat, "c1").Return(chatData("A", "B"), nil)
			src.On("Get", ctx, models.KindMessage, "m9").Return(tc.data, nil)

			_, err := svc.Send(ctx, "A", "c1", services.Draft{ID: "m9", Text: "hijack"})
			assert.ErrorIs(t, err, services.ErrSendRejected)
			assert.ErrorIs(t, err, services.ErrMessageExists)
			src.AssertNotCalled(t, "Write", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestDeleteRecomputesPreview(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	svc := services.NewMessageService(src, zerolog.Nop())
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	src.On("Get", ctx, models.KindChat, "c1").Return(chatData("A", "B"), nil)
	src.On("Get", ctx, models.KindMessage, "m2").Return(msgData("c1", "A", "second", t0.Add(time.Minute)), nil)
	src.On("Delete", ctx, models.KindMessage, "m2").Return(nil)
	src.On("List", ctx, imtypes.Selector{Kind: models.KindMessage, ChatID: "c1"}).Return([]imtypes.Change{
		{Type: imtypes.ChangeAdded, ID: "m1", Data: msgData("c1", "B", "first", t0)},
		{Type: imtypes.ChangeAdded, ID: "bad", Data: map[string]any{"chatId": "c1"}},
	}, nil)
	src.On("Write", ctx, models.KindChat, "c1", map[string]any{
		"lastMessage":       "first",
		"lastMessageSender": "B",
		"lastMessageTime":   t0,
	}).Return(nil).Once()

	require.NoError(t, svc.Delete(ctx, "A", "c1", "m2"))
	src.AssertExpectations(t)
}

func TestDeleteOthersMessageForbidden(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	svc := services.NewMessageService(src, zerolog.Nop())

	src.On("Get", ctx, models.KindChat, "c1").Return(chatData("A", "B"), nil)
	src.On("Get", ctx, models.KindMessage, "m1").Return(msgData("c1", "B", "x", time.Now()), nil)

	err := svc.Delete(ctx, "A", "c1", "m1")
	assert.ErrorIs(t, err, services.ErrForbidden)
	assert.ErrorIs(t, err, services.ErrSendRejected)
	src.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
}

func TestEditMarksEdited(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	svc := services.NewMessageService(src, zerolog.Nop())
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	src.On("Get", ctx, models.KindChat, "c1").Return(chatData("A", "B"), nil)
	src.On("Get", ctx, models.KindMessage, "m1").Return(msgData("c1", "A", "helo", t0), nil)
	src.On("Write", ctx, models.KindMessage, "m1", map[string]any{"text": "hello", "isEdited": true}).Return(nil).Once()
	src.On("List", ctx, mock.Anything).Return([]imtypes.Change{
		{Type: imtypes.ChangeAdded, ID: "m1", Data: msgData("c1", "A", "hello", t0)},
	}, nil)
	src.On("Write", ctx, models.KindChat, "c1", mock.MatchedBy(func(p map[string]any) bool {
		return p["lastMessage"] == "hello"
	})).Return(nil).Once()

	require.NoError(t, svc.Edit(ctx, "A", "c1", "m1", "hello"))
	src.AssertExpectations(t)
}

func TestTogglePin(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	svc := services.NewMessageService(src, zerolog.Nop())

	data := msgData("c1", "B", "x", time.Now())
	data["isPinned"] = true
	src.On("Get", ctx, models.KindChat, "c1").Return(chatData("A", "B"), nil)
	src.On("Get", ctx, models.KindMessage, "m1").Return(data, nil)
	src.On("Write", ctx, models.KindMessage, "m1", map[string]any{"isPinned": false}).Return(nil).Once()

	pinned, err := svc.TogglePin(ctx, "A", "c1", "m1")
	require.NoError(t, err)
	assert.False(t, pinned)
	src.AssertExpectations(t)
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	svc := services.NewMessageService(src, zerolog.Nop())
	now := time.Now()

	src.On("Get", ctx, models.KindChat, "c1").Return(chatData("A", "B"), nil)
	src.On("List", ctx, imtypes.Selector{Kind: models.KindMessage, ChatID: "c1"}).Return([]imtypes.Change{
		{ID: "m1", Data: msgData("c1", "A", "mine", now)},
		{ID: "m2", Data: msgData("c1", "B", "seen", now, "B", "A")},
		{ID: "m3", Data: msgData("c1", "B", "new", now, "B")},
	}, nil)
	src.On("Write", ctx, models.KindMessage, "m3", map[string]any{"readBy": imtypes.ArrayUnion{"A"}}).Return(nil).Once()
	src.On("Write", ctx, models.KindChat, "c1", map[string]any{"unreadCount.A": 0}).Return(nil).Once()

	n, err := svc.MarkRead(ctx, "A", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	src.AssertExpectations(t)
}

func TestTypingService(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	svc := services.NewTypingService(src)

	src.On("Get", ctx, models.KindChat, "c1").Return(chatData("A", "B"), nil)
	src.On("Write", ctx, models.KindTyping, "c1/A", map[string]any{
		"chatId": "c1", "userId": "A", "userName": "Ann", "timestamp": imtypes.ServerTimestamp,
	}).Return(nil).Once()
	src.On("Delete", ctx, models.KindTyping, "c1/A").Return(nil).Once()

	require.NoError(t, svc.SetTyping(ctx, "A", "Ann", "c1"))
	require.NoError(t, svc.ClearTyping(ctx, "A", "c1"))
	src.AssertExpectations(t)
}
