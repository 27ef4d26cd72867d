package services_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"im-sync/internal/imtypes"
	"im-sync/internal/models"
	"im-sync/internal/services"
)

func TestGetOrCreateDirectFindsExistingRegardlessOfOrder(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	svc := services.NewChatService(src, zerolog.Nop())

	src.On("List", ctx, imtypes.Selector{Kind: models.KindChat, Member: "U1"}).Return([]imtypes.Change{
		{ID: "g1", Data: map[string]any{"members": []string{"U1", "U2", "U3"}, "isGroup": true}},
		{ID: "d1", Data: map[string]any{"members": []string{"U2", "U1"}}},
	}, nil)

	chat, created, err := svc.GetOrCreateDirect(ctx, "U1", "U2")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "d1", chat.ID)
	src.AssertNotCalled(t, "Write", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetOrCreateDirectCreates(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	svc := services.NewChatService(src, zerolog.Nop())

	src.On("List", ctx, mock.Anything).Return([]imtypes.Change{}, nil)
	src.On("Write", ctx, models.KindChat, mock.Anything, mock.MatchedBy(func(p map[string]any) bool {
		return assert.ObjectsAreEqual([]string{"U1", "U2"}, p["members"]) &&
			p["isGroup"] == false && p["createdBy"] == "U2" &&
			p["lastMessageTime"] == imtypes.ServerTimestamp
	})).Return(nil).Once()

	chat, created, err := svc.GetOrCreateDirect(ctx, "U2", "U1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "U1,U2", chat.DirectKey())
	src.AssertExpectations(t)

	_, _, err = svc.GetOrCreateDirect(ctx, "U1", "U1")
	assert.ErrorIs(t, err, services.ErrInvalidChat)
}

func TestCreateGroupIncludesCreator(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	svc := services.NewChatService(src, zerolog.Nop())

	src.On("Write", ctx, models.KindChat, mock.Anything, mock.Anything).Return(nil).Once()

	chat, err := svc.CreateGroup(ctx, "A", " team ", []string{"C", "B", "C", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, chat.Members)
	assert.True(t, chat.IsGroup)
	assert.Equal(t, "team", chat.Title)
	assert.Equal(t, map[string]int{"A": 0, "B": 0, "C": 0}, chat.Unread)

	_, err = svc.CreateGroup(ctx, "A", "solo", nil)
	assert.ErrorIs(t, err, services.ErrInvalidChat)
	src.AssertExpectations(t)
}

func TestLeaveGroup(t *testing.T) {
	ctx := context.Background()

	t.Run("others remain", func(t *testing.T) {
		src := new(MockSource)
		svc := services.NewChatService(src, zerolog.Nop())
		src.On("Get", ctx, models.KindChat, "g1").Return(map[string]any{"members": []string{"A", "B"}, "isGroup": true}, nil)
		src.On("Write", ctx, models.KindChat, "g1", map[string]any{"members": imtypes.ArrayRemove{"A"}}).Return(nil).Once()

		require.NoError(t, svc.LeaveGroup(ctx, "A", "g1"))
		src.AssertExpectations(t)
	})

	t.Run("creator hands over the chat", func(t *testing.T) {
		src := new(MockSource)
		svc := services.NewChatService(src, zerolog.Nop())
		src.On("Get", ctx, models.KindChat, "g1").Return(map[string]any{
			"members": []string{"A", "B", "C"}, "isGroup": true, "createdBy": "A",
		}, nil)
		src.On("Write", ctx, models.KindChat, "g1", map[string]any{
			"members":   imtypes.ArrayRemove{"A"},
			"createdBy": "B",
		}).Return(nil).Once()

		require.NoError(t, svc.LeaveGroup(ctx, "A", "g1"))
		src.AssertExpectations(t)
	})

	t.Run("last member deletes the chat", func(t *testing.T) {
		src := new(MockSource)
		svc := services.NewChatService(src, zerolog.Nop())
		src.On("Get", ctx, models.KindChat, "g1").Return(map[string]any{"members": []string{"A"}, "isGroup": true}, nil)
		src.On("List", ctx, imtypes.Selector{Kind: models.KindMessage, ChatID: "g1"}).Return([]imtypes.Change{{ID: "m1"}, {ID: "m2"}}, nil)
		src.On("Delete", ctx, models.KindMessage, "m1").Return(nil).Once()
		src.On("Delete", ctx, models.KindMessage, "m2").Return(imtypes.ErrNotFound).Once()
		src.On("Delete", ctx, models.KindChat, "g1").Return(nil).Once()

		require.NoError(t, svc.LeaveGroup(ctx, "A", "g1"))
		src.AssertExpectations(t)
	})

	t.Run("direct chat", func(t *testing.T) {
		src := new(MockSource)
		svc := services.NewChatService(src, zerolog.Nop())
		src.On("Get", ctx, models.KindChat, "d1").Return(map[string]any{"members": []string{"A", "B"}}, nil)

		assert.ErrorIs(t, svc.LeaveGroup(ctx, "A", "d1"), services.ErrForbidden)
	})
}

func TestListForUserOrdersAndDedupes(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	svc := services.NewChatService(src, zerolog.Nop())

	src.On("List", ctx, mock.Anything).Return([]imtypes.Change{
		{ID: "old", Data: map[string]any{"members": []string{"A", "B"}, "lastMessageTime": int64(1000)}},
		{ID: "new", Data: map[string]any{"members": []string{"B", "A"}, "lastMessageTime": int64(5000)}},
		{ID: "g", Data: map[string]any{"members": []string{"A", "B", "C"}, "isGroup": true, "lastMessageTime": int64(3000)}},
		{ID: "broken", Data: map[string]any{}},
	}, nil)

	chats, err := svc.ListForUser(ctx, "A")
	require.NoError(t, err)
	ids := make([]string, 0, len(chats))
	for _, c := range chats {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"new", "g"}, ids)
}

func TestMoveToFolderRequiresMembership(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	svc := services.NewChatService(src, zerolog.Nop())
	src.On("Get", ctx, models.KindChat, "c1").Return(map[string]any{"members": []string{"B", "C"}}, nil)

	assert.ErrorIs(t, svc.MoveToFolder(ctx, "A", "c1", "work"), services.ErrNotMember)
}
