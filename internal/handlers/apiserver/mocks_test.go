package apiserver_test

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"im-sync/internal/auth"
	"im-sync/internal/imtypes"
	"im-sync/internal/models"
	"im-sync/internal/services"
)

type MockMessages struct {
	mock.Mock
}

func (m *MockMessages) Send(ctx context.Context, senderID, chatID string, draft services.Draft) (*models.Message, error) {
	args := m.Called(ctx, senderID, chatID, draft)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *MockMessages) Edit(ctx context.Context, uid, chatID, messageID, text string) error {
	return m.Called(ctx, uid, chatID, messageID, text).Error(0)
}

func (m *MockMessages) Delete(ctx context.Context, uid, chatID, messageID string) error {
	return m.Called(ctx, uid, chatID, messageID).Error(0)
}

func (m *MockMessages) TogglePin(ctx context.Context, uid, chatID, messageID string) (bool, error) {
	args := m.Called(ctx, uid, chatID, messageID)
	return args.Bool(0), args.Error(1)
}

func (m *MockMessages) MarkRead(ctx context.Context, uid, chatID string) (int, error) {
	args := m.Called(ctx, uid, chatID)
	return args.Int(0), args.Error(1)
}

type MockTyping struct {
	mock.Mock
}

func (m *MockTyping) SetTyping(ctx context.Context, uid, userName, chatID string) error {
	return m.Called(ctx, uid, userName, chatID).Error(0)
}

func (m *MockTyping) ClearTyping(ctx context.Context, uid, chatID string) error {
	return m.Called(ctx, uid, chatID).Error(0)
}

type MockChats struct {
	mock.Mock
}

func (m *MockChats) Get(ctx context.Context, uid, chatID string) (*models.Chat, error) {
	args := m.Called(ctx, uid, chatID)
	chat, _ := args.Get(0).(*models.Chat)
	return chat, args.Error(1)
}

func (m *MockChats) ListForUser(ctx context.Context, uid string) ([]models.Chat, error) {
	args := m.Called(ctx, uid)
	chats, _ := args.Get(0).([]models.Chat)
	return chats, args.Error(1)
}

func (m *MockChats) GetOrCreateDirect(ctx context.Context, a, b string) (*models.Chat, bool, error) {
	args := m.Called(ctx, a, b)
	chat, _ := args.Get(0).(*models.Chat)
	return chat, args.Bool(1), args.Error(2)
}

func (m *MockChats) CreateGroup(ctx context.Context, creatorID, title string, members []string) (*models.Chat, error) {
	args := m.Called(ctx, creatorID, title, members)
	chat, _ := args.Get(0).(*models.Chat)
	return chat, args.Error(1)
}

func (m *MockChats) Rename(ctx context.Context, uid, chatID, title string) error {
	return m.Called(ctx, uid, chatID, title).Error(0)
}

func (m *MockChats) MoveToFolder(ctx context.Context, uid, chatID, folder string) error {
	return m.Called(ctx, uid, chatID, folder).Error(0)
}

func (m *MockChats) LeaveGroup(ctx context.Context, uid, chatID string) error {
	return m.Called(ctx, uid, chatID).Error(0)
}

type MockUsers struct {
	mock.Mock
}

func (m *MockUsers) GetProfile(ctx context.Context, uid string) (*models.UserProfile, error) {
	args := m.Called(ctx, uid)
	p, _ := args.Get(0).(*models.UserProfile)
	return p, args.Error(1)
}

func (m *MockUsers) UpdateProfile(ctx context.Context, uid string, upd services.ProfileUpdate) (*models.UserProfile, error) {
	args := m.Called(ctx, uid, upd)
	p, _ := args.Get(0).(*models.UserProfile)
	return p, args.Error(1)
}

func (m *MockUsers) SetOnline(ctx context.Context, uid string, online bool) error {
	return m.Called(ctx, uid, online).Error(0)
}

type MockAuth struct {
	mock.Mock
}

func (m *MockAuth) IssueToken(ctx context.Context, id auth.Identity) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

func (m *MockAuth) Logout(ctx context.Context, claims *auth.Claims) error {
	return m.Called(ctx, claims).Error(0)
}

// memOwners 是内存中的 imtypes.FileOwners。
type memOwners struct {
	mu     sync.Mutex
	owners map[string]string
}

func newMemOwners() *memOwners { return &memOwners{owners: make(map[string]string)} }

func (m *memOwners) SetOwner(_ context.Context, fileID, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[fileID] = uid
	return nil
}

func (m *memOwners) Owner(_ context.Context, fileID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uid, ok := m.owners[fileID]
	if !ok {
		return "", imtypes.ErrNotFound
	}
	return uid, nil
}

func (m *memOwners) ForgetOwner(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owners, fileID)
	return nil
}
