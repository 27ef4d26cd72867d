package session

import (
	"im-sync/internal/grouping"
	"im-sync/internal/models"
	"im-sync/internal/services"
	"im-sync/internal/upload"
)

// UpdateKind 区分推送给界面的视图。
type UpdateKind string

const (
	UpdateChatList UpdateKind = "chat_list"
	UpdateChatView UpdateKind = "chat_view"
	UpdateError    UpdateKind = "error"
)

// Update 是会话推送的一次视图变化，只有与 Kind 对应的字段被设置。
// Kind 为 UpdateChatView 而 ChatView 为 nil 表示当前没有挂载会话。
type Update struct {
	Kind     UpdateKind
	ChatList *ChatListView
	ChatView *ChatView
	Error    *ActionError
}

// ChatItem 是会话列表中的一项。
type ChatItem struct {
	models.Chat
	MyUnread int `json:"myUnread"`
}

// ChatListView 是当前用户的会话列表。
type ChatListView struct {
	Chats       []ChatItem           `json:"chats"`
	Folder      string               `json:"folder"`
	Folders     []string             `json:"folders"`
	TotalUnread int                  `json:"totalUnread"`
	Users       []models.UserProfile `json:"users"`
}

// ChatView 是挂载会话的渲染数据。
type ChatView struct {
	ChatID   string                   `json:"chatId"`
	Chat     *models.Chat             `json:"chat,omitempty"`
	Groups   []grouping.Group         `json:"groups"`
	Pinned   []models.Message         `json:"pinned"`
	Typing   []models.TypingIndicator `json:"typing"`
	Uploads  []upload.Upload          `json:"uploads"`
	CanSend  bool                     `json:"canSend"` // 没有进行中的上传
	Messages int                      `json:"messageCount"`
}

// ActionError 是用户操作的失败，Draft 保留未发送的内容。
type ActionError struct {
	Op      string          `json:"op"`
	Message string          `json:"error"`
	Draft   *services.Draft `json:"draft,omitempty"`
	Err     error           `json:"-"`
}
