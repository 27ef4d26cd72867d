package projector

import (
	"cmp"

	"im-sync/internal/models"
)

// ChatOrder sorts chats by descending last message time; pending times lead.
func ChatOrder(a, b models.Chat) int {
	return b.LastMessageTime.Compare(a.LastMessageTime)
}

// MessageOrder sorts messages by ascending timestamp; pending times trail.
func MessageOrder(a, b models.Message) int {
	return a.Timestamp.Compare(b.Timestamp)
}

func TypingOrder(a, b models.TypingIndicator) int {
	return a.Timestamp.Compare(b.Timestamp)
}

func UserOrder(a, b models.UserProfile) int {
	return cmp.Or(cmp.Compare(a.DisplayName, b.DisplayName), cmp.Compare(a.UID, b.UID))
}

func ChatKey(c models.Chat) string { return c.ID }
func MessageKey(m models.Message) string { return m.ID }
func TypingKey(t models.TypingIndicator) string { return t.UserID }
func UserKey(u models.UserProfile) string { return u.UID }

// NewChats projects the chat list of one user.
func NewChats(opts ...Option) *Projector[models.Chat] {
	return New(ChatKey, ChatOrder, opts...)
}

// NewMessages projects the messages of one chat.
func NewMessages(opts ...Option) *Projector[models.Message] {
	return New(MessageKey, MessageOrder, opts...)
}

// NewTyping projects the typing indicators of one chat.
func NewTyping(opts ...Option) *Projector[models.TypingIndicator] {
	return New(TypingKey, TypingOrder, opts...)
}

// NewUsers projects user profiles.
func NewUsers(opts ...Option) *Projector[models.UserProfile] {
	return New(UserKey, UserOrder, opts...)
}
