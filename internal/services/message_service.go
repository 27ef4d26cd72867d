package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"im-sync/internal/decoder"
	"im-sync/internal/imtypes"
	"im-sync/internal/models"
	"im-sync/internal/projector"
)

// MessageService 定义了消息相关的写操作。
// 写入结果通过文档源的订阅回流，这里不直接推送。
type MessageService interface {
	// Send 写入新消息并更新会话的最后消息与其他成员的未读计数。
	Send(ctx context.Context, senderID, chatID string, draft Draft) (*models.Message, error)
	Edit(ctx context.Context, uid, chatID, messageID, text string) error
	// Delete 删除消息并重新计算会话的最后消息摘要。
	Delete(ctx context.Context, uid, chatID, messageID string) error
	// TogglePin 切换置顶状态并返回新状态。
	TogglePin(ctx context.Context, uid, chatID, messageID string) (bool, error)
	// MarkRead 将 uid 加入未读消息的 readBy 并清零其未读计数，返回标记的消息数。
	MarkRead(ctx context.Context, uid, chatID string) (int, error)
}

// messageService 是 MessageService 的实现。
type messageService struct {
	source imtypes.DocumentSource
	log    zerolog.Logger
}

// NewMessageService 创建一个新的 MessageService 实例。
func NewMessageService(source imtypes.DocumentSource, log zerolog.Logger) MessageService {
	return &messageService{source: source, log: log}
}

// Send 发送消息。失败时返回 *SendRejectedError，其中保留草稿。
func (s *messageService) Send(ctx context.Context, senderID, chatID string, draft Draft) (*models.Message, error) {
	draft.Text = strings.TrimSpace(draft.Text)
	if draft.Text == "" && len(draft.Attachments) == 0 {
		return nil, reject("send", chatID, draft, ErrEmptyMessage)
	}
	chat, err := loadMemberChat(ctx, s.source, chatID, senderID)
	if err != nil {
		return nil, reject("send", chatID, draft, err)
	}
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	} else {
		existing, err := s.existingMessage(ctx, draft.ID)
		if err != nil {
			return nil, reject("send", chatID, draft, err)
		}
		if existing != nil {
			// 已提交的重试：不再写入，也不重复增加未读计数
			if existing.SenderID == senderID && existing.ChatID == chatID {
				return existing, nil
			}
			return nil, reject("send", chatID, draft, fmt.Errorf("消息 %s: %w", draft.ID, ErrMessageExists))
		}
	}

	msg := &models.Message{
		ID:          draft.ID,
		ChatID:      chatID,
		SenderID:    senderID,
		Text:        draft.Text,
		Attachments: draft.Attachments,
		Timestamp:   models.PendingTimestamp(),
		ReadBy:      []string{senderID},
	}
	if err := s.source.Write(ctx, models.KindMessage, msg.ID, MessageRecord(msg)); err != nil {
		return nil, reject("send", chatID, draft, fmt.Errorf("写入消息失败: %w", err))
	}

	patch := map[string]any{
		"lastMessage":       msg.Preview(),
		"lastMessageTime":   imtypes.ServerTimestamp,
		"lastMessageSender": senderID,
	}
	for _, m := range chat.Members {
		if m != senderID {
			patch["unreadCount."+m] = imtypes.Increment(1)
		}
	}
	if err := s.source.Write(ctx, models.KindChat, chatID, patch); err != nil {
		// 消息已经写入，会话摘要落后不影响消息本身
		s.log.Error().Err(err).Str("chat_id", chatID).Str("message_id", msg.ID).Msg("更新会话最后消息失败")
	}
	if err := s.source.Delete(ctx, models.KindTyping, imtypes.TypingDocID(chatID, senderID)); err != nil {
		s.log.Debug().Err(err).Str("chat_id", chatID).Msg("清除输入状态失败")
	}
	return msg, nil
}

// existingMessage 返回 ID 为 messageID 的消息，不存在时返回 nil。
// 无法解析的记录同样视为 ID 已被占用。
func (s *messageService) existingMessage(ctx context.Context, messageID string) (*models.Message, error) {
	data, err := s.source.Get(ctx, models.KindMessage, messageID)
	if errors.Is(err, imtypes.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("获取消息 %s 失败: %w", messageID, err)
	}
	msg, err := decoder.DecodeMessage("", imtypes.Change{Type: imtypes.ChangeAdded, ID: messageID, Data: data})
	if err != nil {
		return nil, fmt.Errorf("消息 %s: %w", messageID, ErrMessageExists)
	}
	return msg, nil
}

// Edit 修改消息文本，只有发送者可以编辑。
func (s *messageService) Edit(ctx context.Context, uid, chatID, messageID, text string) error {
	draft := Draft{ID: messageID, Text: text}
	text = strings.TrimSpace(text)
	msg, err := s.ownMessage(ctx, uid, chatID, messageID)
	if err != nil {
		return reject("edit", chatID, draft, err)
	}
	if text == "" && len(msg.Attachments) == 0 {
		return reject("edit", chatID, draft, ErrEmptyMessage)
	}
	if text == msg.Text {
		return nil
	}
	if err := s.source.Write(ctx, models.KindMessage, messageID, map[string]any{"text": text, "isEdited": true}); err != nil {
		return reject("edit", chatID, draft, fmt.Errorf("更新消息失败: %w", err))
	}
	if err := s.refreshPreview(ctx, chatID); err != nil {
		s.log.Error().Err(err).Str("chat_id", chatID).Msg("刷新会话最后消息失败")
	}
	return nil
}

// Delete 删除消息，只有发送者可以删除。
func (s *messageService) Delete(ctx context.Context, uid, chatID, messageID string) error {
	draft := Draft{ID: messageID}
	if _, err := s.ownMessage(ctx, uid, chatID, messageID); err != nil {
		return reject("delete", chatID, draft, err)
	}
	if err := s.source.Delete(ctx, models.KindMessage, messageID); err != nil {
		return reject("delete", chatID, draft, fmt.Errorf("删除消息失败: %w", err))
	}
	if err := s.refreshPreview(ctx, chatID); err != nil {
		s.log.Error().Err(err).Str("chat_id", chatID).Msg("刷新会话最后消息失败")
	}
	return nil
}

// TogglePin 任何成员都可以置顶或取消置顶。
func (s *messageService) TogglePin(ctx context.Context, uid, chatID, messageID string) (bool, error) {
	draft := Draft{ID: messageID}
	if _, err := loadMemberChat(ctx, s.source, chatID, uid); err != nil {
		return false, reject("pin", chatID, draft, err)
	}
	msg, err := loadMessage(ctx, s.source, chatID, messageID)
	if err != nil {
		return false, reject("pin", chatID, draft, err)
	}
	pinned := !msg.IsPinned
	if err := s.source.Write(ctx, models.KindMessage, messageID, map[string]any{"isPinned": pinned}); err != nil {
		return msg.IsPinned, reject("pin", chatID, draft, fmt.Errorf("更新置顶失败: %w", err))
	}
	return pinned, nil
}

func (s *messageService) MarkRead(ctx context.Context, uid, chatID string) (int, error) {
	if _, err := loadMemberChat(ctx, s.source, chatID, uid); err != nil {
		return 0, err
	}
	msgs, err := s.messages(ctx, chatID)
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, m := range msgs {
		if m.SenderID == uid || slices.Contains(m.ReadBy, uid) {
			continue
		}
		if err := s.source.Write(ctx, models.KindMessage, m.ID, map[string]any{"readBy": imtypes.ArrayUnion{uid}}); err != nil {
			return marked, fmt.Errorf("标记消息 %s 已读失败: %w", m.ID, err)
		}
		marked++
	}
	if err := s.source.Write(ctx, models.KindChat, chatID, map[string]any{"unreadCount." + uid: 0}); err != nil {
		return marked, fmt.Errorf("清零未读计数失败: %w", err)
	}
	return marked, nil
}

func (s *messageService) ownMessage(ctx context.Context, uid, chatID, messageID string) (*models.Message, error) {
	if _, err := loadMemberChat(ctx, s.source, chatID, uid); err != nil {
		return nil, err
	}
	msg, err := loadMessage(ctx, s.source, chatID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != uid {
		return nil, fmt.Errorf("用户 %s 修改他人消息 %s: %w", uid, messageID, ErrForbidden)
	}
	return msg, nil
}

// messages 返回会话中按时间排序的消息，无法解析的记录被跳过。
func (s *messageService) messages(ctx context.Context, chatID string) ([]models.Message, error) {
	changes, err := s.source.List(ctx, imtypes.Selector{Kind: models.KindMessage, ChatID: chatID})
	if err != nil {
		return nil, fmt.Errorf("获取会话 %s 的消息失败: %w", chatID, err)
	}
	msgs := make([]models.Message, 0, len(changes))
	for _, c := range changes {
		m, err := decoder.DecodeMessage(chatID, c)
		if err != nil {
			s.log.Warn().Err(err).Str("message_id", c.ID).Msg("跳过无法解析的消息")
			continue
		}
		msgs = append(msgs, *m)
	}
	slices.SortStableFunc(msgs, projector.MessageOrder)
	return msgs, nil
}

// refreshPreview 用剩余消息中最新的一条重写会话摘要。
// 没有消息时清空摘要但保留 lastMessageTime，会话在列表中的位置不变。
func (s *messageService) refreshPreview(ctx context.Context, chatID string) error {
	msgs, err := s.messages(ctx, chatID)
	if err != nil {
		return err
	}
	patch := map[string]any{"lastMessage": "", "lastMessageSender": ""}
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		patch["lastMessage"] = last.Preview()
		patch["lastMessageSender"] = last.SenderID
		if !last.Timestamp.Pending {
			patch["lastMessageTime"] = last.Timestamp.Time
		}
	}
	return s.source.Write(ctx, models.KindChat, chatID, patch)
}
