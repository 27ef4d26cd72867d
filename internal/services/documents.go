package services

import (
	"context"
	"fmt"

	"im-sync/internal/decoder"
	"im-sync/internal/imtypes"
	"im-sync/internal/models"
)

func loadChat(ctx context.Context, src imtypes.DocumentSource, chatID string) (*models.Chat, error) {
	if chatID == "" {
		return nil, ErrInvalidChat
	}
	data, err := src.Get(ctx, models.KindChat, chatID)
	if err != nil {
		return nil, fmt.Errorf("获取会话 %s 失败: %w", chatID, err)
	}
	chat, err := decoder.DecodeChat(imtypes.Change{Type: imtypes.ChangeAdded, ID: chatID, Data: data})
	if err != nil {
		return nil, fmt.Errorf("解析会话 %s 失败: %w", chatID, err)
	}
	return chat, nil
}

// loadMemberChat 返回会话，uid 不是成员时返回 ErrNotMember。
func loadMemberChat(ctx context.Context, src imtypes.DocumentSource, chatID, uid string) (*models.Chat, error) {
	chat, err := loadChat(ctx, src, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasMember(uid) {
		return nil, fmt.Errorf("用户 %s 访问会话 %s: %w", uid, chatID, ErrNotMember)
	}
	return chat, nil
}

func loadMessage(ctx context.Context, src imtypes.DocumentSource, chatID, messageID string) (*models.Message, error) {
	data, err := src.Get(ctx, models.KindMessage, messageID)
	if err != nil {
		return nil, fmt.Errorf("获取消息 %s 失败: %w", messageID, err)
	}
	msg, err := decoder.DecodeMessage("", imtypes.Change{Type: imtypes.ChangeAdded, ID: messageID, Data: data})
	if err != nil {
		return nil, fmt.Errorf("解析消息 %s 失败: %w", messageID, err)
	}
	if msg.ChatID != chatID {
		return nil, fmt.Errorf("消息 %s 不属于会话 %s: %w", messageID, chatID, imtypes.ErrNotFound)
	}
	return msg, nil
}

func attachmentRecords(atts []models.Attachment) []any {
	out := make([]any, 0, len(atts))
	for _, a := range atts {
		out = append(out, map[string]any{
			"id":          a.ID,
			"url":         a.URL,
			"downloadUrl": a.DownloadURL,
			"name":        a.Name,
			"type":        string(a.Type),
			"size":        a.Size,
		})
	}
	return out
}

// MessageRecord 是新消息写入文档源的记录，时间戳由服务端填写。
func MessageRecord(m *models.Message) map[string]any {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return map[string]any{
		"chatId":      m.ChatID,
		"senderId":    m.SenderID,
		"text":        m.Text,
		"attachments": attachmentRecords(m.Attachments),
		"timestamp":   imtypes.ServerTimestamp,
		"isEdited":    false,
		"isPinned":    false,
		"readBy":      readBy,
	}
}
