package services

import (
	"context"
	"fmt"

	"im-sync/internal/imtypes"
	"im-sync/internal/models"
)

// TypingService 写入与清除输入状态。
type TypingService interface {
	SetTyping(ctx context.Context, uid, userName, chatID string) error
	ClearTyping(ctx context.Context, uid, chatID string) error
}

type typingService struct {
	source imtypes.DocumentSource
}

// NewTypingService 创建一个新的 TypingService 实例。
func NewTypingService(source imtypes.DocumentSource) TypingService {
	return &typingService{source: source}
}

func (s *typingService) SetTyping(ctx context.Context, uid, userName, chatID string) error {
	if _, err := loadMemberChat(ctx, s.source, chatID, uid); err != nil {
		return err
	}
	err := s.source.Write(ctx, models.KindTyping, imtypes.TypingDocID(chatID, uid), map[string]any{
		"chatId":    chatID,
		"userId":    uid,
		"userName":  userName,
		"timestamp": imtypes.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("写入输入状态失败: %w", err)
	}
	return nil
}

func (s *typingService) ClearTyping(ctx context.Context, uid, chatID string) error {
	if err := s.source.Delete(ctx, models.KindTyping, imtypes.TypingDocID(chatID, uid)); err != nil {
		return fmt.Errorf("清除输入状态失败: %w", err)
	}
	return nil
}
