package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"im-sync/internal/aggregator"
	"im-sync/internal/decoder"
	"im-sync/internal/imtypes"
	"im-sync/internal/models"
	"im-sync/internal/projector"
)

// ChatService 定义了会话相关的操作。
type ChatService interface {
	Get(ctx context.Context, uid, chatID string) (*models.Chat, error)
	// ListForUser 返回用户所在的会话，最近活跃的在前，重复的单聊被合并。
	ListForUser(ctx context.Context, uid string) ([]models.Chat, error)
	// GetOrCreateDirect 返回 a 与 b 的单聊，不存在时创建。created 表示是否新建。
	GetOrCreateDirect(ctx context.Context, a, b string) (chat *models.Chat, created bool, err error)
	CreateGroup(ctx context.Context, creatorID, title string, members []string) (*models.Chat, error)
	Rename(ctx context.Context, uid, chatID, title string) error
	MoveToFolder(ctx context.Context, uid, chatID, folder string) error
	// LeaveGroup 将 uid 移出群聊；创建者离开时 createdBy 转给剩余成员，
	// 最后一个成员离开时会话及其消息被删除。
	LeaveGroup(ctx context.Context, uid, chatID string) error
}

// chatService 是 ChatService 的实现。
type chatService struct {
	source imtypes.DocumentSource
	log    zerolog.Logger
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(source imtypes.DocumentSource, log zerolog.Logger) ChatService {
	return &chatService{source: source, log: log}
}

func (s *chatService) Get(ctx context.Context, uid, chatID string) (*models.Chat, error) {
	return loadMemberChat(ctx, s.source, chatID, uid)
}

func (s *chatService) ListForUser(ctx context.Context, uid string) ([]models.Chat, error) {
	changes, err := s.source.List(ctx, imtypes.Selector{Kind: models.KindChat, Member: uid})
	if err != nil {
		return nil, fmt.Errorf("获取用户 %s 的会话失败: %w", uid, err)
	}
	chats := make([]models.Chat, 0, len(changes))
	for _, c := range changes {
		chat, err := decoder.DecodeChat(c)
		if err != nil {
			s.log.Warn().Err(err).Str("chat_id", c.ID).Msg("跳过无法解析的会话")
			continue
		}
		chats = append(chats, *chat)
	}
	slices.SortStableFunc(chats, projector.ChatOrder)
	return aggregator.DedupeDirect(chats), nil
}

func (s *chatService) GetOrCreateDirect(ctx context.Context, a, b string) (*models.Chat, bool, error) {
	if a == "" || b == "" || a == b {
		return nil, false, fmt.Errorf("单聊需要两个不同的用户: %w", ErrInvalidChat)
	}
	chats, err := s.ListForUser(ctx, a)
	if err != nil {
		return nil, false, err
	}
	if existing, ok := aggregator.FindDirect(chats, a, b); ok {
		return &existing, false, nil
	}

	members := []string{a, b}
	slices.Sort(members)
	chat := &models.Chat{
		ID:              uuid.NewString(),
		Members:         members,
		CreatedBy:       a,
		LastMessageTime: models.PendingTimestamp(),
		Unread:          map[string]int{a: 0, b: 0},
	}
	if err := s.source.Write(ctx, models.KindChat, chat.ID, chatRecord(chat)); err != nil {
		return nil, false, fmt.Errorf("创建单聊失败: %w", err)
	}
	return chat, true, nil
}

func (s *chatService) CreateGroup(ctx context.Context, creatorID, title string, members []string) (*models.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("群聊名称不能为空: %w", ErrInvalidChat)
	}
	all := slices.DeleteFunc(append([]string{creatorID}, members...), func(m string) bool { return m == "" })
	slices.Sort(all)
	all = slices.Compact(all)
	if len(all) < 2 {
		return nil, fmt.Errorf("群聊至少需要两名成员: %w", ErrInvalidChat)
	}

	unread := make(map[string]int, len(all))
	for _, m := range all {
		unread[m] = 0
	}
	chat := &models.Chat{
		ID:              uuid.NewString(),
		Members:         all,
		IsGroup:         true,
		Title:           title,
		CreatedBy:       creatorID,
		LastMessageTime: models.PendingTimestamp(),
		Unread:          unread,
	}
	if err := s.source.Write(ctx, models.KindChat, chat.ID, chatRecord(chat)); err != nil {
		return nil, fmt.Errorf("创建群聊失败: %w", err)
	}
	return chat, nil
}

func (s *chatService) Rename(ctx context.Context, uid, chatID, title string) error {
	chat, err := loadMemberChat(ctx, s.source, chatID, uid)
	if err != nil {
		return err
	}
	if !chat.IsGroup {
		return fmt.Errorf("单聊不能重命名: %w", ErrForbidden)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("群聊名称不能为空: %w", ErrInvalidChat)
	}
	return s.source.Write(ctx, models.KindChat, chatID, map[string]any{"name": title})
}

func (s *chatService) MoveToFolder(ctx context.Context, uid, chatID, folder string) error {
	if _, err := loadMemberChat(ctx, s.source, chatID, uid); err != nil {
		return err
	}
	return s.source.Write(ctx, models.KindChat, chatID, map[string]any{"folder": strings.TrimSpace(folder)})
}

func (s *chatService) LeaveGroup(ctx context.Context, uid, chatID string) error {
	chat, err := loadMemberChat(ctx, s.source, chatID, uid)
	if err != nil {
		return err
	}
	if !chat.IsGroup {
		return fmt.Errorf("不能离开单聊: %w", ErrForbidden)
	}
	remaining := slices.DeleteFunc(slices.Clone(chat.Members), func(m string) bool { return m == uid })
	if len(remaining) > 0 {
		patch := map[string]any{"members": imtypes.ArrayRemove{uid}}
		if chat.CreatedBy == uid {
			// 创建者离开时移交给剩余成员中的第一位
			patch["createdBy"] = remaining[0]
		}
		return s.source.Write(ctx, models.KindChat, chatID, patch)
	}

	msgs, err := s.source.List(ctx, imtypes.Selector{Kind: models.KindMessage, ChatID: chatID})
	if err != nil {
		return fmt.Errorf("获取会话 %s 的消息失败: %w", chatID, err)
	}
	for _, m := range msgs {
		if err := s.source.Delete(ctx, models.KindMessage, m.ID); err != nil && !errors.Is(err, imtypes.ErrNotFound) {
			return fmt.Errorf("删除消息 %s 失败: %w", m.ID, err)
		}
	}
	if err := s.source.Delete(ctx, models.KindChat, chatID); err != nil {
		return fmt.Errorf("删除会话 %s 失败: %w", chatID, err)
	}
	s.log.Info().Str("chat_id", chatID).Int("messages", len(msgs)).Msg("最后一名成员离开，会话已删除")
	return nil
}

func chatRecord(c *models.Chat) map[string]any {
	unread := make(map[string]any, len(c.Unread))
	for k, v := range c.Unread {
		unread[k] = v
	}
	return map[string]any{
		"members":           c.Members,
		"isGroup":           c.IsGroup,
		"name":              c.Title,
		"folder":            c.Folder,
		"createdBy":         c.CreatedBy,
		"lastMessage":       c.LastMessage,
		"lastMessageSender": c.LastMessageSender,
		"lastMessageTime":   imtypes.ServerTimestamp,
		"unreadCount":       unread,
	}
}
