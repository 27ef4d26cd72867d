package services

import (
	"context"
	"fmt"
	"strings"

	"im-sync/internal/decoder"
	"im-sync/internal/imtypes"
	"im-sync/internal/models"
)

// ProfileUpdate 中为 nil 的字段保持不变。
type ProfileUpdate struct {
	DisplayName *string `json:"displayName"`
	AvatarURL   *string `json:"photoURL"`
	Bio         *string `json:"bio"`
}

// UserService 定义了用户资料与在线状态的操作。
type UserService interface {
	GetProfile(ctx context.Context, uid string) (*models.UserProfile, error)
	UpdateProfile(ctx context.Context, uid string, upd ProfileUpdate) (*models.UserProfile, error)
	// SetOnline 记录连接/断开，同时刷新 lastSeen。
	SetOnline(ctx context.Context, uid string, online bool) error
}

// userService 是 UserService 的实现。
type userService struct {
	source imtypes.DocumentSource
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(source imtypes.DocumentSource) UserService {
	return &userService{source: source}
}

// GetProfile 获取用户公开的个人资料。
func (s *userService) GetProfile(ctx context.Context, uid string) (*models.UserProfile, error) {
	data, err := s.source.Get(ctx, models.KindUser, uid)
	if err != nil {
		return nil, fmt.Errorf("获取用户 %s 失败: %w", uid, err)
	}
	return decoder.DecodeUser(imtypes.Change{Type: imtypes.ChangeAdded, ID: uid, Data: data})
}

// UpdateProfile 更新用户的个人资料。
func (s *userService) UpdateProfile(ctx context.Context, uid string, upd ProfileUpdate) (*models.UserProfile, error) {
	patch := map[string]any{"uid": uid}
	if upd.DisplayName != nil {
		name := strings.TrimSpace(*upd.DisplayName)
		if name == "" {
			return nil, fmt.Errorf("显示名称不能为空: %w", ErrInvalidInput)
		}
		patch["displayName"] = name
	}
	if upd.AvatarURL != nil {
		patch["photoURL"] = *upd.AvatarURL
	}
	if upd.Bio != nil {
		patch["bio"] = *upd.Bio // 允许清空
	}
	if err := s.source.Write(ctx, models.KindUser, uid, patch); err != nil {
		return nil, fmt.Errorf("更新用户 %s 资料失败: %w", uid, err)
	}
	return s.GetProfile(ctx, uid)
}

func (s *userService) SetOnline(ctx context.Context, uid string, online bool) error {
	err := s.source.Write(ctx, models.KindUser, uid, map[string]any{
		"uid":      uid,
		"isOnline": online,
		"lastSeen": imtypes.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("更新用户 %s 在线状态失败: %w", uid, err)
	}
	return nil
}
