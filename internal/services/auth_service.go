package services

import (
	"context"
	"errors"
	"fmt"

	"im-sync/internal/auth"
	"im-sync/internal/config"
	"im-sync/internal/imtypes"
	"im-sync/internal/models"
)

// ErrRevocationUnavailable 表示没有配置令牌黑名单。
var ErrRevocationUnavailable = errors.New("令牌吊销不可用")

// AuthService 签发与吊销身份令牌。
type AuthService interface {
	// IssueToken 为 id 签发令牌，并确保其用户资料存在。
	IssueToken(ctx context.Context, id auth.Identity) (string, error)
	Logout(ctx context.Context, claims *auth.Claims) error
}

// authService 是 AuthService 的实现。
type authService struct {
	source    imtypes.DocumentSource
	blacklist auth.TokenBlacklist
	cfg       config.AuthConfig
}

// NewAuthService 创建一个新的 AuthService 实例。blacklist 可为 nil。
func NewAuthService(source imtypes.DocumentSource, blacklist auth.TokenBlacklist, cfg config.AuthConfig) AuthService {
	return &authService{source: source, blacklist: blacklist, cfg: cfg}
}

func (s *authService) IssueToken(ctx context.Context, id auth.Identity) (string, error) {
	if id.UID == "" {
		return "", fmt.Errorf("签发令牌失败: 缺少 uid")
	}
	patch := map[string]any{"uid": id.UID}
	if id.DisplayName != "" {
		patch["displayName"] = id.DisplayName
	}
	if err := s.source.Write(ctx, models.KindUser, id.UID, patch); err != nil {
		return "", fmt.Errorf("写入用户资料失败: %w", err)
	}
	token, err := auth.GenerateToken(id, s.cfg)
	if err != nil {
		return "", fmt.Errorf("生成令牌失败: %w", err)
	}
	return token, nil
}

func (s *authService) Logout(ctx context.Context, claims *auth.Claims) error {
	if s.blacklist == nil {
		return ErrRevocationUnavailable
	}
	if err := auth.Revoke(ctx, claims, s.blacklist); err != nil {
		return fmt.Errorf("吊销令牌失败: %w", err)
	}
	return nil
}
