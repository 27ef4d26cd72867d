package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"im-sync/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken 表示令牌无法通过验证（签名、过期、吊销或缺少声明）。
var ErrInvalidToken = errors.New("invalid token")

// Identity 是身份提供方给出的当前用户，只读使用。
type Identity struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
}

// Claims 是 JWT 中的自定义声明，嵌入了 jwt.RegisteredClaims。
// Subject 与 UID 相同；ID (jti) 用于吊销。
type Claims struct {
	UID         string `json:"uid"`
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

// Identity 返回声明中的用户身份。
func (c *Claims) Identity() Identity {
	return Identity{UID: c.UID, DisplayName: c.DisplayName}
}

// GenerateToken 为指定身份签发一个新的 JWT。
func GenerateToken(id Identity, authCfg config.AuthConfig) (string, error) {
	if id.UID == "" {
		return "", fmt.Errorf("签发 JWT 失败: 缺少 uid")
	}
	jwtID, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("生成 JWT ID 失败: %w", err)
	}

	now := time.Now()
	claims := &Claims{
		UID:         id.UID,
		DisplayName: id.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UID,
			ExpiresAt: jwt.NewNumericDate(now.Add(authCfg.JWTExpiry)),
			ID:        jwtID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    authCfg.Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(authCfg.JWTSecretKey))
	if err != nil {
		return "", fmt.Errorf("生成 JWT 失败: %w", err)
	}
	return tokenString, nil
}

// ValidateToken 验证给定的 JWT 字符串并检查黑名单 (blacklist 可为 nil)。
func ValidateToken(ctx context.Context, tokenString string, authCfg config.AuthConfig, blacklist TokenBlacklist) (*Claims, error) {
	claims := &Claims{}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if authCfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(authCfg.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(authCfg.JWTSecretKey), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UID == "" {
		return nil, fmt.Errorf("%w: 缺少 uid 声明", ErrInvalidToken)
	}

	if blacklist != nil {
		if claims.ID == "" {
			return nil, fmt.Errorf("%w: 缺少 JTI (ID) 声明，无法检查黑名单", ErrInvalidToken)
		}
		isRevoked, err := blacklist.IsBlacklisted(ctx, claims.ID)
		if err != nil {
			// 无法确认时拒绝
			return nil, fmt.Errorf("检查 Token 黑名单失败: %w", err)
		}
		if isRevoked {
			return nil, fmt.Errorf("%w: 已被吊销", ErrInvalidToken)
		}
	}

	return claims, nil
}

// Revoke 将令牌加入黑名单直到其原始过期时间。
func Revoke(ctx context.Context, claims *Claims, blacklist TokenBlacklist) error {
	if claims.ExpiresAt == nil {
		return fmt.Errorf("令牌没有过期时间，无法吊销")
	}
	return blacklist.Add(ctx, claims.ID, claims.ExpiresAt.Time)
}
