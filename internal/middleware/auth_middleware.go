package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"im-sync/internal/auth"
	"im-sync/internal/config"
)

// contextKey 是用于在 context.Context 中存储值的自定义类型，以避免键冲突。
type contextKey string

// IdentityKey 是用于在上下文中存储当前用户身份的键。
const IdentityKey contextKey = "identity"

// ClaimsKey 是用于在上下文中存储原始声明的键，注销时使用。
const ClaimsKey contextKey = "claims"

// AuthMiddleware 是一个 HTTP 中间件，用于验证 JWT 并将用户身份添加到上下文中。
// 令牌取自 Authorization: Bearer 头部；WebSocket 握手无法设置头部，因此也接受 ?token= 查询参数。
func AuthMiddleware(next http.Handler, authCfg config.AuthConfig, blacklist auth.TokenBlacklist) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			writeJSONError(w, "请求未包含有效的授权令牌", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ValidateToken(r.Context(), tokenString, authCfg, blacklist)
		if err != nil {
			writeJSONError(w, "令牌无效", http.StatusUnauthorized)
			return
		}

		ctx := WithIdentity(r.Context(), claims.Identity())
		ctx = context.WithValue(ctx, ClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		headerParts := strings.Split(authHeader, " ")
		if len(headerParts) != 2 || strings.ToLower(headerParts[0]) != "bearer" || headerParts[1] == "" {
			return "", false
		}
		return headerParts[1], true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

// WithIdentity 将身份存入上下文。
func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// GetIdentityFromContext 从上下文中获取当前用户身份。
func GetIdentityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(auth.Identity)
	return id, ok && id.UID != ""
}

// GetClaimsFromContext 从上下文中获取令牌声明。
func GetClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*auth.Claims)
	return claims, ok
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
