package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"im-sync/internal/auth"
	"im-sync/internal/imtypes"
	"im-sync/internal/middleware"
	"im-sync/internal/services"
)

// AuthHandler 封装了令牌相关的 HTTP 处理器方法。
// 登录由身份提供方负责，这里只处理续期与登出。
type AuthHandler struct {
	authService services.AuthService
	log         zerolog.Logger
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(authService services.AuthService, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, log: log}
}

// TokenResponse 是签发令牌后返回的结构体。
type TokenResponse struct {
	Token string `json:"token"`
}

// ErrorResponse 是 API 错误响应的通用结构体。
type ErrorResponse struct {
	Error string `json:"error"`
}

// RefreshHandler 为当前身份签发一个新令牌。
func (h *AuthHandler) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	token, err := h.authService.IssueToken(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("uid", id.UID).Msg("签发令牌失败")
		writeJSONError(w, "签发令牌失败", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, TokenResponse{Token: token})
}

// LogoutHandler 处理用户登出请求，将当前 Token 加入黑名单。
func (h *AuthHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证或无法解析用户声明", http.StatusUnauthorized)
		return
	}
	if err := h.authService.Logout(r.Context(), claims); err != nil {
		h.log.Error().Err(err).Str("uid", claims.UID).Msg("登出失败")
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "成功登出"})
}

// currentUser 返回中间件放入的身份，缺失时写入 401。
func currentUser(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
	}
	return id, ok
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor 将服务层错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, imtypes.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrNotMember), errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrEmptyMessage), errors.Is(err, services.ErrInvalidChat),
		errors.Is(err, services.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrMessageExists):
		return http.StatusConflict
	case errors.Is(err, services.ErrRevocationUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeServiceError 写入服务层错误。5xx 不暴露内部细节。
func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		msg = "服务器内部错误"
	}
	writeJSONError(w, msg, status)
}

// writeJSONResponse 是一个辅助函数，用于写入 JSON 响应。
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		// 头部已发送，编码失败时无法再报告错误
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeJSONError 是一个辅助函数，用于写入 JSON 错误响应。
func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSONResponse(w, statusCode, ErrorResponse{Error: message})
}
