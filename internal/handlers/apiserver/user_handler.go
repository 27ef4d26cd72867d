package apiserver

import (
	"net/http"

	"github.com/gorilla/mux" // 用于从路径参数中提取 userID
	"github.com/rs/zerolog"

	"im-sync/internal/services"
)

// UserHandler 封装了用户资料与在线状态的 HTTP 处理器方法。
type UserHandler struct {
	userService services.UserService
	log         zerolog.Logger
}

// NewUserHandler 创建一个新的 UserHandler 实例。
func NewUserHandler(userService services.UserService, log zerolog.Logger) *UserHandler {
	return &UserHandler{userService: userService, log: log}
}

// PresenceRequest 是更新在线状态的请求体。
type PresenceRequest struct {
	Online bool `json:"online"`
}

// GetMyProfileHandler 处理获取当前登录用户信息的请求。
func (h *UserHandler) GetMyProfileHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}
	h.writeProfile(w, r, id.UID)
}

// GetUserProfileHandler 获取其他用户的公开资料。
func (h *UserHandler) GetUserProfileHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
		return
	}
	h.writeProfile(w, r, mux.Vars(r)["userID"])
}

func (h *UserHandler) writeProfile(w http.ResponseWriter, r *http.Request, uid string) {
	profile, err := h.userService.GetProfile(r.Context(), uid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, profile)
}

// UpdateMyProfileHandler 处理更新当前登录用户信息的请求。未提供的字段保持不变。
func (h *UserHandler) UpdateMyProfileHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req services.ProfileUpdate
	if !decodeJSON(w, r, &req) {
		return
	}
	profile, err := h.userService.UpdateProfile(r.Context(), id.UID, req)
	if err != nil {
		h.log.Warn().Err(err).Str("uid", id.UID).Msg("更新用户资料失败")
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, profile)
}

// PresenceHandler 记录当前用户上线或离线。
func (h *UserHandler) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req PresenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.userService.SetOnline(r.Context(), id.UID, req.Online); err != nil {
		h.log.Error().Err(err).Str("uid", id.UID).Msg("更新在线状态失败")
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
