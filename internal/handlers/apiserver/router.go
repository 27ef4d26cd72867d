package apiserver

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// Handlers 汇总 API 服务器的全部处理器。
type Handlers struct {
	Auth     *AuthHandler
	Chats    *ChatHandler
	Messages *MessageHandler
	Users    *UserHandler
	Uploads  *UploadHandler
}

// NewRouter 注册 API 路由。/api/v1 下的路由经过 authMW；filesURL 下的文件公开访问。
func NewRouter(h Handlers, authMW mux.MiddlewareFunc, filesURL string) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(authMW)

	api.HandleFunc("/auth/refresh", h.Auth.RefreshHandler).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", h.Auth.LogoutHandler).Methods(http.MethodPost)

	// 用户路由
	api.HandleFunc("/users/me", h.Users.GetMyProfileHandler).Methods(http.MethodGet)
	api.HandleFunc("/users/me", h.Users.UpdateMyProfileHandler).Methods(http.MethodPut)
	api.HandleFunc("/users/me/presence", h.Users.PresenceHandler).Methods(http.MethodPut)
	api.HandleFunc("/users/{userID}", h.Users.GetUserProfileHandler).Methods(http.MethodGet)

	// 会话路由
	api.HandleFunc("/chats", h.Chats.ListChatsHandler).Methods(http.MethodGet)
	api.HandleFunc("/chats/direct", h.Chats.DirectChatHandler).Methods(http.MethodPost)
	api.HandleFunc("/chats/group", h.Chats.CreateGroupHandler).Methods(http.MethodPost)
	api.HandleFunc("/chats/{chatID}", h.Chats.GetChatHandler).Methods(http.MethodGet)
	api.HandleFunc("/chats/{chatID}/title", h.Chats.RenameChatHandler).Methods(http.MethodPut)
	api.HandleFunc("/chats/{chatID}/folder", h.Chats.MoveToFolderHandler).Methods(http.MethodPut)
	api.HandleFunc("/chats/{chatID}/members/me", h.Chats.LeaveGroupHandler).Methods(http.MethodDelete)

	// 消息路由
	api.HandleFunc("/chats/{chatID}/messages", h.Messages.SendMessageHandler).Methods(http.MethodPost)
	api.HandleFunc("/chats/{chatID}/messages/{messageID}", h.Messages.EditMessageHandler).Methods(http.MethodPut)
	api.HandleFunc("/chats/{chatID}/messages/{messageID}", h.Messages.DeleteMessageHandler).Methods(http.MethodDelete)
	api.HandleFunc("/chats/{chatID}/messages/{messageID}/pin", h.Messages.TogglePinHandler).Methods(http.MethodPost)
	api.HandleFunc("/chats/{chatID}/read", h.Messages.MarkReadHandler).Methods(http.MethodPost)
	api.HandleFunc("/chats/{chatID}/typing", h.Messages.SetTypingHandler).Methods(http.MethodPut)
	api.HandleFunc("/chats/{chatID}/typing", h.Messages.ClearTypingHandler).Methods(http.MethodDelete)

	// 文件上传路由
	api.HandleFunc("/uploads", h.Uploads.UploadFileHandler).Methods(http.MethodPost)
	api.HandleFunc("/uploads/{fileID}", h.Uploads.DeleteFileHandler).Methods(http.MethodDelete)

	// 静态文件服务路由 - 用于访问上传的文件
	files := strings.TrimSuffix(filesURL, "/")
	if files == "" {
		files = "/uploads"
	}
	r.HandleFunc(files+"/{fileID}", h.Uploads.ServeFileHandler).Methods(http.MethodGet, http.MethodHead)

	return r
}
