package apiserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"im-sync/internal/services"
)

// ChatHandler 封装了会话相关的 HTTP 处理器方法。
type ChatHandler struct {
	chats services.ChatService
	log   zerolog.Logger
}

// NewChatHandler 创建一个新的 ChatHandler 实例。
func NewChatHandler(chats services.ChatService, log zerolog.Logger) *ChatHandler {
	return &ChatHandler{chats: chats, log: log}
}

// DirectChatRequest 是创建或获取单聊的请求体。
type DirectChatRequest struct {
	UserID string `json:"userId"`
}

// GroupChatRequest 是创建群聊的请求体。
type GroupChatRequest struct {
	Title   string   `json:"title"`
	Members []string `json:"members"`
}

// RenameChatRequest 是修改群聊标题的请求体。
type RenameChatRequest struct {
	Title string `json:"title"`
}

// FolderRequest 是移动会话到文件夹的请求体，空字符串表示移出文件夹。
type FolderRequest struct {
	Folder string `json:"folder"`
}

// ListChatsHandler 获取当前用户的所有会话列表。
func (h *ChatHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}
	chats, err := h.chats.ListForUser(r.Context(), id.UID)
	if err != nil {
		h.log.Error().Err(err).Str("uid", id.UID).Msg("获取会话列表失败")
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, chats)
}

// GetChatHandler 获取当前用户所在的一个会话。
func (h *ChatHandler) GetChatHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}
	chat, err := h.chats.Get(r.Context(), id.UID, mux.Vars(r)["chatID"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, chat)
}

// DirectChatHandler 返回与目标用户的单聊，不存在时创建。
func (h *ChatHandler) DirectChatHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req DirectChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chat, created, err := h.chats.GetOrCreateDirect(r.Context(), id.UID, req.UserID)
	if err != nil {
		h.log.Warn().Err(err).Str("uid", id.UID).Str("peer", req.UserID).Msg("获取或创建单聊失败")
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, chat)
}

// CreateGroupHandler 创建群聊，创建者自动成为成员。
func (h *ChatHandler) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req GroupChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chat, err := h.chats.CreateGroup(r.Context(), id.UID, req.Title, req.Members)
	if err != nil {
		h.log.Warn().Err(err).Str("uid", id.UID).Msg("创建群聊失败")
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, chat)
}

// RenameChatHandler 修改群聊标题。
func (h *ChatHandler) RenameChatHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req RenameChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.chats.Rename(r.Context(), id.UID, mux.Vars(r)["chatID"], req.Title); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MoveToFolderHandler 将会话移入文件夹。
func (h *ChatHandler) MoveToFolderHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req FolderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.chats.MoveToFolder(r.Context(), id.UID, mux.Vars(r)["chatID"], req.Folder); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LeaveGroupHandler 让当前用户退出群聊。
func (h *ChatHandler) LeaveGroupHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}
	chatID := mux.Vars(r)["chatID"]
	if err := h.chats.LeaveGroup(r.Context(), id.UID, chatID); err != nil {
		h.log.Warn().Err(err).Str("uid", id.UID).Str("chat_id", chatID).Msg("退出群聊失败")
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
