package apiserver

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"im-sync/internal/services"
)

// MessageHandler 封装了消息写操作与输入状态的 HTTP 处理器方法。
type MessageHandler struct {
	messages services.MessageService
	typing   services.TypingService
	log      zerolog.Logger
}

// NewMessageHandler 创建一个新的 MessageHandler 实例。
func NewMessageHandler(messages services.MessageService, typing services.TypingService, log zerolog.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, typing: typing, log: log}
}

// EditMessageRequest 是编辑消息的请求体。
type EditMessageRequest struct {
	Text string `json:"text"`
}

// RejectedResponse 在写入失败时返回原始草稿，供客户端重试。
type RejectedResponse struct {
	Error string         `json:"error"`
	Draft services.Draft `json:"draft"`
}

// writeRejected 写入消息操作失败；SendRejectedError 附带草稿。
func (h *MessageHandler) writeRejected(w http.ResponseWriter, err error) {
	status := statusFor(err)
	var rejected *services.SendRejectedError
	if !errors.As(err, &rejected) {
		writeServiceError(w, err)
		return
	}
	h.log.Warn().Err(err).Str("op", rejected.Op).Str("chat_id", rejected.ChatID).Msg("消息操作被拒绝")
	msg := rejected.Err.Error()
	if status == http.StatusInternalServerError {
		msg = "写入失败，请重试"
	}
	writeJSONResponse(w, status, RejectedResponse{Error: msg, Draft: rejected.Draft})
}

// SendMessageHandler 在会话中发送一条消息。
func (h *MessageHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}
	var draft services.Draft
	if !decodeJSON(w, r, &draft) {
		return
	}
	msg, err := h.messages.Send(r.Context(), id.UID, mux.Vars(r)["chatID"], draft)
	if err != nil {
		h.writeRejected(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, msg)
}

// EditMessageHandler 修改自己发送的消息。
func (h *MessageHandler) EditMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req EditMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	if err := h.messages.Edit(r.Context(), id.UID, vars["chatID"], vars["messageID"], req.Text); err != nil {
		h.writeRejected(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteMessageHandler 删除自己发送的消息。
func (h *MessageHandler) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	if err := h.messages.Delete(r.Context(), id.UID, vars["chatID"], vars["messageID"]); err != nil {
		h.writeRejected(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TogglePinHandler 切换消息的置顶状态。
func (h *MessageHandler) TogglePinHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	pinned, err := h.messages.TogglePin(r.Context(), id.UID, vars["chatID"], vars["messageID"])
	if err != nil {
		h.writeRejected(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"isPinned": pinned})
}

// MarkReadHandler 将会话中的消息标记为已读。
func (h *MessageHandler) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}
	n, err := h.messages.MarkRead(r.Context(), id.UID, mux.Vars(r)["chatID"])
	if err != nil {
		h.log.Error().Err(err).Str("uid", id.UID).Msg("标记已读失败")
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int{"marked": n})
}

// SetTypingHandler 记录当前用户正在输入。
func (h *MessageHandler) SetTypingHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.typing.SetTyping(r.Context(), id.UID, id.DisplayName, mux.Vars(r)["chatID"]); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearTypingHandler 清除当前用户的输入状态。
func (h *MessageHandler) ClearTypingHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.typing.ClearTyping(r.Context(), id.UID, mux.Vars(r)["chatID"]); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
