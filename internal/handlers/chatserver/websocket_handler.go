package chatserver

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"im-sync/internal/config"
	"im-sync/internal/imtypes"
	"im-sync/internal/middleware"
	"im-sync/internal/services"
	"im-sync/internal/session"
	"im-sync/internal/storage"
	ws "im-sync/internal/websocket"
)

// WebSocketHandler 负责处理 WebSocket 连接请求，每个连接运行一个独立的同步会话。
type WebSocketHandler struct {
	hub      *ws.Hub
	source   imtypes.DocumentSource
	messages services.MessageService
	typing   services.TypingService
	files    imtypes.StorageService
	owners   imtypes.FileOwners
	opts     session.Options
	wsCfg    config.WebSocketConfig
	log      zerolog.Logger
}

// NewWebSocketHandler 创建一个新的 WebSocketHandler 实例。
func NewWebSocketHandler(hub *ws.Hub, source imtypes.DocumentSource, messages services.MessageService, typing services.TypingService,
	files imtypes.StorageService, owners imtypes.FileOwners, opts session.Options, wsCfg config.WebSocketConfig, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		source:   source,
		messages: messages,
		typing:   typing,
		files:    files,
		owners:   owners,
		opts:     opts,
		wsCfg:    wsCfg,
		log:      log,
	}
}

// ServeWS 处理传入的 WebSocket 请求。请求必须已经通过 AuthMiddleware 认证
// (浏览器无法在握手时设置头部，令牌通过 ?token= 传递)。
func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "用户未认证"})
		return
	}
	h.log.Info().Str("uid", id.UID).Str("remote", r.RemoteAddr).Msg("用户尝试连接 WebSocket")

	files := storage.OwnedBy(h.files, h.owners, id.UID)
	sess := session.New(id, h.source, h.messages, h.typing, files, h.opts, h.log.With().Str("component", "session").Logger())
	ws.ServeWsPerConnection(h.hub, sess, id.UID, w, r, h.wsCfg, h.log)
}
