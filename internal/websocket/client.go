package websocket

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"im-sync/internal/config"
	"im-sync/internal/imtypes"
	"im-sync/internal/services"
	"im-sync/internal/session"
	"im-sync/internal/upload"
)

// ErrMissingPayload is returned for frames that need a payload but carry none.
var ErrMissingPayload = errors.New("缺少 payload")

// Session is the per-connection view-model driver the client forwards
// frames to. *session.Session implements it.
type Session interface {
	Run(ctx context.Context) error
	Updates() <-chan session.Update
	Done() <-chan struct{}
	Mount(chatID string) error
	Unmount() error
	SetFolder(folder string) error
	Typing(active bool) error
	Send(draft services.Draft) error
	Attach(f upload.File) error
	RetryUpload(id string) error
	RemoveUpload(id string) error
}

// Client is a middleman between the websocket connection and the session.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of frames produced by the read side (acks, errors).
	send chan []byte

	// Authenticated User ID for this client.
	UserID string `json:"userId"`

	session Session
	log     zerolog.Logger
}

// readPump decodes frames from the websocket connection into session commands.
func (c *Client) readPump(wsCfg config.WebSocketConfig) {
	pongWait := time.Duration(wsCfg.PongWaitSeconds) * time.Second
	c.conn.SetReadLimit(int64(wsCfg.MaxMessageSizeBytes))
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("WebSocket 错误")
			} else {
				c.log.Debug().Err(err).Msg("WebSocket 读取结束")
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.log.Warn().Int("message_type", messageType).Msg("客户端发送了非文本消息类型")
			continue
		}

		var frame imtypes.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Warn().Err(err).Msg("无法反序列化客户端帧")
			c.reply(imtypes.ErrorFrameType, "", imtypes.ErrorPayload{Error: "无效的 JSON 帧"})
			continue
		}
		if err := c.dispatch(frame); err != nil {
			if errors.Is(err, session.ErrClosed) {
				return
			}
			c.log.Warn().Err(err).Str("frame", string(frame.Type)).Msg("处理客户端帧失败")
			c.reply(imtypes.ErrorFrameType, frame.Ref, imtypes.ErrorPayload{Error: err.Error()})
			continue
		}
		if frame.Ref != "" {
			c.reply(imtypes.AckFrameType, frame.Ref, nil)
		}
	}
}

// dispatch hands one client frame to the session.
func (c *Client) dispatch(f imtypes.Frame) error {
	switch f.Type {
	case imtypes.MountFrameType:
		var p imtypes.MountPayload
		if err := decodePayload(f, &p); err != nil {
			return err
		}
		return c.session.Mount(p.ChatID)

	case imtypes.UnmountFrameType:
		return c.session.Unmount()

	case imtypes.TypingFrameType:
		var p imtypes.TypingPayload
		if err := decodePayload(f, &p); err != nil {
			return err
		}
		return c.session.Typing(p.Typing)

	case imtypes.SendFrameType:
		var p imtypes.SendPayload
		if err := decodePayload(f, &p); err != nil {
			return err
		}
		return c.session.Send(services.Draft{ID: p.ID, Text: p.Text, Attachments: p.Attachments})

	case imtypes.FolderFrameType:
		var p imtypes.FolderPayload
		if err := decodePayload(f, &p); err != nil {
			return err
		}
		return c.session.SetFolder(p.Folder)

	case imtypes.AttachFrameType:
		var p imtypes.AttachPayload
		if err := decodePayload(f, &p); err != nil {
			return err
		}
		file, err := attachedFile(p)
		if err != nil {
			return err
		}
		return c.session.Attach(file)

	case imtypes.RetryFrameType, imtypes.RemoveFrameType:
		var p imtypes.UploadRefPayload
		if err := decodePayload(f, &p); err != nil {
			return err
		}
		if f.Type == imtypes.RetryFrameType {
			return c.session.RetryUpload(p.ID)
		}
		return c.session.RemoveUpload(p.ID)
	}
	return fmt.Errorf("未知的帧类型 %q", f.Type)
}

func decodePayload(f imtypes.Frame, v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s: %w", f.Type, ErrMissingPayload)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%s: 无效的 payload: %w", f.Type, err)
	}
	return nil
}

// attachedFile 解码 attach 帧中 Base64 编码的文件内容。
func attachedFile(p imtypes.AttachPayload) (upload.File, error) {
	if p.Name == "" {
		return upload.File{}, fmt.Errorf("attach: 缺少文件名")
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return upload.File{}, fmt.Errorf("attach: 无法解码 Base64 内容: %w", err)
	}
	mimeType := p.MimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(p.Name))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return upload.File{
		Name:     p.Name,
		MimeType: mimeType,
		Size:     int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}, nil
}

func (c *Client) reply(typ imtypes.FrameType, ref string, payload any) {
	frame := imtypes.Frame{Type: typ, Ref: ref}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			c.log.Error().Err(err).Msg("无法序列化回复")
			return
		}
		frame.Payload = raw
	}
	b, err := json.Marshal(frame)
	if err != nil {
		c.log.Error().Err(err).Msg("无法序列化回复")
		return
	}
	select {
	case c.send <- b:
	default:
		c.log.Warn().Str("frame", string(typ)).Msg("发送通道已满，丢弃回复")
	}
}

// EncodeUpdate renders a session update as a server frame.
func EncodeUpdate(u session.Update) ([]byte, error) {
	var typ imtypes.FrameType
	var payload any
	switch u.Kind {
	case session.UpdateChatList:
		typ, payload = imtypes.ChatListFrameType, u.ChatList
	case session.UpdateChatView:
		typ, payload = imtypes.ChatViewFrameType, u.ChatView
	case session.UpdateError:
		typ, payload = imtypes.ErrorFrameType, u.Error
	default:
		return nil, fmt.Errorf("未知的更新类型 %q", u.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(imtypes.Frame{Type: typ, Payload: raw})
}

// writePump pumps session updates and replies to the websocket connection.
func (c *Client) writePump(ctx context.Context, wsCfg config.WebSocketConfig) {
	writeWait := time.Duration(wsCfg.WriteWaitSeconds) * time.Second
	ticker := time.NewTicker(time.Duration(wsCfg.PingPeriodSeconds) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		var message []byte
		select {
		case u := <-c.session.Updates():
			b, err := EncodeUpdate(u)
			if err != nil {
				c.log.Error().Err(err).Msg("无法序列化视图更新")
				continue
			}
			message = b
		case message = <-c.send:
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case <-c.session.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ctx.Done():
			return
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket 写入失败")
			return
		}
	}
}

// ServeWsPerConnection upgrades the request and runs sess for the lifetime of
// the connection.
func ServeWsPerConnection(hub *Hub, sess Session, userID string, w http.ResponseWriter, r *http.Request, wsCfg config.WebSocketConfig, log zerolog.Logger) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ServeWsPerConnection - Upgrade失败")
		return
	}
	client := &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 16),
		UserID:  userID,
		session: sess,
		log:     log.With().Str("uid", userID).Logger(),
	}
	if !hub.add(client) {
		conn.Close()
		return
	}

	// 请求上下文在 Upgrade 后不再可用，连接自己管理生命周期
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	go func() {
		if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			client.log.Warn().Err(err).Msg("会话异常结束")
		}
	}()
	go client.writePump(ctx, wsCfg)
	go func() {
		defer func() {
			cancel()
			hub.remove(client)
			conn.Close()
		}()
		client.readPump(wsCfg)
	}()

	client.log.Info().Msg("客户端已连接")
}
