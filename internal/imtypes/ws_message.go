package imtypes

import (
	"encoding/json"

	"im-sync/internal/models"
)

// FrameType defines the type of a WebSocket frame.
type FrameType string

const (
	// client -> server
	MountFrameType   FrameType = "mount"         // payload: MountPayload
	UnmountFrameType FrameType = "unmount"       // no payload
	TypingFrameType  FrameType = "typing"        // payload: TypingPayload
	SendFrameType    FrameType = "send"          // payload: SendPayload
	FolderFrameType  FrameType = "folder"        // payload: FolderPayload
	AttachFrameType  FrameType = "attach"        // payload: AttachPayload
	RetryFrameType   FrameType = "retry_upload"  // payload: UploadRefPayload
	RemoveFrameType  FrameType = "remove_upload" // payload: UploadRefPayload

	// server -> client
	ChatListFrameType FrameType = "chat_list"
	ChatViewFrameType FrameType = "chat_view"
	AckFrameType      FrameType = "ack"
	ErrorFrameType    FrameType = "error"
)

// Frame defines the envelope exchanged over WebSocket.
type Frame struct {
	Type    FrameType       `json:"type"`
	Ref     string          `json:"ref,omitempty"` // client supplied correlation id, echoed in ack/error
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MountPayload selects the chat the client is viewing.
type MountPayload struct {
	ChatID string `json:"chatId"`
}

// TypingPayload toggles the caller's typing indicator in the mounted chat.
type TypingPayload struct {
	Typing bool `json:"typing"`
}

// SendPayload composes a message in the mounted chat. Succeeded uploads of the
// session are attached automatically; Attachments carries files already
// uploaded through the REST endpoint.
type SendPayload struct {
	ID          string              `json:"id,omitempty"` // 客户端生成的消息 id，可选
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// AttachPayload selects a file for the next message. Data is base64 encoded.
type AttachPayload struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// UploadRefPayload names one pending upload.
type UploadRefPayload struct {
	ID string `json:"id"`
}

// FolderPayload filters the chat list to one folder; empty means all.
type FolderPayload struct {
	Folder string `json:"folder"`
}

// ErrorPayload carries a user-visible failure of a frame that has no session
// level error update, e.g. a malformed payload.
type ErrorPayload struct {
	Error string `json:"error"`
}
