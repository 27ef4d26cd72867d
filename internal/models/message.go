package models

import "strings"

// AttachmentType 定义了附件的展示类型。
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentVideo    AttachmentType = "video"
	AttachmentDocument AttachmentType = "document"
)

// ParseAttachmentType 将未知的类型标签归为 document。
func ParseAttachmentType(tag string) AttachmentType {
	switch t := AttachmentType(strings.ToLower(strings.TrimSpace(tag))); t {
	case AttachmentImage, AttachmentAudio, AttachmentVideo, AttachmentDocument:
		return t
	}
	return AttachmentDocument
}

// AttachmentTypeFromMime 根据 MIME 类型推断附件类型。
func AttachmentTypeFromMime(mimeType string) AttachmentType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return AttachmentImage
	case strings.HasPrefix(mimeType, "audio/"):
		return AttachmentAudio
	case strings.HasPrefix(mimeType, "video/"):
		return AttachmentVideo
	}
	return AttachmentDocument
}

// Attachment 是消息中引用的一个已上传文件。
type Attachment struct {
	ID          string         `json:"id"`
	URL         string         `json:"url"`
	DownloadURL string         `json:"downloadUrl,omitempty"`
	Name        string         `json:"name"`
	Type        AttachmentType `json:"type"`
	Size        int64          `json:"size"`
}

// Message 代表会话中的一条消息，是文档 "chats/{chatId}/messages/{id}" 的解码形式。
type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chatId"`
	SenderID    string       `json:"senderId"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   Timestamp    `json:"timestamp"`
	IsEdited    bool         `json:"isEdited"`
	IsPinned    bool         `json:"isPinned"`
	ReadBy      []string     `json:"readBy,omitempty"`
}

// Preview 返回用于会话列表的最后一条消息摘要。
func (m Message) Preview() string {
	if m.Text != "" {
		return m.Text
	}
	if len(m.Attachments) > 0 {
		return "[" + string(m.Attachments[0].Type) + "]"
	}
	return ""
}
