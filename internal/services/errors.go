package services

import (
	"errors"
	"fmt"

	"im-sync/internal/models"
)

var (
	// ErrSendRejected 匹配所有 *SendRejectedError。
	ErrSendRejected  = errors.New("send rejected")
	ErrNotMember     = errors.New("不是会话成员")
	ErrForbidden     = errors.New("无权操作")
	ErrEmptyMessage  = errors.New("消息内容不能为空")
	ErrInvalidChat   = errors.New("无效的会话")
	ErrInvalidInput  = errors.New("无效的输入")
	ErrMessageExists = errors.New("消息 ID 已被占用") // 发送时指定的 ID 已属于其他消息
)

// Draft 是用户编写的消息内容。写入失败时原样返回，供重试。
type Draft struct {
	ID          string              `json:"id,omitempty"`
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// SendRejectedError 表示一次用户发起的消息写入 (发送、编辑、删除、置顶) 失败。
type SendRejectedError struct {
	Op     string
	ChatID string
	Draft  Draft
	Err    error
}

func (e *SendRejectedError) Error() string {
	return fmt.Sprintf("%s 失败 (会话 %s): %v", e.Op, e.ChatID, e.Err)
}

func (e *SendRejectedError) Unwrap() error { return e.Err }

func (e *SendRejectedError) Is(target error) bool { return target == ErrSendRejected }

func reject(op, chatID string, draft Draft, err error) error {
	return &SendRejectedError{Op: op, ChatID: chatID, Draft: draft, Err: err}
}
