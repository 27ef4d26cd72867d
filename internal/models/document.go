package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// Kind 标识文档所属的集合。
type Kind string

const (
	KindChat    Kind = "chats"
	KindMessage Kind = "messages"
	KindTyping  Kind = "typing"
	KindUser    Kind = "users"
)

// Document 是实时文档源背后的持久化行。
// 同一 Kind 内 ID 唯一；消息与输入状态通过 ChatID 归属到会话，会话通过 Members 归属到用户。
type Document struct {
	Kind      Kind              `gorm:"primaryKey;type:varchar(20)" json:"kind"`
	ID        string            `gorm:"primaryKey;type:varchar(128)" json:"id"`
	ChatID    string            `gorm:"index;type:varchar(128)" json:"chatId,omitempty"`
	Members   pq.StringArray    `gorm:"type:text[]" json:"members,omitempty"`
	Data      datatypes.JSONMap `gorm:"type:jsonb" json:"data"`
	Version   int64             `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// TableName 指定 Document 模型的表名。
func (Document) TableName() string {
	return "documents"
}
