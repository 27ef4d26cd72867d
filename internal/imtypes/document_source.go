package imtypes

import (
	"context"
	"errors"
	"strings"
	"time"

	"im-sync/internal/models"
)

// ServerTimestamp 是写入补丁中的服务端时间占位符，由文档源在持久化时解析。
const ServerTimestamp = "SERVER_TIMESTAMP"

var (
	// ErrStreamClosed 表示流已关闭或已结束，不会再产生快照。
	ErrStreamClosed = errors.New("stream closed")
	// ErrNotFound 表示请求的文档不存在。
	ErrNotFound = errors.New("document not found")
)

// ChangeType 描述单个文档在快照中的变化类型。
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Selector 选择一个被订阅的集合。
//   - chats:    Member 为当前用户
//   - messages: ChatID 为会话
//   - typing:   ChatID 为会话
//   - users:    IDs 为空时表示全部用户
type Selector struct {
	Kind   models.Kind `json:"kind"`
	ChatID string      `json:"chatId,omitempty"`
	Member string      `json:"member,omitempty"`
	IDs    []string    `json:"ids,omitempty"`
}

// TypingDocID 是 userID 在 chatID 中的输入状态文档 ID。
func TypingDocID(chatID, userID string) string {
	return chatID + "/" + userID
}

// SplitTypingDocID 是 TypingDocID 的逆操作。
func SplitTypingDocID(id string) (chatID, userID string, ok bool) {
	chatID, userID, ok = strings.Cut(id, "/")
	return chatID, userID, ok && chatID != "" && userID != ""
}

// Change 是单个文档的一次变化。Data 为原始记录，Removed 时可为空。
type Change struct {
	Type    ChangeType     `json:"type"`
	ID      string         `json:"id"`
	Data    map[string]any `json:"data,omitempty"`
	WriteID string         `json:"writeId,omitempty"` // 触发此变化的写入 ID，用于乐观更新对账
}

// Snapshot 是订阅集合的一次推送。Full 为 true 时 Changes 是集合的完整内容。
type Snapshot struct {
	Selector Selector  `json:"selector"`
	Full     bool      `json:"full"`
	Changes  []Change  `json:"changes"`
	At       time.Time `json:"at"`
}

// Stream 是一个惰性、可取消的快照序列。
type Stream interface {
	// Next 阻塞直到下一个快照可用、ctx 结束或流关闭 (ErrStreamClosed)。
	Next(ctx context.Context) (Snapshot, error)
	Close() error
}

// DocumentSource 是实时文档集合源。
type DocumentSource interface {
	// Subscribe 打开一个订阅。第一个快照总是 Full。
	Subscribe(ctx context.Context, sel Selector) (Stream, error)
	// Get 读取单个文档的原始记录。不存在时返回 ErrNotFound。
	Get(ctx context.Context, kind models.Kind, id string) (map[string]any, error)
	// List 读取满足选择器的全部文档。
	List(ctx context.Context, sel Selector) ([]Change, error)
	// Write 以合并方式写入补丁；文档不存在时创建。
	Write(ctx context.Context, kind models.Kind, id string, patch map[string]any) error
	// Delete 删除文档。
	Delete(ctx context.Context, kind models.Kind, id string) error
}

type writeIDKey struct{}

// WithWriteID 将写入 ID 附加到 ctx，文档源会把它回显到对应的 Change.WriteID。
func WithWriteID(ctx context.Context, writeID string) context.Context {
	return context.WithValue(ctx, writeIDKey{}, writeID)
}

// WriteIDFromContext 取出 WithWriteID 附加的写入 ID。
func WriteIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(writeIDKey{}).(string)
	return id
}

// Increment 作为补丁值时，将字段的数值加上 n。
type Increment int64

// ArrayUnion 作为补丁值时，将缺少的元素追加到字段数组。
type ArrayUnion []string

// ArrayRemove 作为补丁值时，从字段数组中移除元素。
type ArrayRemove []string
