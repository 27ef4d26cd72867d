package imtypes

import (
	"time"

	"im-sync/internal/models"
)

// ChangeEvent 是写入后发布到变更流 (Kafka) 的一条记录，订阅方据此产生增量快照。
type ChangeEvent struct {
	Kind    models.Kind    `json:"kind"`
	ID      string         `json:"id"`
	ChatID  string         `json:"chatId,omitempty"`
	Members []string       `json:"members,omitempty"`
	Type    ChangeType     `json:"type"`
	Data    map[string]any `json:"data,omitempty"`
	Version int64          `json:"version"`
	WriteID string         `json:"writeId,omitempty"`
	At      time.Time      `json:"at"`
}

// Change 将事件转换为快照中的单个变化。
func (e ChangeEvent) Change() Change {
	return Change{Type: e.Type, ID: e.ID, Data: e.Data, WriteID: e.WriteID}
}
