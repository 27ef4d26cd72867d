package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Timestamp 是一个已解析的时间点，或尚未由服务端填充的占位时间 (Pending)。
type Timestamp struct {
	Time    time.Time
	Pending bool
}

// At 返回一个已解析的时间戳。
func At(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// PendingTimestamp 返回服务端时间占位符。
func PendingTimestamp() Timestamp {
	return Timestamp{Pending: true}
}

// IsZero 报告时间戳是否既未解析也非占位。
func (t Timestamp) IsZero() bool {
	return !t.Pending && t.Time.IsZero()
}

// Compare 比较两个时间戳。任何 Pending 值都大于任何已解析值，两个 Pending 值相等。
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Pending && o.Pending:
		return 0
	case t.Pending:
		return 1
	case o.Pending:
		return -1
	}
	return t.Time.Compare(o.Time)
}

// Before 报告 t 是否严格早于 o。
func (t Timestamp) Before(o Timestamp) bool {
	return t.Compare(o) < 0
}

// MarshalJSON 将 Pending 编码为 null。
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.Pending {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*t = PendingTimestamp()
		return nil
	}
	var tm time.Time
	if err := json.Unmarshal(data, &tm); err != nil {
		return err
	}
	*t = At(tm)
	return nil
}
