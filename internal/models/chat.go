package models

import (
	"slices"
	"strings"
)

// Chat 代表一个会话（一对一或群组），是文档 "chats/{id}" 的解码形式。
type Chat struct {
	ID                string         `json:"id"`
	Members           []string       `json:"members"`
	IsGroup           bool           `json:"isGroup"`
	Title             string         `json:"title,omitempty"`
	Folder            string         `json:"folder,omitempty"`
	CreatedBy         string         `json:"createdBy,omitempty"`
	LastMessageTime   Timestamp      `json:"lastMessageTime"`
	LastMessage       string         `json:"lastMessage,omitempty"`
	LastMessageSender string         `json:"lastMessageSender,omitempty"`
	Unread            map[string]int `json:"unreadCount,omitempty"`
}

// HasMember 报告 uid 是否为会话成员。
func (c Chat) HasMember(uid string) bool {
	return slices.Contains(c.Members, uid)
}

// DirectKey 返回一对一会话的规范成员键：成员 ID 排序后以逗号连接。
// 群组会话返回空字符串。
func (c Chat) DirectKey() string {
	if c.IsGroup {
		return ""
	}
	return MembersKey(c.Members)
}

// MembersKey 返回与顺序无关的成员集合键。
func MembersKey(members []string) string {
	sorted := slices.Clone(members)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return strings.Join(sorted, ",")
}
