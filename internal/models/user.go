package models

// UserProfile 是用户公开资料，文档 "users/{uid}" 的解码形式。
type UserProfile struct {
	UID         string    `json:"uid"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	Bio         string    `json:"bio,omitempty"`
	IsOnline    bool      `json:"isOnline"`
	LastSeen    Timestamp `json:"lastSeen"`
}
