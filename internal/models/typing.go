package models

// TypingIndicator 表示某个用户正在某会话中输入。
type TypingIndicator struct {
	ChatID    string    `json:"chatId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Timestamp Timestamp `json:"timestamp"`
}
