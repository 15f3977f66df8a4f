package model

import "time"

// ChatSession 对应 chat_sessions 表：一次受众范围内的多轮问答会话。
// 消息列表只追加（显式清空除外），token 用量单调不减（清空时归零）。
type ChatSession struct {
	ID           string           `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID       string           `gorm:"type:varchar(64);index;not null" json:"userId"`
	TargetID     string           `gorm:"type:varchar(64);not null" json:"targetId"`
	SystemPrompt string           `gorm:"type:text" json:"systemPrompt"`
	Temperature  float64          `gorm:"not null;default:0" json:"temperature"`
	TokensUsed   int64            `gorm:"not null;default:0" json:"tokensUsed"`
	Messages     []SessionMessage `gorm:"foreignKey:SessionID;references:ID" json:"messages,omitempty"`
	CreatedAt    time.Time        `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time        `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (ChatSession) TableName() string {
	return "chat_sessions"
}

// SessionMessage 对应 chat_session_messages 表的单条会话消息。
type SessionMessage struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"type:varchar(64);index;not null" json:"sessionId"`
	Role       string    `gorm:"type:varchar(16);not null" json:"role"` // "user" 或 "assistant"
	TokenCount int       `gorm:"not null;default:0" json:"tokenCount"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (SessionMessage) TableName() string {
	return "chat_session_messages"
}

// ChatAnswer 是检索问答返回给调用方的结果。
type ChatAnswer struct {
	SessionID        string `json:"sessionId"`
	Answer           string `json:"answer"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	ContextHits      int    `json:"contextHits"`
}
