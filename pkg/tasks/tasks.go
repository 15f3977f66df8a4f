// Package tasks defines the change-feed payload structures delivered over Kafka.
package tasks

import "time"

// Target 表示消息可见的一个受众（群组/频道等）。
type Target struct {
	TargetID    string `json:"target_id"`
	TargetType  string `json:"target_type"`
	DisplayName string `json:"display_name"`
}

// SourceMessage 是变更流投递的源消息记录（只读输入）。
type SourceMessage struct {
	MessageID  string    `json:"message_id"`
	UserID     string    `json:"user_id"`
	Transcript string    `json:"transcript"`
	Targets    []Target  `json:"targets"`
	CreatedAt  time.Time `json:"created_at"`
	SentAt     time.Time `json:"sent_at"`
}

// ChangeBatch 是变更流一次投递的批次。投递语义为至少一次，可能重复。
type ChangeBatch struct {
	BatchID  string          `json:"batch_id"`
	Messages []SourceMessage `json:"messages"`
}

// TargetIDs 返回消息引用的全部受众 ID。
func (m SourceMessage) TargetIDs() []string {
	ids := make([]string, 0, len(m.Targets))
	for _, t := range m.Targets {
		ids = append(ids, t.TargetID)
	}
	return ids
}
