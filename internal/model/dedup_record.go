// Package model 定义了与数据库表及向量集合文档对应的 Go 结构体。
package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// TargetMapping 记录一条「消息 ID → 该消息命中的受众 ID 集合」映射。
type TargetMapping struct {
	MessageID string   `json:"messageId"`
	TargetIDs []string `json:"targetIds"`
}

// TargetMappings 以 JSON 列的形式持久化在 MySQL 中。
type TargetMappings []TargetMapping

// Value 实现 driver.Valuer，把映射列表序列化为 JSON。
func (m TargetMappings) Value() (driver.Value, error) {
	if m == nil {
		return "[]", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner，把 JSON 列反序列化为映射列表。
func (m *TargetMappings) Scan(value interface{}) error {
	if value == nil {
		*m = TargetMappings{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("unsupported type for TargetMappings")
	}
}

// MessageDedupRecord 对应 message_dedup_records 表，以转写指纹为主键。
// 首次出现某指纹时创建；之后同内容不同消息只追加映射，不再生成向量。
// 正常运行中永不删除。
type MessageDedupRecord struct {
	Fingerprint             string         `gorm:"primaryKey;type:varchar(64);column:fingerprint"`
	RepresentativeMessageID string         `gorm:"type:varchar(64);not null;column:representative_message_id"`
	TargetMappings          TargetMappings `gorm:"type:json;column:target_mappings"`
	CreatedAt               time.Time      `gorm:"autoCreateTime"`
	UpdatedAt               time.Time      `gorm:"autoUpdateTime"`
}

func (MessageDedupRecord) TableName() string {
	return "message_dedup_records"
}

// HasMessage 判断某条消息 ID 是否已出现在任一映射条目中。
func (r *MessageDedupRecord) HasMessage(messageID string) bool {
	for _, m := range r.TargetMappings {
		if m.MessageID == messageID {
			return true
		}
	}
	return false
}
