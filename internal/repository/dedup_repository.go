// Package repository 提供了数据访问层的实现。
package repository

import (
	"errors"

	"comms-rag-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DedupRepository 定义了对 message_dedup_records 表的数据操作接口。
type DedupRepository interface {
	// FindByFingerprint 按指纹查找去重记录，不存在时返回 (nil, nil)。
	FindByFingerprint(fingerprint string) (*model.MessageDedupRecord, error)
	// Upsert 以指纹为键原子地插入或整体替换去重记录。
	Upsert(record *model.MessageDedupRecord) error
}

type dedupRepository struct {
	db *gorm.DB
}

// NewDedupRepository 创建一个新的 DedupRepository 实例。
func NewDedupRepository(db *gorm.DB) DedupRepository {
	return &dedupRepository{db: db}
}

func (r *dedupRepository) FindByFingerprint(fingerprint string) (*model.MessageDedupRecord, error) {
	var record model.MessageDedupRecord
	err := r.db.Where("fingerprint = ?", fingerprint).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert 走单条 INSERT ... ON DUPLICATE KEY UPDATE，保证替换或插入的原子性。
func (r *dedupRepository) Upsert(record *model.MessageDedupRecord) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		UpdateAll: true,
	}).Create(record).Error
}
