package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"comms-rag-go/internal/model"
	"comms-rag-go/pkg/log"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// 会话缓存的键格式与有效期。缓存按会话 ID 组织，任何写操作都会使其失效，
// 以保证多实例部署下读到的始终是持久化状态。
const (
	sessionCacheKeyFormat = "session:%s"
	sessionCacheTTL       = 7 * 24 * time.Hour
)

// SessionRepository 定义了会话存储的操作接口：
// MySQL 为持久层，Redis 作为按会话 ID 的只读缓存。
type SessionRepository interface {
	// GetByID 按 ID 加载会话（含消息，按时间升序），不存在时返回 (nil, nil)。
	GetByID(ctx context.Context, sessionID string) (*model.ChatSession, error)
	// Upsert 插入或更新会话本体（不含消息）。
	Upsert(ctx context.Context, session *model.ChatSession) error
	// ListByUser 列出某用户的全部会话（不含消息）。
	ListByUser(ctx context.Context, userID string) ([]model.ChatSession, error)
	// AppendMessages 在单个事务内追加消息并累加 token 用量。
	AppendMessages(ctx context.Context, sessionID string, messages []model.SessionMessage, tokensDelta int64) error
	// ClearMessages 批量清空会话消息并将 token 用量归零。
	ClearMessages(ctx context.Context, sessionID string) error
}

type sessionRepository struct {
	db          *gorm.DB
	redisClient *redis.Client
}

// NewSessionRepository 创建一个新的 SessionRepository 实例。
func NewSessionRepository(db *gorm.DB, redisClient *redis.Client) SessionRepository {
	return &sessionRepository{db: db, redisClient: redisClient}
}

func (r *sessionRepository) GetByID(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	// 优先读缓存
	cacheKey := fmt.Sprintf(sessionCacheKeyFormat, sessionID)
	if jsonData, err := r.redisClient.Get(ctx, cacheKey).Result(); err == nil {
		var cached model.ChatSession
		if err := json.Unmarshal([]byte(jsonData), &cached); err == nil {
			return &cached, nil
		}
		// 缓存内容损坏时删除后回源
		_ = r.redisClient.Del(ctx, cacheKey).Err()
	}

	var session model.ChatSession
	err := r.db.WithContext(ctx).
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("chat_session_messages.created_at ASC, chat_session_messages.id ASC")
		}).
		Where("id = ?", sessionID).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.fillCache(ctx, &session)
	return &session, nil
}

func (r *sessionRepository) Upsert(ctx context.Context, session *model.ChatSession) error {
	if err := r.db.WithContext(ctx).Save(session).Error; err != nil {
		return err
	}
	r.invalidate(ctx, session.ID)
	return nil
}

func (r *sessionRepository) ListByUser(ctx context.Context, userID string) ([]model.ChatSession, error) {
	var sessions []model.ChatSession
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&sessions).Error
	return sessions, err
}

func (r *sessionRepository) AppendMessages(ctx context.Context, sessionID string, messages []model.SessionMessage, tokensDelta int64) error {
	if len(messages) == 0 {
		return nil
	}
	for i := range messages {
		messages[i].SessionID = sessionID
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&messages).Error; err != nil {
			return err
		}
		return tx.Model(&model.ChatSession{}).
			Where("id = ?", sessionID).
			UpdateColumn("tokens_used", gorm.Expr("tokens_used + ?", tokensDelta)).Error
	})
	if err != nil {
		return err
	}
	r.invalidate(ctx, sessionID)
	return nil
}

func (r *sessionRepository) ClearMessages(ctx context.Context, sessionID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&model.SessionMessage{}).Error; err != nil {
			return err
		}
		return tx.Model(&model.ChatSession{}).
			Where("id = ?", sessionID).
			UpdateColumn("tokens_used", 0).Error
	})
	if err != nil {
		return err
	}
	r.invalidate(ctx, sessionID)
	return nil
}

func (r *sessionRepository) fillCache(ctx context.Context, session *model.ChatSession) {
	jsonData, err := json.Marshal(session)
	if err != nil {
		return
	}
	key := fmt.Sprintf(sessionCacheKeyFormat, session.ID)
	if err := r.redisClient.Set(ctx, key, jsonData, sessionCacheTTL).Err(); err != nil {
		log.Warnf("[SessionRepository] 写入会话缓存失败, session=%s: %v", session.ID, err)
	}
}

func (r *sessionRepository) invalidate(ctx context.Context, sessionID string) {
	key := fmt.Sprintf(sessionCacheKeyFormat, sessionID)
	if err := r.redisClient.Del(ctx, key).Err(); err != nil {
		log.Warnf("[SessionRepository] 失效会话缓存失败, session=%s: %v", sessionID, err)
	}
}
