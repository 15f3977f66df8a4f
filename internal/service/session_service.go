// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"

	"comms-rag-go/internal/config"
	"comms-rag-go/internal/model"
	"comms-rag-go/internal/repository"
	"comms-rag-go/pkg/log"
	"comms-rag-go/pkg/token"
)

// ErrSessionNotFound 表示请求的会话不存在。
var ErrSessionNotFound = errors.New("session: not found")

// SessionService 定义了会话管理的操作接口。
type SessionService interface {
	// Create 为用户在指定受众范围下创建一个新会话。
	Create(ctx context.Context, userID, targetID, systemPrompt string, temperature float64) (*model.ChatSession, error)
	// Get 按 ID 加载会话（含消息）。
	Get(ctx context.Context, sessionID string) (*model.ChatSession, error)
	// List 列出某用户的全部会话。
	List(ctx context.Context, userID string) ([]model.ChatSession, error)
	// ClearMessages 清空会话的全部消息并将 token 用量归零。
	ClearMessages(ctx context.Context, sessionID string) error
}

type sessionService struct {
	sessionRepo repository.SessionRepository
	chatCfg     config.ChatConfig
}

// NewSessionService 创建一个新的 SessionService 实例。
func NewSessionService(sessionRepo repository.SessionRepository, chatCfg config.ChatConfig) SessionService {
	return &sessionService{sessionRepo: sessionRepo, chatCfg: chatCfg}
}

// newSessionID 生成 32 位十六进制的会话 ID。
func newSessionID() string {
	return token.GenerateRandomString(16)
}

func (s *sessionService) Create(ctx context.Context, userID, targetID, systemPrompt string, temperature float64) (*model.ChatSession, error) {
	if targetID == "" {
		return nil, ErrMissingAudience
	}
	if systemPrompt == "" {
		systemPrompt = s.chatCfg.DefaultSystemPrompt
	}
	if temperature == 0 {
		temperature = s.chatCfg.DefaultTemperature
	}

	session := &model.ChatSession{
		ID:           newSessionID(),
		UserID:       userID,
		TargetID:     targetID,
		SystemPrompt: systemPrompt,
		Temperature:  temperature,
	}
	if err := s.sessionRepo.Upsert(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	log.Infof("[SessionService] 创建会话成功, session: %s, user: %s, audience: %s", session.ID, userID, targetID)
	return session, nil
}

func (s *sessionService) Get(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *sessionService) List(ctx context.Context, userID string) ([]model.ChatSession, error) {
	sessions, err := s.sessionRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func (s *sessionService) ClearMessages(ctx context.Context, sessionID string) error {
	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return ErrSessionNotFound
	}
	if err := s.sessionRepo.ClearMessages(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to clear session messages: %w", err)
	}
	log.Infof("[SessionService] 已清空会话消息, session: %s", sessionID)
	return nil
}
