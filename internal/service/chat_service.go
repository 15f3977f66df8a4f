package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"comms-rag-go/internal/config"
	"comms-rag-go/internal/model"
	"comms-rag-go/internal/repository"
	"comms-rag-go/internal/vectorstore"
	"comms-rag-go/pkg/embedding"
	"comms-rag-go/pkg/llm"
	"comms-rag-go/pkg/log"
)

// ErrMissingAudience 表示问答请求没有给出受众范围。空受众是校验错误，
// 绝不会退化成跨全部受众的检索。
var ErrMissingAudience = errors.New("chat: audience target id is required")

// AnswerOptions 是单次问答的可选覆盖项，缺省时使用会话上的默认值。
type AnswerOptions struct {
	SystemPrompt string
	Temperature  *float64
}

// ChatService 定义了检索问答的操作接口。
type ChatService interface {
	// Answer 执行一轮完整的检索问答：向量化提问、按受众检索、组装对话窗口、
	// 请求补全，成功后把问答双方的轮次原子地追加进会话。
	Answer(ctx context.Context, sessionID, userID, prompt, targetID string, opts *AnswerOptions) (*model.ChatAnswer, error)
	// StreamAnswer 与 Answer 流程相同，但把补全分块流式写入 writer，
	// 流结束后才持久化轮次。
	StreamAnswer(ctx context.Context, sessionID, userID, prompt, targetID string, opts *AnswerOptions, writer llm.MessageWriter) error
}

type chatService struct {
	embeddingClient embedding.Client
	router          vectorstore.Router
	llmClient       llm.Client
	sessionRepo     repository.SessionRepository
	chatCfg         config.ChatConfig

	// 同一会话的消息追加必须串行，避免丢失更新
	sessionLocks sync.Map // key: sessionID, value: *sync.Mutex
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(
	embeddingClient embedding.Client,
	router vectorstore.Router,
	llmClient llm.Client,
	sessionRepo repository.SessionRepository,
	chatCfg config.ChatConfig,
) ChatService {
	return &chatService{
		embeddingClient: embeddingClient,
		router:          router,
		llmClient:       llmClient,
		sessionRepo:     sessionRepo,
		chatCfg:         chatCfg,
	}
}

func (s *chatService) Answer(ctx context.Context, sessionID, userID, prompt, targetID string, opts *AnswerOptions) (*model.ChatAnswer, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	session, messages, gen, hitCount, err := s.prepare(ctx, sessionID, userID, prompt, targetID, opts)
	if err != nil {
		return nil, err
	}

	completion, err := s.llmClient.Complete(ctx, messages, gen)
	if err != nil {
		// 补全失败时不追加任何轮次，会话保持原状
		return nil, fmt.Errorf("completion request failed: %w", err)
	}

	if err := s.appendTurnPair(ctx, session.ID, prompt, completion.Text, completion.PromptTokens, completion.CompletionTokens); err != nil {
		return nil, err
	}

	return &model.ChatAnswer{
		SessionID:        session.ID,
		Answer:           completion.Text,
		PromptTokens:     completion.PromptTokens,
		CompletionTokens: completion.CompletionTokens,
		ContextHits:      hitCount,
	}, nil
}

func (s *chatService) StreamAnswer(ctx context.Context, sessionID, userID, prompt, targetID string, opts *AnswerOptions, writer llm.MessageWriter) error {
	unlock := s.lockSession(sessionID)
	defer unlock()

	session, messages, gen, _, err := s.prepare(ctx, sessionID, userID, prompt, targetID, opts)
	if err != nil {
		return err
	}

	// 拦截 writer 以捕获完整答案，流结束后持久化
	answerBuilder := &strings.Builder{}
	interceptor := &captureWriter{next: writer, captured: answerBuilder}
	if err := s.llmClient.StreamChatMessages(ctx, messages, gen, interceptor); err != nil {
		return err
	}

	fullAnswer := answerBuilder.String()
	if len(fullAnswer) == 0 {
		return nil
	}
	// 流式接口不返回用量，token 计数记 0
	return s.appendTurnPair(ctx, session.ID, prompt, fullAnswer, 0, 0)
}

// prepare 执行两条问答路径共用的前置步骤：校验受众、加载或创建会话、
// 向量化提问、按受众检索、组装对话窗口与生成参数。
func (s *chatService) prepare(ctx context.Context, sessionID, userID, prompt, targetID string, opts *AnswerOptions) (*model.ChatSession, []llm.Message, *llm.GenerationParams, int, error) {
	session, err := s.getOrCreateSession(ctx, sessionID, userID, targetID, opts)
	if err != nil {
		return nil, nil, nil, 0, err
	}

	// 受众：显式入参优先，缺省回退到会话上的受众范围
	audience := targetID
	if audience == "" {
		audience = session.TargetID
	}
	if audience == "" {
		return nil, nil, nil, 0, ErrMissingAudience
	}

	log.Infof("[ChatService] 开始处理问答, session: %s, audience: %s", session.ID, audience)

	queryVector, err := s.embeddingClient.CreateEmbedding(ctx, prompt)
	if err != nil {
		return nil, nil, nil, 0, fmt.Errorf("failed to create query embedding: %w", err)
	}

	hits, err := s.router.Search(ctx, audience, queryVector, s.topK())
	if err != nil {
		return nil, nil, nil, 0, fmt.Errorf("audience-scoped search failed: %w", err)
	}
	log.Infof("[ChatService] 检索到 %d 条上下文, session: %s", len(hits), session.ID)

	window := BuildConversationWindow(s.priorTurnsNewestFirst(session), prompt, s.windowMaxBytes())

	systemMsg := s.buildSystemMessage(session, opts, hits)
	messages := []llm.Message{
		{Role: "system", Content: systemMsg},
		{Role: "user", Content: window},
	}
	return session, messages, s.generationParams(session, opts), len(hits), nil
}

// getOrCreateSession 加载既有会话；sessionID 对应的会话不存在时用请求里的
// 默认值新建一个。
func (s *chatService) getOrCreateSession(ctx context.Context, sessionID, userID, targetID string, opts *AnswerOptions) (*model.ChatSession, error) {
	if sessionID != "" {
		session, err := s.sessionRepo.GetByID(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		if session != nil {
			return session, nil
		}
	}

	if targetID == "" {
		return nil, ErrMissingAudience
	}
	session := &model.ChatSession{
		ID:           sessionID,
		UserID:       userID,
		TargetID:     targetID,
		SystemPrompt: s.chatCfg.DefaultSystemPrompt,
		Temperature:  s.chatCfg.DefaultTemperature,
	}
	if session.ID == "" {
		session.ID = newSessionID()
	}
	if opts != nil && opts.SystemPrompt != "" {
		session.SystemPrompt = opts.SystemPrompt
	}
	if opts != nil && opts.Temperature != nil {
		session.Temperature = *opts.Temperature
	}
	if err := s.sessionRepo.Upsert(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	log.Infof("[ChatService] 创建新会话, session: %s, user: %s, audience: %s", session.ID, userID, targetID)
	return session, nil
}

// priorTurnsNewestFirst 把会话里按时间正序保存的消息翻转为从新到旧，
// 并按条数上限截断。
func (s *chatService) priorTurnsNewestFirst(session *model.ChatSession) []model.SessionMessage {
	msgs := session.Messages
	limit := s.chatCfg.HistoryLimit
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	reversed := make([]model.SessionMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		reversed = append(reversed, msgs[i])
	}
	return reversed
}

func (s *chatService) buildSystemMessage(session *model.ChatSession, opts *AnswerOptions, hits []model.SearchHit) string {
	rules := session.SystemPrompt
	if opts != nil && opts.SystemPrompt != "" {
		rules = opts.SystemPrompt
	}

	var sys strings.Builder
	if rules != "" {
		sys.WriteString(rules)
		sys.WriteString("\n\n")
	}
	sys.WriteString("<<REF>>\n")
	if len(hits) > 0 {
		for i, h := range hits {
			sys.WriteString(fmt.Sprintf("[%d] (%s) %s\n", i+1, h.VectorKind, h.SourceText))
		}
	} else {
		sys.WriteString("（本轮无检索结果）\n")
	}
	sys.WriteString("<<END>>")
	return sys.String()
}

func (s *chatService) generationParams(session *model.ChatSession, opts *AnswerOptions) *llm.GenerationParams {
	temperature := session.Temperature
	if opts != nil && opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	if temperature == 0 {
		return nil
	}
	return &llm.GenerationParams{Temperature: &temperature}
}

// appendTurnPair 在补全成功之后把提问与回答作为一对轮次原子地追加进会话。
func (s *chatService) appendTurnPair(ctx context.Context, sessionID, prompt, answer string, promptTokens, completionTokens int) error {
	turns := []model.SessionMessage{
		{Role: "user", Content: prompt, TokenCount: promptTokens},
		{Role: "assistant", Content: answer, TokenCount: completionTokens},
	}
	if err := s.sessionRepo.AppendMessages(ctx, sessionID, turns, int64(promptTokens+completionTokens)); err != nil {
		return fmt.Errorf("failed to persist conversation turns: %w", err)
	}
	return nil
}

func (s *chatService) lockSession(sessionID string) func() {
	v, _ := s.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *chatService) topK() int {
	if s.chatCfg.TopK > 0 {
		return s.chatCfg.TopK
	}
	return 10
}

func (s *chatService) windowMaxBytes() int {
	if s.chatCfg.WindowMaxBytes > 0 {
		return s.chatCfg.WindowMaxBytes
	}
	return 8192
}

// captureWriter 包装下游 writer，同时把全部分块累积成完整答案。
type captureWriter struct {
	next     llm.MessageWriter
	captured *strings.Builder
}

func (w *captureWriter) WriteMessage(messageType int, data []byte) error {
	w.captured.Write(data)
	if w.next == nil {
		return nil
	}
	return w.next.WriteMessage(messageType, data)
}
