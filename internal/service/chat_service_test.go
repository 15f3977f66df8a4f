package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"comms-rag-go/internal/config"
	"comms-rag-go/internal/model"
	"comms-rag-go/internal/vectorstore"
	"comms-rag-go/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct {
	calls int
}

func (e *stubEmbedder) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	return []float32{float32(len(text)), 1, 2}, nil
}

type stubRouter struct {
	hits         []model.SearchHit
	lastAudience string
	lastTopK     int
}

func (r *stubRouter) CollectionNameFor(targetID string) string { return "msgvec-" + targetID }
func (r *stubRouter) EnsureCollection(ctx context.Context, name string) error {
	return nil
}
func (r *stubRouter) WarmupKnownCollections(ctx context.Context) {}
func (r *stubRouter) UpsertVector(ctx context.Context, record model.VectorRecord, targetIDs []string) error {
	return nil
}
func (r *stubRouter) DeleteByMessageID(ctx context.Context, messageID string, targetIDs []string) error {
	return nil
}
func (r *stubRouter) Search(ctx context.Context, targetID string, queryVector []float32, topK int) ([]model.SearchHit, error) {
	r.lastAudience = targetID
	r.lastTopK = topK
	return r.hits, nil
}

type stubLLM struct {
	answer       string
	failComplete bool
	lastMessages []llm.Message
}

func (l *stubLLM) Complete(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams) (*llm.Completion, error) {
	l.lastMessages = messages
	if l.failComplete {
		return nil, errors.New("upstream unavailable")
	}
	return &llm.Completion{Text: l.answer, PromptTokens: 7, CompletionTokens: 3}, nil
}

func (l *stubLLM) StreamChatMessages(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams, writer llm.MessageWriter) error {
	l.lastMessages = messages
	if l.failComplete {
		return errors.New("upstream unavailable")
	}
	for _, part := range strings.Split(l.answer, " ") {
		if err := writer.WriteMessage(1, []byte(part+" ")); err != nil {
			return err
		}
	}
	return nil
}

// memSessionRepo 是 SessionRepository 的内存实现，供服务层测试使用。
type memSessionRepo struct {
	sessions map[string]*model.ChatSession
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*model.ChatSession)}
}

func (r *memSessionRepo) GetByID(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	clone := *s
	clone.Messages = append([]model.SessionMessage(nil), s.Messages...)
	return &clone, nil
}

func (r *memSessionRepo) Upsert(ctx context.Context, session *model.ChatSession) error {
	clone := *session
	r.sessions[session.ID] = &clone
	return nil
}

func (r *memSessionRepo) ListByUser(ctx context.Context, userID string) ([]model.ChatSession, error) {
	var out []model.ChatSession
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *memSessionRepo) AppendMessages(ctx context.Context, sessionID string, messages []model.SessionMessage, tokensDelta int64) error {
	s, ok := r.sessions[sessionID]
	if !ok {
		return errors.New("session not found")
	}
	s.Messages = append(s.Messages, messages...)
	s.TokensUsed += tokensDelta
	return nil
}

func (r *memSessionRepo) ClearMessages(ctx context.Context, sessionID string) error {
	s, ok := r.sessions[sessionID]
	if !ok {
		return errors.New("session not found")
	}
	s.Messages = nil
	s.TokensUsed = 0
	return nil
}

func newTestChatService(router vectorstore.Router, llmClient llm.Client, repo *memSessionRepo) ChatService {
	return NewChatService(&stubEmbedder{}, router, llmClient, repo, config.ChatConfig{
		TopK:           5,
		WindowMaxBytes: 4096,
		HistoryLimit:   20,
	})
}

func TestAnswerCreatesSessionAndAppendsTurnPair(t *testing.T) {
	repo := newMemSessionRepo()
	router := &stubRouter{hits: []model.SearchHit{{SourceText: "上季度营收增长", VectorKind: model.VectorKindTranscript}}}
	llmClient := &stubLLM{answer: "营收增长了两成"}
	svc := newTestChatService(router, llmClient, repo)

	answer, err := svc.Answer(context.Background(), "", "u1", "营收如何", "team-a", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, answer.SessionID)
	assert.Equal(t, "营收增长了两成", answer.Answer)
	assert.Equal(t, 7, answer.PromptTokens)
	assert.Equal(t, 3, answer.CompletionTokens)
	assert.Equal(t, 1, answer.ContextHits)
	assert.Equal(t, "team-a", router.lastAudience)
	assert.Equal(t, 5, router.lastTopK)

	stored := repo.sessions[answer.SessionID]
	require.NotNil(t, stored)
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, "user", stored.Messages[0].Role)
	assert.Equal(t, "营收如何", stored.Messages[0].Content)
	assert.Equal(t, 7, stored.Messages[0].TokenCount)
	assert.Equal(t, "assistant", stored.Messages[1].Role)
	assert.Equal(t, 3, stored.Messages[1].TokenCount)
	assert.Equal(t, int64(10), stored.TokensUsed)
}

func TestAnswerRequiresAudience(t *testing.T) {
	svc := newTestChatService(&stubRouter{}, &stubLLM{answer: "x"}, newMemSessionRepo())

	_, err := svc.Answer(context.Background(), "", "u1", "hello", "", nil)
	assert.ErrorIs(t, err, ErrMissingAudience)
}

func TestAnswerFallsBackToSessionAudience(t *testing.T) {
	repo := newMemSessionRepo()
	repo.sessions["s1"] = &model.ChatSession{ID: "s1", UserID: "u1", TargetID: "team-b"}
	router := &stubRouter{}
	svc := newTestChatService(router, &stubLLM{answer: "ok"}, repo)

	_, err := svc.Answer(context.Background(), "s1", "u1", "hello", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "team-b", router.lastAudience)
}

func TestAnswerDoesNotPersistOnCompletionFailure(t *testing.T) {
	repo := newMemSessionRepo()
	repo.sessions["s1"] = &model.ChatSession{ID: "s1", UserID: "u1", TargetID: "team-a"}
	svc := newTestChatService(&stubRouter{}, &stubLLM{failComplete: true}, repo)

	_, err := svc.Answer(context.Background(), "s1", "u1", "hello", "", nil)
	require.Error(t, err)
	assert.Empty(t, repo.sessions["s1"].Messages)
	assert.Equal(t, int64(0), repo.sessions["s1"].TokensUsed)
}

func TestAnswerContextMessageContainsHitsAndWindow(t *testing.T) {
	repo := newMemSessionRepo()
	repo.sessions["s1"] = &model.ChatSession{
		ID:       "s1",
		UserID:   "u1",
		TargetID: "team-a",
		Messages: []model.SessionMessage{
			{Role: "user", Content: "第一轮提问"},
			{Role: "assistant", Content: "第一轮回答"},
		},
	}
	router := &stubRouter{hits: []model.SearchHit{
		{SourceText: "片段甲", VectorKind: model.VectorKindTranscript},
		{SourceText: "片段乙", VectorKind: model.VectorKindTranscript},
	}}
	llmClient := &stubLLM{answer: "ok"}
	svc := newTestChatService(router, llmClient, repo)

	_, err := svc.Answer(context.Background(), "s1", "u1", "第二轮提问", "", nil)
	require.NoError(t, err)

	require.Len(t, llmClient.lastMessages, 2)
	system := llmClient.lastMessages[0]
	assert.Equal(t, "system", system.Role)
	assert.Contains(t, system.Content, "[1]")
	assert.Contains(t, system.Content, "片段甲")
	assert.Contains(t, system.Content, "[2]")
	assert.Contains(t, system.Content, "片段乙")

	window := llmClient.lastMessages[1]
	assert.Equal(t, "user", window.Role)
	// 窗口按时间正序，最后一行是本轮提问
	lines := strings.Split(window.Content, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "user: 第一轮提问", lines[0])
	assert.Equal(t, "assistant: 第一轮回答", lines[1])
	assert.Equal(t, "第二轮提问", lines[2])
}

func TestStreamAnswerPersistsAccumulatedAnswer(t *testing.T) {
	repo := newMemSessionRepo()
	repo.sessions["s1"] = &model.ChatSession{ID: "s1", UserID: "u1", TargetID: "team-a"}
	svc := newTestChatService(&stubRouter{}, &stubLLM{answer: "one two three"}, repo)

	var received strings.Builder
	writer := writerFunc(func(messageType int, data []byte) error {
		received.Write(data)
		return nil
	})

	err := svc.StreamAnswer(context.Background(), "s1", "u1", "hello", "", nil, writer)
	require.NoError(t, err)
	assert.Equal(t, "one two three ", received.String())

	stored := repo.sessions["s1"]
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, "one two three ", stored.Messages[1].Content)
	// 流式接口不返回用量
	assert.Equal(t, 0, stored.Messages[0].TokenCount)
	assert.Equal(t, 0, stored.Messages[1].TokenCount)
}

func TestStreamAnswerDoesNotPersistOnFailure(t *testing.T) {
	repo := newMemSessionRepo()
	repo.sessions["s1"] = &model.ChatSession{ID: "s1", UserID: "u1", TargetID: "team-a"}
	svc := newTestChatService(&stubRouter{}, &stubLLM{failComplete: true}, repo)

	err := svc.StreamAnswer(context.Background(), "s1", "u1", "hello", "", nil, writerFunc(func(int, []byte) error { return nil }))
	require.Error(t, err)
	assert.Empty(t, repo.sessions["s1"].Messages)
}

type writerFunc func(messageType int, data []byte) error

func (f writerFunc) WriteMessage(messageType int, data []byte) error { return f(messageType, data) }
