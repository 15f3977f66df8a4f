package service

import (
	"context"
	"testing"

	"comms-rag-go/internal/config"
	"comms-rag-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessionService(repo *memSessionRepo) SessionService {
	return NewSessionService(repo, config.ChatConfig{
		DefaultSystemPrompt: "默认提示词",
		DefaultTemperature:  0.7,
	})
}

func TestCreateSessionAppliesDefaults(t *testing.T) {
	repo := newMemSessionRepo()
	svc := newTestSessionService(repo)

	session, err := svc.Create(context.Background(), "u1", "team-a", "", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "team-a", session.TargetID)
	assert.Equal(t, "默认提示词", session.SystemPrompt)
	assert.Equal(t, 0.7, session.Temperature)
}

func TestCreateSessionRequiresAudience(t *testing.T) {
	svc := newTestSessionService(newMemSessionRepo())

	_, err := svc.Create(context.Background(), "u1", "", "", 0)
	assert.ErrorIs(t, err, ErrMissingAudience)
}

func TestGetSessionNotFound(t *testing.T) {
	svc := newTestSessionService(newMemSessionRepo())

	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestClearMessagesResetsTokenUsage(t *testing.T) {
	repo := newMemSessionRepo()
	repo.sessions["s1"] = &model.ChatSession{
		ID:         "s1",
		UserID:     "u1",
		TargetID:   "team-a",
		TokensUsed: 42,
		Messages: []model.SessionMessage{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	}
	svc := newTestSessionService(repo)

	require.NoError(t, svc.ClearMessages(context.Background(), "s1"))
	assert.Empty(t, repo.sessions["s1"].Messages)
	assert.Equal(t, int64(0), repo.sessions["s1"].TokensUsed)

	assert.ErrorIs(t, svc.ClearMessages(context.Background(), "missing"), ErrSessionNotFound)
}
