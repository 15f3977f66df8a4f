// Package service 提供了搜索相关的业务逻辑。
package service

import (
	"context"
	"fmt"
	"strings"

	"comms-rag-go/internal/config"
	"comms-rag-go/internal/model"
	"comms-rag-go/internal/vectorstore"
	"comms-rag-go/pkg/embedding"
	"comms-rag-go/pkg/log"
)

// SearchService 定义了按受众范围做语义检索的操作接口。
type SearchService interface {
	// Search 把查询文本向量化后在指定受众的集合中做近邻检索。
	// 受众集合尚未建立时返回空结果而不是错误。
	Search(ctx context.Context, query, targetID string, topK int) ([]model.SearchHit, error)
}

type searchService struct {
	embeddingClient embedding.Client
	router          vectorstore.Router
	chatCfg         config.ChatConfig
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(embeddingClient embedding.Client, router vectorstore.Router, chatCfg config.ChatConfig) SearchService {
	return &searchService{
		embeddingClient: embeddingClient,
		router:          router,
		chatCfg:         chatCfg,
	}
}

func (s *searchService) Search(ctx context.Context, query, targetID string, topK int) ([]model.SearchHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search: query is required")
	}
	if targetID == "" {
		return nil, ErrMissingAudience
	}
	if topK <= 0 {
		topK = s.chatCfg.TopK
	}
	if topK <= 0 {
		topK = 10
	}

	queryVector, err := s.embeddingClient.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to create query embedding: %w", err)
	}

	hits, err := s.router.Search(ctx, targetID, queryVector, topK)
	if err != nil {
		return nil, fmt.Errorf("audience-scoped search failed: %w", err)
	}
	log.Infof("[SearchService] 检索完成, audience: %s, topK: %d, hits: %d", targetID, topK, len(hits))
	return hits, nil
}
